// Package uid generates DICOM unique identifiers.
//
// Identifiers use the UUID-derived form from PS3.5 B.2: the root "2.25"
// followed by the decimal value of a random 128-bit UUID. They never exceed
// the 64 character limit.
package uid

import (
	"math/big"

	"github.com/google/uuid"
)

// Root is the arc under which UUID-derived UIDs live.
const Root = "2.25"

// Generator produces fresh identifiers.
type Generator interface {
	New() string
}

// UUIDGenerator derives identifiers from random (version 4) UUIDs.
type UUIDGenerator struct{}

// New returns a new "2.25.<decimal>" identifier.
func (UUIDGenerator) New() string {
	return FromUUID(uuid.New())
}

// FromUUID converts u to its OID form.
func FromUUID(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])
	return Root + "." + n.String()
}

// Unique wraps a generator and refuses to hand out identifiers that were
// reserved or already issued.
type Unique struct {
	gen  Generator
	seen map[string]struct{}
}

// NewUnique returns a Unique seeded with identifiers that must never be reused.
func NewUnique(gen Generator, reserved ...string) *Unique {
	if gen == nil {
		gen = UUIDGenerator{}
	}
	u := &Unique{gen: gen, seen: make(map[string]struct{}, len(reserved))}
	for _, r := range reserved {
		u.Reserve(r)
	}
	return u
}

// Reserve marks id as taken.
func (u *Unique) Reserve(id string) {
	if id != "" {
		u.seen[id] = struct{}{}
	}
}

// New returns an identifier not seen before by u.
func (u *Unique) New() string {
	for {
		id := u.gen.New()
		if _, dup := u.seen[id]; dup {
			continue
		}
		u.seen[id] = struct{}{}
		return id
	}
}
