package uid

import (
	"regexp"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var uidPattern = regexp.MustCompile(`^2\.25\.(0|[1-9][0-9]*)$`)

func TestUUIDGenerator(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := UUIDGenerator{}.New()
		assert.Regexp(t, uidPattern, id)
		assert.LessOrEqual(t, len(id), 64)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestFromUUID(t *testing.T) {
	assert.Equal(t, "2.25.0", FromUUID(uuid.Nil))
	u := uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
	assert.Equal(t, "2.25.255", FromUUID(u))
}

// sequence hands out a fixed list, repeating the last entry.
type sequence struct {
	ids []string
	n   int
}

func (s *sequence) New() string {
	id := s.ids[s.n]
	if s.n < len(s.ids)-1 {
		s.n++
	}
	return id
}

func TestUniqueSkipsReservedAndIssued(t *testing.T) {
	gen := &sequence{ids: []string{"1.2.3", "1.2.3", "1.2.4", "1.2.5"}}
	u := NewUnique(gen, "1.2.4", "")

	assert.Equal(t, "1.2.3", u.New())
	assert.Equal(t, "1.2.5", u.New())
}

func TestUniqueManyIdentifiers(t *testing.T) {
	u := NewUnique(nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := u.New()
		assert.False(t, seen[id], strconv.Itoa(i))
		seen[id] = true
	}
}
