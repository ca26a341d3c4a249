package models

import (
	"time"
)

// SeriesGroup is one acquisition: every file that resolved to the same series
// identifier during a discovery pass
type SeriesGroup struct {
	// Identifier is the series instance UID (or the token that stood in for it)
	Identifier string

	// Description is the SeriesDescription of the representative file,
	// "Unknown" when it has none
	Description string

	// Timestamp is the representative acquisition time; the zero time when no
	// date could be parsed
	Timestamp time.Time

	// Files are paths relative to the discovery root, in lexical order
	Files []string

	// FromDirectory marks groups synthesized from a directory name rather than
	// from per-file metadata
	FromDirectory bool
}

// HasTimestamp reports whether a timestamp was parsed for the group.
func (g SeriesGroup) HasTimestamp() bool {
	return !g.Timestamp.IsZero()
}

// RoleAssignment maps each configured role to exactly one series
type RoleAssignment map[string]SeriesGroup
