package models

import (
	"fmt"
	"strings"

	"flairstar/pkg/metadata"
)

// FrameDescriptor holds the positioning and spacing attributes of one slice
// or frame. Values keep their original decimal-string form; a nil slice or an
// empty string means the attribute was not found.
type FrameDescriptor struct {
	SliceThickness          string
	PixelSpacing            []string
	ImageOrientationPatient []string
	ImagePositionPatient    []string

	// SliceLocation is the position projected on the slice normal, derived
	// from orientation and position when both are present
	SliceLocation string
}

// Complete reports whether orientation and position are both known.
func (d FrameDescriptor) Complete() bool {
	return len(d.ImageOrientationPatient) == 6 && len(d.ImagePositionPatient) == 3
}

// ReconstructedSlice is one output image: derived metadata plus pixel samples
type ReconstructedSlice struct {
	// Index is the zero-based position along the slice axis
	Index int

	// Metadata is the derived record, ready for serialization
	Metadata *metadata.Record

	// Pixels are row-major samples, Rows*Columns long
	Pixels  []uint16
	Rows    int
	Columns int

	// FileName is the deterministic output name for this slice
	FileName string
}

// SliceFileName returns the output file name for the slice at zero-based index.
func SliceFileName(seriesUID string, index int) string {
	return fmt.Sprintf("%s_%04d.dcm", seriesUID, index+1)
}

// SafeName replaces every non alphanumeric rune with an underscore so a series
// description can be used as a directory name.
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
