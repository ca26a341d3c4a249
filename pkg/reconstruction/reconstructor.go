// Package reconstruction maps a processed volume back onto the metadata of a
// reference series, producing one derived image per slice.
package reconstruction

import (
	"math"

	"github.com/rs/zerolog"

	"flairstar/internal/models"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
	"flairstar/pkg/metadata"
	"flairstar/pkg/uid"
)

// DefaultSeriesDescription labels derived series.
const DefaultSeriesDescription = "FLAIR Star"

// DefaultSeriesNumber is the series number of derived series.
const DefaultSeriesNumber = 1000

// Params holds the reconstruction parameters.
type Params struct {
	// SeriesDescription is written to SeriesDescription and ProtocolName of
	// every output slice
	SeriesDescription string

	// SeriesNumber is written to every output slice
	SeriesNumber int

	// UIDs generates SOP instance identifiers, and the series identifier
	// when the caller does not supply one. Defaults to UUID-derived UIDs.
	UIDs uid.Generator
}

// DefaultParams returns the parameters used for FLAIR Star output.
func DefaultParams() *Params {
	return &Params{
		SeriesDescription: DefaultSeriesDescription,
		SeriesNumber:      DefaultSeriesNumber,
		UIDs:              uid.UUIDGenerator{},
	}
}

// Reconstructor turns volumes into derived slices. It keeps no state
// between calls.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	logger zerolog.Logger
}

// NewReconstructor creates a reconstructor. Zero fields of params take their
// defaults.
func NewReconstructor(params *Params) *Reconstructor {
	p := DefaultParams()
	if params != nil {
		if params.SeriesDescription != "" {
			p.SeriesDescription = params.SeriesDescription
		}
		if params.SeriesNumber != 0 {
			p.SeriesNumber = params.SeriesNumber
		}
		if params.UIDs != nil {
			p.UIDs = params.UIDs
		}
	}
	return &Reconstructor{
		params: p,
		logger: logging.GetLogger("reconstruction"),
	}
}

// EmitFunc receives each slice as soon as it is built. The reconstructor
// keeps no reference to it afterwards.
type EmitFunc func(*models.ReconstructedSlice) error

// Reconstruct maps vol onto ref and emits one slice per reference slice, in
// slice order. A slice count mismatch fails before anything is emitted.
// An empty seriesUID is replaced by a generated one.
func (r *Reconstructor) Reconstruct(vol *models.Volume, ref *Reference, seriesUID string, emit EmitFunc) error {
	done := logging.LogOperationStart(r.logger, "reconstruct")
	defer done()

	if err := vol.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "invalid volume")
	}
	if ref == nil || ref.Count() == 0 {
		return errors.New(errors.ErrReference, "reference has no slices")
	}

	uids := uid.NewUnique(r.params.UIDs, ref.UIDs...)
	if seriesUID == "" {
		seriesUID = uids.New()
	} else {
		for _, used := range ref.UIDs {
			if used == seriesUID {
				return errors.Newf(errors.ErrInvalidInput, "series UID %s already used by the reference", seriesUID)
			}
		}
		uids.Reserve(seriesUID)
	}

	// Step 1: detect the slice axis and move it last
	axis := SliceAxis(vol)
	if axis != 2 {
		r.logger.Debug().Int("axis", axis).Msg("Moving slice axis last")
		vol = vol.MoveAxisLast(axis)
	}

	if vol.Depth != ref.Count() {
		return errors.Newf(errors.ErrDimensionMismatch,
			"volume has %d slices, reference has %d", vol.Depth, ref.Count()).
			WithDetail("volume_slices", vol.Depth).
			WithDetail("reference_slices", ref.Count())
	}

	// Step 2: one global intensity mapping for the whole volume
	norm := newNormalizer(vol)
	if norm.degenerate {
		r.logger.Warn().Float64("value", norm.min).Msg("Volume has a single intensity, passing samples through unscaled")
	}

	// Step 3: emit every slice
	r.logger.Info().Int("slices", vol.Depth).Bool("multi_frame", ref.MultiFrame).Str("series", seriesUID).Msg("Reconstructing series")
	for z := 0; z < vol.Depth; z++ {
		s := r.buildSlice(vol, ref, z, seriesUID, uids.New(), norm)
		if err := emit(s); err != nil {
			return errors.Wrapf(err, errors.ErrIO, "emit slice %d", z+1)
		}
	}
	return nil
}

// ReconstructAll collects every slice in memory.
func (r *Reconstructor) ReconstructAll(vol *models.Volume, ref *Reference, seriesUID string) ([]*models.ReconstructedSlice, error) {
	var out []*models.ReconstructedSlice
	err := r.Reconstruct(vol, ref, seriesUID, func(s *models.ReconstructedSlice) error {
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reconstructor) buildSlice(vol *models.Volume, ref *Reference, z int, seriesUID, instanceUID string, norm normalizer) *models.ReconstructedSlice {
	var rec *metadata.Record
	var scopes []*metadata.Record
	instance := z + 1

	if ref.MultiFrame {
		rec = ref.Template.Clone()
		scopes = frameScopes(ref.Source, z)
		applyGeometry(rec, ref.Frames[z])
	} else {
		src := ref.Slices[z].Record
		rec = src.Clone()
		scopes = []*metadata.Record{src}
		if n, ok := src.Int("InstanceNumber"); ok {
			instance = n
		}
	}

	applyCopyRules(rec, scopes)
	applyIdentity(rec, identity{
		SeriesUID:         seriesUID,
		InstanceUID:       instanceUID,
		SeriesDescription: r.params.SeriesDescription,
		SeriesNumber:      r.params.SeriesNumber,
		InstanceNumber:    instance,
	})

	wantRows, _ := rec.Int("Rows")
	wantCols, _ := rec.Int("Columns")
	pixels, rows, cols := r.orientSlice(vol, z, wantRows, wantCols, norm)
	applyPixelModule(rec, rows, cols)

	return &models.ReconstructedSlice{
		Index:    z,
		Metadata: rec,
		Pixels:   pixels,
		Rows:     rows,
		Columns:  cols,
		FileName: models.SliceFileName(seriesUID, z),
	}
}

// SliceAxis returns the axis with the largest voxel spacing. Ties keep the
// last axis.
func SliceAxis(vol *models.Volume) int {
	s := vol.Spacing()
	axis := 2
	for a := 0; a < 2; a++ {
		if s[a] > s[axis]+1e-9 {
			axis = a
		}
	}
	return axis
}

// normalizer maps samples linearly onto [0, MaxSample].
type normalizer struct {
	min, max   float64
	span       float64
	degenerate bool
}

func newNormalizer(vol *models.Volume) normalizer {
	lo, hi := vol.MinMax()
	n := normalizer{min: lo, max: hi}
	if hi > lo {
		n.span = hi - lo
	} else {
		n.degenerate = true
	}
	return n
}

// apply scales, truncates and clips one sample.
func (n normalizer) apply(v float64) uint16 {
	if !n.degenerate {
		v = (v - n.min) / n.span * MaxSample
	}
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= MaxSample:
		return MaxSample
	}
	return uint16(v)
}

// orientSlice returns slice z as row-major samples. The native plane has
// Height rows and Width columns; it is transposed when the template declares
// the swapped shape, then flipped along both in-plane axes.
func (r *Reconstructor) orientSlice(vol *models.Volume, z, wantRows, wantCols int, norm normalizer) ([]uint16, int, int) {
	rows, cols := vol.Height, vol.Width
	transpose := false
	if wantRows > 0 && wantCols > 0 && (rows != wantRows || cols != wantCols) {
		if rows == wantCols && cols == wantRows {
			transpose = true
			rows, cols = cols, rows
		} else {
			r.logger.Warn().Int("slice", z).
				Ints("shape", []int{rows, cols}).
				Ints("template", []int{wantRows, wantCols}).
				Msg("Slice shape differs from template, keeping volume shape")
		}
	}

	out := make([]uint16, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			// source position before the flip
			sr, sc := rows-1-row, cols-1-col
			x, y := sc, sr
			if transpose {
				x, y = sr, sc
			}
			out[row*cols+col] = norm.apply(vol.At(x, y, z))
		}
	}
	return out, rows, cols
}
