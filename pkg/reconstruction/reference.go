package reconstruction

import (
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/floats"

	"flairstar/internal/models"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
	"flairstar/pkg/metadata"
	"flairstar/pkg/rules"
)

// RecordReader reads the metadata of one reference file.
type RecordReader interface {
	ReadRecord(path string) (*metadata.Record, error)
}

// ReferenceSlice is one file of a classic reference series.
type ReferenceSlice struct {
	Path   string
	Record *metadata.Record
}

// Reference is the series the output volume is mapped back onto. It is either
// one multi-frame object or a classic series of single-frame files.
type Reference struct {
	// MultiFrame is set when a single file declares more than one frame
	MultiFrame bool

	// Template is the multi-frame record with frame-level structures removed
	Template *metadata.Record

	// Source is the untouched multi-frame record, used to resolve values
	// that only live inside functional groups
	Source *metadata.Record

	// Frames are the per-frame descriptors of a multi-frame reference,
	// extracted before Template was derived
	Frames []models.FrameDescriptor

	// Slices are the files of a classic reference, sorted by InstanceNumber
	Slices []ReferenceSlice

	// UIDs holds every identifier found in the reference; generated
	// identifiers must avoid them
	UIDs []string
}

// Count returns the number of slices the reference describes.
func (r *Reference) Count() int {
	if r.MultiFrame {
		return len(r.Frames)
	}
	return len(r.Slices)
}

// multiFrameOnly are removed from a multi-frame template before it is used
// for single-frame output.
var multiFrameOnly = []string{
	"NumberOfFrames",
	"PerFrameFunctionalGroupsSequence",
	"SharedFunctionalGroupsSequence",
	"FrameIncrementPointer",
	"DimensionOrganizationSequence",
	"DimensionIndexSequence",
	"ConcatenationUID",
	"InConcatenationNumber",
	"InConcatenationTotalNumber",
	"ConcatenationFrameOffsetNumber",
	"PixelData",
	"FloatPixelData",
	"DoubleFloatPixelData",
}

var uidKeywords = []string{
	"SOPInstanceUID",
	"MediaStorageSOPInstanceUID",
	"SeriesInstanceUID",
	"StudyInstanceUID",
	"FrameOfReferenceUID",
}

// LoadReference reads the files of group, relative to root, and builds the
// reference. Files that fail to parse are skipped with a warning.
func LoadReference(reader RecordReader, root string, group models.SeriesGroup) (*Reference, error) {
	logger := logging.GetLogger("reconstruction")

	var slices []ReferenceSlice
	for _, rel := range group.Files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		rec, err := reader.ReadRecord(p)
		if err != nil {
			logger.Warn().Str("path", p).Err(err).Msg("Skipping unreadable reference file")
			continue
		}
		if n, ok := rec.Int("NumberOfFrames"); ok && n > 1 {
			logger.Info().Str("path", p).Int("frames", n).Msg("Using multi-frame reference")
			return newMultiFrameReference(rec), nil
		}
		slices = append(slices, ReferenceSlice{Path: p, Record: rec})
	}

	slices = sameSeries(slices, group.Identifier)
	if len(slices) == 0 {
		return nil, errors.Newf(errors.ErrReference, "no readable reference files for series %s", group.Identifier)
	}

	sort.SliceStable(slices, func(i, j int) bool {
		a, aok := slices[i].Record.Int("InstanceNumber")
		b, bok := slices[j].Record.Int("InstanceNumber")
		if aok != bok {
			return aok
		}
		if a != b {
			return a < b
		}
		return slices[i].Path < slices[j].Path
	})

	ref := &Reference{Slices: slices}
	for _, s := range slices {
		ref.UIDs = appendUIDs(ref.UIDs, s.Record)
	}
	logger.Info().Str("series", group.Identifier).Int("slices", len(slices)).Msg("Using classic reference")
	return ref, nil
}

// sameSeries keeps the slices carrying identifier. Groups synthesized from a
// directory name may not match any file; those keep every slice.
func sameSeries(slices []ReferenceSlice, identifier string) []ReferenceSlice {
	var out []ReferenceSlice
	for _, s := range slices {
		if v, _ := s.Record.TryGet(rules.IdentifierTag); v == identifier {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return slices
	}
	return out
}

func appendUIDs(dst []string, rec *metadata.Record) []string {
	for _, kw := range uidKeywords {
		if v, ok := rec.TryGet(kw); ok && v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// newMultiFrameReference extracts every frame descriptor first and only then
// derives the stripped template, so no descriptor aliases template data.
func newMultiFrameReference(rec *metadata.Record) *Reference {
	n, _ := rec.Int("NumberOfFrames")
	frames := make([]models.FrameDescriptor, n)
	for i := range frames {
		frames[i] = frameDescriptor(rec, i)
	}

	template := rec.Clone()
	for _, kw := range multiFrameOnly {
		template.Delete(kw)
	}

	ref := &Reference{
		MultiFrame: true,
		Template:   template,
		Source:     rec.Clone(),
		Frames:     frames,
		UIDs:       appendUIDs(nil, rec),
	}
	return ref
}

// frameScopes returns where values for frame i are looked up: the frame's own
// functional group, the shared group, then the top level.
func frameScopes(rec *metadata.Record, i int) []*metadata.Record {
	var scopes []*metadata.Record
	if perFrame := rec.Items("PerFrameFunctionalGroupsSequence"); i < len(perFrame) {
		scopes = append(scopes, perFrame[i])
	}
	if shared := rec.Items("SharedFunctionalGroupsSequence"); len(shared) > 0 {
		scopes = append(scopes, shared[0])
	}
	return append(scopes, rec)
}

// lookupScoped returns the first value of path found in scopes. The top-level
// scope is searched for the last keyword only.
func lookupScoped(scopes []*metadata.Record, path ...string) (*metadata.Element, bool) {
	for i, scope := range scopes {
		p := path
		if i == len(scopes)-1 {
			p = path[len(path)-1:]
		}
		if e, ok := scope.Lookup(p...); ok && !e.IsSequence() {
			return e, true
		}
	}
	return nil, false
}

func frameDescriptor(rec *metadata.Record, i int) models.FrameDescriptor {
	scopes := frameScopes(rec, i)
	values := func(path ...string) []string {
		if e, ok := lookupScoped(scopes, path...); ok {
			return append([]string(nil), e.Values...)
		}
		return nil
	}

	d := models.FrameDescriptor{
		PixelSpacing:            values("PixelMeasuresSequence", "PixelSpacing"),
		ImageOrientationPatient: values("PlaneOrientationSequence", "ImageOrientationPatient"),
		ImagePositionPatient:    values("PlanePositionSequence", "ImagePositionPatient"),
	}
	if v := values("PixelMeasuresSequence", "SliceThickness"); len(v) > 0 {
		d.SliceThickness = v[0]
	}
	if loc, ok := sliceLocation(d); ok {
		d.SliceLocation = metadata.FormatDecimal(loc)
	}
	return d
}

// sliceLocation projects the frame position onto the slice normal.
func sliceLocation(d models.FrameDescriptor) (float64, bool) {
	if !d.Complete() {
		return 0, false
	}
	o, ok := parseFloats(d.ImageOrientationPatient)
	if !ok {
		return 0, false
	}
	p, ok := parseFloats(d.ImagePositionPatient)
	if !ok {
		return 0, false
	}
	row, col := o[:3], o[3:]
	normal := []float64{
		row[1]*col[2] - row[2]*col[1],
		row[2]*col[0] - row[0]*col[2],
		row[0]*col[1] - row[1]*col[0],
	}
	return floats.Dot(normal, p), true
}
