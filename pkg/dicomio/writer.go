package dicomio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"flairstar/internal/models"
	"flairstar/pkg/logging"
	"flairstar/pkg/metadata"
)

// ExplicitVRLittleEndian is the transfer syntax every derived file is written with.
const ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Writer serializes records as DICOM Part 10 files.
type Writer struct{}

// NewWriter returns a Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteSlice writes s into dir under s.FileName and returns the full path.
func (w *Writer) WriteSlice(dir string, s *models.ReconstructedSlice) (string, error) {
	path := filepath.Join(dir, s.FileName)
	if err := w.WriteRecord(path, s.Metadata, &Pixels{Rows: s.Rows, Columns: s.Columns, Samples: s.Pixels}); err != nil {
		return "", err
	}
	return path, nil
}

// Pixels is one 16-bit monochrome frame.
type Pixels struct {
	Rows    int
	Columns int
	Samples []uint16
}

// WriteRecord writes rec, plus optional pixel data, to path.
func (w *Writer) WriteRecord(path string, rec *metadata.Record, px *Pixels) error {
	ds, err := ToDataset(rec, px)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ToDataset converts rec into a dataset. Elements that can not be encoded are
// dropped and logged at debug level.
func ToDataset(rec *metadata.Record, px *Pixels) (dicom.Dataset, error) {
	logger := logging.GetLogger("dicomio")

	rec = withFileMeta(rec)

	elems := make([]*dicom.Element, 0, rec.Len()+1)
	for _, me := range rec.Elements() {
		if me.Keyword == "FileMetaInformationGroupLength" {
			continue
		}
		e, err := toElement(me)
		if err != nil {
			logger.Debug().Err(err).Str("keyword", me.Keyword).Msg("Dropping element")
			continue
		}
		elems = append(elems, e)
	}

	if px != nil {
		if len(px.Samples) != px.Rows*px.Columns {
			return dicom.Dataset{}, fmt.Errorf("pixel buffer has %d samples, want %dx%d", len(px.Samples), px.Rows, px.Columns)
		}
		e, err := pixelElement(px)
		if err != nil {
			return dicom.Dataset{}, err
		}
		elems = append(elems, e)
	}
	sortByTag(elems)
	return dicom.Dataset{Elements: elems}, nil
}

// sortByTag puts elements in ascending (group, element) order as the
// encoding requires. Records keep insertion order, so keywords added late
// would otherwise land after higher tags.
func sortByTag(elems []*dicom.Element) {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
}

// withFileMeta fills the file meta elements the writer requires from their
// dataset counterparts. rec is cloned before it is touched.
func withFileMeta(rec *metadata.Record) *metadata.Record {
	fill := map[string]string{
		"MediaStorageSOPClassUID":    "SOPClassUID",
		"MediaStorageSOPInstanceUID": "SOPInstanceUID",
	}
	out := rec
	set := func(keyword, value string) {
		if out == rec {
			out = rec.Clone()
		}
		out.Set(keyword, value)
	}
	if _, ok := rec.TryGet("TransferSyntaxUID"); !ok {
		set("TransferSyntaxUID", ExplicitVRLittleEndian)
	}
	for _, meta := range []string{"MediaStorageSOPClassUID", "MediaStorageSOPInstanceUID"} {
		if _, ok := rec.TryGet(meta); ok {
			continue
		}
		if v, ok := rec.TryGet(fill[meta]); ok {
			set(meta, v)
		}
	}
	return out
}

func resolveTag(me *metadata.Element) (tag.Tag, string, error) {
	t := tag.Tag{Group: me.Tag.Group, Element: me.Tag.Element}
	vr := me.VR
	if me.Tag.IsZero() {
		info, err := tag.FindByName(me.Keyword)
		if err != nil {
			return tag.Tag{}, "", fmt.Errorf("unknown keyword %q: %w", me.Keyword, err)
		}
		t = info.Tag
		if vr == "" {
			vr = info.VR
		}
	}
	if vr == "" {
		info, err := tag.Find(t)
		if err != nil {
			return tag.Tag{}, "", fmt.Errorf("no VR for %s: %w", t, err)
		}
		vr = info.VR
	}
	// Dictionary entries such as "US or SS" resolve to their first form.
	if i := strings.IndexAny(vr, " /"); i > 0 {
		vr = vr[:i]
	}
	if vr == "xs" || vr == "ox" {
		vr = "US"
	}
	return t, vr, nil
}

func toElement(me *metadata.Element) (*dicom.Element, error) {
	t, vr, err := resolveTag(me)
	if err != nil {
		return nil, err
	}

	var data interface{}
	switch {
	case vr == "SQ" || me.Items != nil:
		vr = "SQ"
		items := make([][]*dicom.Element, 0, len(me.Items))
		for _, item := range me.Items {
			nested := make([]*dicom.Element, 0, item.Len())
			for _, ne := range item.Elements() {
				e, err := toElement(ne)
				if err != nil {
					continue
				}
				nested = append(nested, e)
			}
			sortByTag(nested)
			items = append(items, nested)
		}
		data = items
	case me.Bytes != nil:
		data = me.Bytes
	case vr == "US" || vr == "UL" || vr == "SS" || vr == "SL":
		ints := make([]int, len(me.Values))
		for i, s := range me.Values {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", me.Keyword, err)
			}
			ints[i] = n
		}
		data = ints
	case vr == "FL" || vr == "FD":
		fs := make([]float64, len(me.Values))
		for i, s := range me.Values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", me.Keyword, err)
			}
			fs[i] = f
		}
		data = fs
	case vr == "OB" || vr == "OW" || vr == "UN" || vr == "OF" || vr == "OD" || vr == "OL":
		data = []byte(me.String())
	default:
		data = append([]string(nil), me.Values...)
		if me.Values == nil {
			data = []string{}
		}
	}

	value, err := dicom.NewValue(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", me.Keyword, err)
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, vr),
		RawValueRepresentation: vr,
		Value:                  value,
	}, nil
}

func pixelElement(px *Pixels) (*dicom.Element, error) {
	data := make([][]int, len(px.Samples))
	for i, s := range px.Samples {
		data[i] = []int{int(s)}
	}
	f := &frame.Frame{
		Encapsulated: false,
		NativeData: frame.NativeFrame{
			BitsPerSample: 16,
			Rows:          px.Rows,
			Cols:          px.Columns,
			Data:          data,
		},
	}
	value, err := dicom.NewValue(dicom.PixelDataInfo{Frames: []*frame.Frame{f}})
	if err != nil {
		return nil, err
	}
	return &dicom.Element{
		Tag:                    tag.PixelData,
		ValueRepresentation:    tag.VRPixelData,
		RawValueRepresentation: "OW",
		Value:                  value,
	}, nil
}
