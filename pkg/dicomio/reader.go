// Package dicomio adapts github.com/suyashkumar/dicom to flairstar's metadata
// records: it parses files into metadata.Record values, serializes derived
// records back to Part 10 files, and offers byte-level probes that still work
// on files the parser rejects.
package dicomio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"flairstar/pkg/metadata"
)

// probeLimit bounds how much of a file the byte-level probes read.
const probeLimit = 1 << 20

var uidValue = regexp.MustCompile(`^[0-9]+(\.[0-9]+)+$`)

// Reader reads metadata records from DICOM files. The zero value is ready
// to use.
type Reader struct {
	// WithPixels keeps pixel data elements; discovery and reference loading
	// leave it off.
	WithPixels bool
}

// NewReader returns a Reader that skips pixel data.
func NewReader() *Reader {
	return &Reader{}
}

// ReadRecord parses path into a record.
func (r *Reader) ReadRecord(path string) (*metadata.Record, error) {
	var opts []dicom.ParseOption
	if !r.WithPixels {
		opts = append(opts, dicom.SkipPixelData())
	}
	ds, err := dicom.ParseFile(path, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return FromElements(ds.Elements), nil
}

// IsDICOM reports whether path carries the Part 10 "DICM" marker after the
// 128 byte preamble.
func (r *Reader) IsDICOM(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 132)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return string(head[128:]) == "DICM"
}

// LookupSeriesUID scans the raw bytes of path for the SeriesInstanceUID
// element. It covers files whose headers are too damaged for ReadRecord.
func (r *Reader) LookupSeriesUID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(bufio.NewReader(f), probeLimit))
	if err != nil {
		return "", err
	}
	if v, ok := scanUID(buf, tag.SeriesInstanceUID); ok {
		return v, nil
	}
	return "", fmt.Errorf("no %s element in %s", tag.SeriesInstanceUID, path)
}

// scanUID looks for t in explicit little endian, implicit little endian and
// explicit big endian encodings and returns the first plausible UID value.
func scanUID(buf []byte, t tag.Tag) (string, bool) {
	le := make([]byte, 4)
	binary.LittleEndian.PutUint16(le[0:], t.Group)
	binary.LittleEndian.PutUint16(le[2:], t.Element)
	be := make([]byte, 4)
	binary.BigEndian.PutUint16(be[0:], t.Group)
	binary.BigEndian.PutUint16(be[2:], t.Element)

	for _, pattern := range [][]byte{le, be} {
		bigEndian := bytes.Equal(pattern, be)
		for off := 0; off < len(buf); {
			i := bytes.Index(buf[off:], pattern)
			if i < 0 {
				break
			}
			pos := off + i + 4
			off = off + i + 1
			if v, ok := readUIDAt(buf, pos, bigEndian); ok {
				return v, true
			}
		}
	}
	return "", false
}

func readUIDAt(buf []byte, pos int, bigEndian bool) (string, bool) {
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	var start, n int
	switch {
	case pos+4 <= len(buf) && string(buf[pos:pos+2]) == "UI":
		n = int(order.Uint16(buf[pos+2 : pos+4]))
		start = pos + 4
	case !bigEndian && pos+4 <= len(buf):
		n = int(order.Uint32(buf[pos : pos+4]))
		start = pos + 4
	default:
		return "", false
	}
	if n <= 0 || n > 64 || start+n > len(buf) {
		return "", false
	}
	v := strings.TrimRight(string(buf[start:start+n]), "\x00 ")
	if !uidValue.MatchString(v) {
		return "", false
	}
	return v, true
}

// FromElements converts parsed elements into a record. Pixel data is dropped.
func FromElements(elems []*dicom.Element) *metadata.Record {
	rec := metadata.New()
	for _, e := range elems {
		if me := fromElement(e); me != nil {
			rec.Put(me)
		}
	}
	return rec
}

func fromElement(e *dicom.Element) *metadata.Element {
	if e == nil || e.Tag == tag.PixelData {
		return nil
	}
	out := &metadata.Element{
		Keyword: Keyword(e.Tag),
		Tag:     metadata.Tag{Group: e.Tag.Group, Element: e.Tag.Element},
		VR:      e.RawValueRepresentation,
	}
	if e.Value == nil {
		return out
	}

	switch v := e.Value.GetValue().(type) {
	case []string:
		out.Values = make([]string, len(v))
		for i, s := range v {
			out.Values[i] = strings.TrimRight(s, "\x00 ")
		}
	case []int:
		out.Values = make([]string, len(v))
		for i, n := range v {
			out.Values[i] = strconv.Itoa(n)
		}
	case []float64:
		out.Values = make([]string, len(v))
		for i, f := range v {
			out.Values[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
	case []byte:
		out.Bytes = append([]byte(nil), v...)
	case []*dicom.SequenceItemValue:
		out.VR = "SQ"
		out.Items = make([]*metadata.Record, 0, len(v))
		for _, item := range v {
			nested, _ := item.GetValue().([]*dicom.Element)
			out.Items = append(out.Items, FromElements(nested))
		}
	case dicom.PixelDataInfo:
		return nil
	}
	return out
}

// Keyword returns the dictionary keyword of t, or its "(gggg,eeee)" form for
// private and unknown tags.
func Keyword(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return t.String()
}
