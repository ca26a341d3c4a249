// Package metadata holds the tag-addressable metadata of one image object.
//
// A Record is an ordered set of elements keyed by DICOM keyword (for example
// "SeriesInstanceUID"). Elements that have no dictionary keyword are keyed by
// their "(gggg,eeee)" tag string. A tag that is absent is distinct from a tag
// present with an empty value: TryGet reports the difference through its
// boolean result.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag is a DICOM (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as "(gggg,eeee)".
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// IsZero reports whether the tag was never assigned.
func (t Tag) IsZero() bool {
	return t.Group == 0 && t.Element == 0
}

// Element is one metadata attribute. Text and numeric values are kept as their
// string forms in Values; VR tells writers how to encode them again.
type Element struct {
	Keyword string
	Tag     Tag
	VR      string
	Values  []string
	Bytes   []byte
	Items   []*Record
}

// IsSequence reports whether the element carries nested items.
func (e *Element) IsSequence() bool {
	return e.VR == "SQ" || e.Items != nil
}

// String joins multi-valued attributes with the DICOM value delimiter.
func (e *Element) String() string {
	return strings.Join(e.Values, `\`)
}

// Clone returns a deep copy of e.
func (e *Element) Clone() *Element {
	c := &Element{
		Keyword: e.Keyword,
		Tag:     e.Tag,
		VR:      e.VR,
	}
	if e.Values != nil {
		c.Values = append([]string(nil), e.Values...)
	}
	if e.Bytes != nil {
		c.Bytes = append([]byte(nil), e.Bytes...)
	}
	if e.Items != nil {
		c.Items = make([]*Record, len(e.Items))
		for i, item := range e.Items {
			c.Items[i] = item.Clone()
		}
	}
	return c
}

// Record is an ordered keyword -> element mapping.
type Record struct {
	elements []*Element
	index    map[string]int
}

// New returns an empty record.
func New() *Record {
	return &Record{index: make(map[string]int)}
}

// Len returns the number of elements.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.elements)
}

// Elements returns the elements in insertion order. The slice must not be modified.
func (r *Record) Elements() []*Element {
	if r == nil {
		return nil
	}
	return r.elements
}

// Has reports whether keyword is present, even with an empty value.
func (r *Record) Has(keyword string) bool {
	_, ok := r.Get(keyword)
	return ok
}

// Get returns the element stored under keyword.
func (r *Record) Get(keyword string) (*Element, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.index[keyword]
	if !ok {
		return nil, false
	}
	return r.elements[i], true
}

// TryGet returns the string form of keyword. Sequences are not representable
// as strings and report false.
func (r *Record) TryGet(keyword string) (string, bool) {
	e, ok := r.Get(keyword)
	if !ok || e.IsSequence() {
		return "", false
	}
	if len(e.Values) == 0 && e.Bytes != nil {
		return strings.TrimRight(string(e.Bytes), "\x00 "), true
	}
	return e.String(), true
}

// Strings returns the individual values of keyword.
func (r *Record) Strings(keyword string) ([]string, bool) {
	e, ok := r.Get(keyword)
	if !ok || e.IsSequence() {
		return nil, false
	}
	return e.Values, true
}

// Float parses the first value of keyword.
func (r *Record) Float(keyword string) (float64, bool) {
	vals, ok := r.Strings(keyword)
	if !ok || len(vals) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Floats parses every value of keyword. It fails if any value is not numeric.
func (r *Record) Floats(keyword string) ([]float64, bool) {
	vals, ok := r.Strings(keyword)
	if !ok || len(vals) == 0 {
		return nil, false
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// Int parses the first value of keyword as an integer. Decimal strings such as
// "12.0" are accepted.
func (r *Record) Int(keyword string) (int, bool) {
	f, ok := r.Float(keyword)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Items returns the nested records of a sequence element.
func (r *Record) Items(keyword string) []*Record {
	e, ok := r.Get(keyword)
	if !ok {
		return nil
	}
	return e.Items
}

// Lookup walks a keyword path. Every keyword except the last must name a
// sequence; traversal enters its first item.
func (r *Record) Lookup(path ...string) (*Element, bool) {
	cur := r
	for i, kw := range path {
		e, ok := cur.Get(kw)
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return e, true
		}
		if len(e.Items) == 0 {
			return nil, false
		}
		cur = e.Items[0]
	}
	return nil, false
}

// Set stores values under keyword, keeping position, tag and VR of an existing
// element.
func (r *Record) Set(keyword string, values ...string) {
	if e, ok := r.Get(keyword); ok {
		e.Values = append([]string(nil), values...)
		e.Bytes = nil
		e.Items = nil
		return
	}
	r.Put(&Element{Keyword: keyword, Values: append([]string(nil), values...)})
}

// SetInt stores an integer value.
func (r *Record) SetInt(keyword string, v int) {
	r.Set(keyword, strconv.Itoa(v))
}

// SetFloat stores a decimal value in its shortest representation.
func (r *Record) SetFloat(keyword string, v float64) {
	r.Set(keyword, FormatDecimal(v))
}

// Put inserts or replaces an element by its keyword.
func (r *Record) Put(e *Element) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[e.Keyword]; ok {
		r.elements[i] = e
		return
	}
	r.index[e.Keyword] = len(r.elements)
	r.elements = append(r.elements, e)
}

// Delete removes keyword. Removing an absent keyword is a no-op.
func (r *Record) Delete(keyword string) {
	i, ok := r.index[keyword]
	if !ok {
		return
	}
	r.elements = append(r.elements[:i], r.elements[i+1:]...)
	delete(r.index, keyword)
	for j := i; j < len(r.elements); j++ {
		r.index[r.elements[j].Keyword] = j
	}
}

// Clone returns a deep copy; nested sequence items are copied too.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		elements: make([]*Element, len(r.elements)),
		index:    make(map[string]int, len(r.index)),
	}
	for i, e := range r.elements {
		c.elements[i] = e.Clone()
		c.index[e.Keyword] = i
	}
	return c
}

// FormatDecimal renders v for decimal-string attributes, which are limited to
// 16 characters.
func FormatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if len(s) <= 16 {
		return s
	}
	for prec := 10; prec >= 0; prec-- {
		s = strconv.FormatFloat(v, 'g', prec, 64)
		if len(s) <= 16 {
			return s
		}
	}
	return s
}
