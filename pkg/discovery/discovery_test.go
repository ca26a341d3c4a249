package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flairstar/pkg/errors"
	"flairstar/pkg/metadata"
	"flairstar/pkg/rules"
)

// fakeReader serves records keyed by path relative to root.
type fakeReader struct {
	root    string
	records map[string]*metadata.Record
	raw     map[string]string
	dicom   map[string]bool
}

func newFakeReader(root string) *fakeReader {
	return &fakeReader{
		root:    root,
		records: make(map[string]*metadata.Record),
		raw:     make(map[string]string),
		dicom:   make(map[string]bool),
	}
}

func (f *fakeReader) rel(p string) string {
	rel, _ := filepath.Rel(f.root, p)
	return filepath.ToSlash(rel)
}

func (f *fakeReader) ReadRecord(p string) (*metadata.Record, error) {
	if rec, ok := f.records[f.rel(p)]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("not a DICOM file")
}

func (f *fakeReader) LookupSeriesUID(p string) (string, error) {
	if uid, ok := f.raw[f.rel(p)]; ok {
		return uid, nil
	}
	return "", fmt.Errorf("no element")
}

func (f *fakeReader) IsDICOM(p string) bool {
	return f.dicom[f.rel(p)]
}

type fixture struct {
	t      *testing.T
	root   string
	reader *fakeReader
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	return &fixture{t: t, root: root, reader: newFakeReader(root)}
}

func (f *fixture) touch(rel string) {
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(f.t, os.WriteFile(p, []byte("x"), 0644))
}

// series adds one parsed file with the given identity.
func (f *fixture) series(rel, uid, desc, date, clock string) *metadata.Record {
	f.touch(rel)
	rec := metadata.New()
	rec.Set("SeriesInstanceUID", uid)
	rec.Set("SeriesDescription", desc)
	if date != "" {
		rec.Set("AcquisitionDate", date)
	}
	if clock != "" {
		rec.Set("AcquisitionTime", clock)
	}
	f.reader.records[rel] = rec
	return rec
}

func (f *fixture) discover(roles map[string]rules.RuleSet) (*Result, error) {
	s := NewScanner(Options{Reader: f.reader, Workers: 4})
	return s.Discover(context.Background(), f.root, roles)
}

func contains(value string) rules.RuleSet {
	return rules.RuleSet{Rules: []rules.Rule{{Tag: "SeriesDescription", Operation: rules.Contains, Value: value}}}
}

func uidEquals(uid string) rules.RuleSet {
	return rules.RuleSet{Rules: []rules.Rule{{Tag: "SeriesInstanceUID", Operation: rules.Equals, Value: uid}}}
}

func TestDiscoverLatestWins(t *testing.T) {
	f := newFixture(t)
	f.series("swi/1.dcm", "1.2.3.1", "SWI_ax", "20240101", "101010")
	f.series("swi/2.dcm", "1.2.3.1", "SWI_ax", "20240101", "101010")
	f.series("flair_a/1.dcm", "1.2.3.2", "FLAIR_ax_star", "20240101", "090000.123")
	f.series("flair_b/1.dcm", "1.2.3.3", "FLAIR_ax_star", "20240101", "110000")
	f.touch("notes.txt")

	res, err := f.discover(map[string]rules.RuleSet{
		"swi_pattern":   contains("swi"),
		"flair_pattern": contains("FLAIR"),
	})
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.1", res.Assignment["swi_pattern"].Identifier)
	assert.Equal(t, []string{"swi/1.dcm", "swi/2.dcm"}, res.Assignment["swi_pattern"].Files)
	assert.Equal(t, "1.2.3.3", res.Assignment["flair_pattern"].Identifier)
	assert.Equal(t, "FLAIR_ax_star", res.Assignment["flair_pattern"].Description)

	require.Len(t, res.Groups, 3)
	assert.Equal(t, "1.2.3.1", res.Groups[0].Identifier)
	assert.Len(t, res.Candidates, 6)
	assert.Empty(t, res.Skipped)
}

func TestDiscoverTieBreakIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.series("a/1.dcm", "1.2.3.9", "FLAIR", "20240101", "120000")
	f.series("b/1.dcm", "1.2.3.10", "FLAIR", "20240101", "120000")
	f.series("c/1.dcm", "1.2.3.4", "FLAIR", "", "")

	for i := 0; i < 5; i++ {
		res, err := f.discover(map[string]rules.RuleSet{"flair": contains("flair")})
		require.NoError(t, err)
		// "1.2.3.9" > "1.2.3.10" lexically
		assert.Equal(t, "1.2.3.9", res.Assignment["flair"].Identifier)
	}
}

func TestDiscoverZeroMatchesFails(t *testing.T) {
	f := newFixture(t)
	f.series("swi/1.dcm", "1.2.3.1", "SWI_ax", "20240101", "101010")

	res, err := f.discover(map[string]rules.RuleSet{
		"swi":   contains("SWI"),
		"flair": contains("FLAIR"),
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.IsErrorCode(err, errors.ErrMatchFailure))
	assert.Contains(t, err.Error(), "flair")
}

func TestDiscoverConfigurationErrorBeforeScan(t *testing.T) {
	s := NewScanner(Options{Reader: newFakeReader("")})

	_, err := s.Discover(context.Background(), "/does/not/exist", map[string]rules.RuleSet{"swi": {}})
	assert.True(t, errors.IsErrorCode(err, errors.ErrConfigValid))

	_, err = s.Discover(context.Background(), "/does/not/exist", map[string]rules.RuleSet{"swi": contains("SWI")})
	assert.True(t, errors.IsErrorCode(err, errors.ErrIO))
}

func TestDiscoverIdentifierFallbackChain(t *testing.T) {
	f := newFixture(t)
	f.series("good/1.dcm", "1.2.3.1", "SWI", "20240101", "")

	// parses but carries no identifier; the raw lookup finds it
	f.touch("good/2.dcm")
	f.reader.records["good/2.dcm"] = metadata.New()
	f.reader.raw["good/2.dcm"] = "1.2.3.1"

	// unparsable, identifier taken from the directory name
	f.touch("1.2.840.5555.1/broken.dcm")

	// nothing to go on
	f.touch("junk/broken.dcm")

	res, err := f.discover(map[string]rules.RuleSet{"swi": contains("SWI")})
	require.NoError(t, err)

	assert.Equal(t, []string{"good/1.dcm", "good/2.dcm"}, res.Assignment["swi"].Files)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "1.2.3.1", res.Groups[0].Identifier)
	assert.Equal(t, "1.2.840.5555.1", res.Groups[1].Identifier)
	assert.Equal(t, "Unknown", res.Groups[1].Description)
	assert.False(t, res.Groups[1].HasTimestamp())

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "junk/broken.dcm", res.Skipped[0].Path)
	assert.Contains(t, res.Skipped[0].Reason, "unreadable")
}

func TestDiscoverRequiredFalseMissingTag(t *testing.T) {
	f := newFixture(t)
	f.series("a/1.dcm", "1.2.3.1", "SWI", "20240101", "")

	set := contains("SWI")
	set.Rules = append(set.Rules, rules.Rule{Tag: "ProtocolName", Operation: rules.Equals, Value: "x", Required: rules.Optional()})
	res, err := f.discover(map[string]rules.RuleSet{"swi": set})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.1", res.Assignment["swi"].Identifier)
}

func TestDiscoverIdentifierShortcut(t *testing.T) {
	f := newFixture(t)
	f.series("a/1.dcm", "1.2.3.1", "SWI", "20240101", "")
	f.series("b/1.dcm", "1.2.3.2", "FLAIR", "20240101", "")

	res, err := f.discover(map[string]rules.RuleSet{"flair": uidEquals("1.2.3.2")})
	require.NoError(t, err)
	assert.Equal(t, "FLAIR", res.Assignment["flair"].Description)
	assert.False(t, res.Assignment["flair"].FromDirectory)
}

func TestDiscoverDirectoryFallback(t *testing.T) {
	f := newFixture(t)
	f.series("a/1.dcm", "1.2.3.1", "SWI", "20240101", "")
	f.touch("export/series_1.2.3.77_flair/img1.dcm")
	f.touch("export/series_1.2.3.77_flair/sub/img2.dcm")
	f.reader.raw["export/series_1.2.3.77_flair/img1.dcm"] = "9.9.9.9"
	f.reader.raw["export/series_1.2.3.77_flair/sub/img2.dcm"] = "9.9.9.9"

	res, err := f.discover(map[string]rules.RuleSet{"flair": uidEquals("1.2.3.77")})
	require.NoError(t, err)

	g := res.Assignment["flair"]
	assert.True(t, g.FromDirectory)
	assert.Equal(t, "1.2.3.77", g.Identifier)
	assert.Equal(t, []string{
		"export/series_1.2.3.77_flair/img1.dcm",
		"export/series_1.2.3.77_flair/sub/img2.dcm",
	}, g.Files)

	_, err = f.discover(map[string]rules.RuleSet{"flair": uidEquals("1.2.3.78")})
	assert.True(t, errors.IsErrorCode(err, errors.ErrMatchFailure))
}

func TestDiscoverSniffsExtensionlessFiles(t *testing.T) {
	f := newFixture(t)
	f.touch("series/IM0001")
	rec := metadata.New()
	rec.Set("SeriesInstanceUID", "1.2.3.5")
	rec.Set("SeriesDescription", "SWI")
	f.reader.records["series/IM0001"] = rec
	f.reader.dicom["series/IM0001"] = true

	_, err := f.discover(map[string]rules.RuleSet{"swi": contains("SWI")})
	assert.Error(t, err)

	s := NewScanner(Options{Reader: f.reader, Sniff: true})
	res, err := s.Discover(context.Background(), f.root, map[string]rules.RuleSet{"swi": contains("SWI")})
	require.NoError(t, err)
	assert.Equal(t, []string{"series/IM0001"}, res.Assignment["swi"].Files)
}

func TestDiscoverCancelled(t *testing.T) {
	f := newFixture(t)
	f.series("a/1.dcm", "1.2.3.1", "SWI", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanner(Options{Reader: f.reader}).Discover(ctx, f.root, map[string]rules.RuleSet{"swi": contains("SWI")})
	assert.Error(t, err)
}

func TestIdentifierFromPath(t *testing.T) {
	tests := []struct {
		rel  string
		want string
		ok   bool
	}{
		{"1.2.840.1.2/x/1.3.6.1.4/img.dcm", "1.3.6.1.4", true},
		{"study/S_1.2.840.99.7_ax/img.dcm", "1.2.840.99.7", true},
		{"flat/1.2.3.4.5.dcm", "1.2.3.4.5", true},
		{"v1.2/img.dcm", "", false},
		{"img.dcm", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, ok := identifierFromPath(tt.rel)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimestamp(t *testing.T) {
	rec := func(kv ...string) *metadata.Record {
		r := metadata.New()
		for i := 0; i < len(kv); i += 2 {
			r.Set(kv[i], kv[i+1])
		}
		return r
	}

	tests := []struct {
		name string
		rec  *metadata.Record
		want time.Time
	}{
		{"acquisition", rec("AcquisitionDate", "20240315", "AcquisitionTime", "134501"),
			time.Date(2024, 3, 15, 13, 45, 1, 0, time.UTC)},
		{"fractional seconds", rec("AcquisitionDate", "20240315", "AcquisitionTime", "134501.987654"),
			time.Date(2024, 3, 15, 13, 45, 1, 0, time.UTC)},
		{"hours and minutes", rec("SeriesDate", "20240315", "SeriesTime", "1345"),
			time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)},
		{"unparsable time keeps date", rec("AcquisitionDate", "20240315", "AcquisitionTime", "25xx00"),
			time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"series when acquisition missing", rec("SeriesDate", "20230101", "SeriesTime", "080000", "StudyDate", "20220101"),
			time.Date(2023, 1, 1, 8, 0, 0, 0, time.UTC)},
		{"study when others broken", rec("AcquisitionDate", "garbage", "StudyDate", "20220101"),
			time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"nothing", rec("PatientName", "x"), time.Time{}},
		{"nil record", nil, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(Timestamp(tt.rec)), "got %v", Timestamp(tt.rec))
		})
	}
}
