package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flairstar/internal/models"
	"flairstar/pkg/config"
	"flairstar/pkg/discovery"
	"flairstar/pkg/errors"
	"flairstar/pkg/metadata"
	"flairstar/pkg/rules"
)

type fakeDiscoverer struct {
	assignment models.RoleAssignment
	err        error
	roles      map[string]rules.RuleSet
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ string, roles map[string]rules.RuleSet) (*discovery.Result, error) {
	f.roles = roles
	if f.err != nil {
		return nil, f.err
	}
	return &discovery.Result{Assignment: f.assignment}, nil
}

// fakeConverter writes an empty volume file named after the series.
type fakeConverter struct{ converted []string }

func (f *fakeConverter) Convert(_ context.Context, _ string, g models.SeriesGroup, workDir string) (string, error) {
	f.converted = append(f.converted, g.Identifier)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", err
	}
	p := filepath.Join(workDir, g.Identifier+".nii.gz")
	return p, os.WriteFile(p, nil, 0644)
}

type fakeCombiner struct {
	reference, moving string
	err               error
}

func (f *fakeCombiner) Combine(_ context.Context, reference, moving, workDir string) (string, error) {
	f.reference, f.moving = reference, moving
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join(workDir, "FLAIR-STAR.nii.gz"), nil
}

type mapReader map[string]*metadata.Record

func (m mapReader) ReadRecord(p string) (*metadata.Record, error) {
	if rec, ok := m[p]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("unreadable %s", p)
}

// touchWriter creates empty files instead of encoding DICOM.
type touchWriter struct{ slices []*models.ReconstructedSlice }

func (w *touchWriter) WriteSlice(dir string, s *models.ReconstructedSlice) (string, error) {
	w.slices = append(w.slices, s)
	p := filepath.Join(dir, s.FileName)
	return p, os.WriteFile(p, nil, 0644)
}

type counter struct{ n int }

func (c *counter) New() string {
	c.n++
	return fmt.Sprintf("2.25.%d", c.n)
}

const (
	swiUID   = "1.2.840.1.1"
	flairUID = "1.2.840.1.2"
)

type fixture struct {
	p         *Pipeline
	input     string
	discover  *fakeDiscoverer
	convert   *fakeConverter
	combine   *fakeCombiner
	writer    *touchWriter
	slices    int
	volumeErr error
}

func newFixture(t *testing.T, slices int) *fixture {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "input")

	reader := mapReader{}
	swi := models.SeriesGroup{Identifier: swiUID, Description: "SWI"}
	for i := 0; i < slices; i++ {
		rel := fmt.Sprintf("patient/swi/%02d.dcm", i)
		full := filepath.Join(input, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("swi"), 0644))

		rec := metadata.New()
		rec.Set("SOPClassUID", "1.2.840.10008.5.1.4.1.1.4")
		rec.Set("SOPInstanceUID", fmt.Sprintf("%s.%d", swiUID, i+1))
		rec.Set("SeriesInstanceUID", swiUID)
		rec.SetInt("InstanceNumber", i+1)
		rec.SetInt("Rows", 3)
		rec.SetInt("Columns", 4)
		reader[full] = rec
		swi.Files = append(swi.Files, rel)
	}
	flairFile := filepath.Join(input, "patient", "flair", "00.dcm")
	require.NoError(t, os.MkdirAll(filepath.Dir(flairFile), 0755))
	require.NoError(t, os.WriteFile(flairFile, []byte("flair"), 0644))

	settings := config.DefaultSettings()
	settings.Processing = config.PatternRoles("SWI", "FLAIR")

	f := &fixture{
		input: input,
		discover: &fakeDiscoverer{assignment: models.RoleAssignment{
			config.RoleSWI:   swi,
			config.RoleFLAIR: {Identifier: flairUID, Description: "FLAIR", Files: []string{"patient/flair/00.dcm"}},
		}},
		convert: &fakeConverter{},
		combine: &fakeCombiner{},
		writer:  &touchWriter{},
		slices:  slices,
	}
	f.p = New(settings, Paths{
		Input:  input,
		Output: filepath.Join(root, "output"),
		Temp:   filepath.Join(root, "temp"),
	})
	f.p.Discoverer = f.discover
	f.p.Converter = f.convert
	f.p.Combiner = f.combine
	f.p.Records = reader
	f.p.Writer = f.writer
	f.p.UIDs = &counter{}
	f.p.LoadVolume = func(string) (*models.Volume, error) {
		if f.volumeErr != nil {
			return nil, f.volumeErr
		}
		vol := models.NewVolume(4, 3, f.slices)
		for i := range vol.Data {
			vol.Data[i] = float64(i)
		}
		return vol, nil
	}
	return f
}

func TestRun(t *testing.T) {
	f := newFixture(t, 5)

	result, err := f.p.Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{swiUID, flairUID}, f.convert.converted)
	assert.Contains(t, f.combine.reference, swiUID)
	assert.Contains(t, f.combine.moving, flairUID)
	assert.Len(t, f.discover.roles, 2)

	require.Len(t, result.Written, 5)
	assert.Equal(t, "2.25.1", result.SeriesUID)
	for i, s := range f.writer.slices {
		assert.Equal(t, i, s.Index)
		series, _ := s.Metadata.TryGet("SeriesInstanceUID")
		assert.Equal(t, result.SeriesUID, series)
		assert.FileExists(t, result.Written[i])
	}
	assert.Zero(t, result.Copied)
	assert.NoDirExists(t, f.p.Paths.Temp)
}

func TestRunCopyAllAndPreviews(t *testing.T) {
	f := newFixture(t, 2)
	f.p.Settings.CopyAll = true
	f.p.Settings.Output.PreviewDir = filepath.Join(t.TempDir(), "previews")

	result, err := f.p.Run(context.Background(), "1.2.826.0.1.99")
	require.NoError(t, err)

	assert.Equal(t, "1.2.826.0.1.99", result.SeriesUID)
	// two SWI inputs and one FLAIR input, copied flat; 00.dcm collides
	assert.Equal(t, 3, result.Copied)
	assert.FileExists(t, filepath.Join(f.p.Paths.Output, "00.dcm"))
	assert.FileExists(t, filepath.Join(f.p.Paths.Output, "01.dcm"))
	assert.Equal(t, 2, result.Previews)
	assert.FileExists(t, filepath.Join(f.p.Settings.Output.PreviewDir, "slice_z_001.jpg"))
}

func TestRunDimensionMismatchWritesNothing(t *testing.T) {
	f := newFixture(t, 3)
	f.p.LoadVolume = func(string) (*models.Volume, error) {
		return models.NewVolume(4, 3, 7), nil
	}

	_, err := f.p.Run(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrDimensionMismatch))
	assert.Empty(t, f.writer.slices)
	assert.NoDirExists(t, f.p.Paths.Temp)
}

func TestRunStopsOnFailures(t *testing.T) {
	t.Run("discovery", func(t *testing.T) {
		f := newFixture(t, 2)
		f.discover.err = errors.New(errors.ErrMatchFailure, "no series")
		_, err := f.p.Run(context.Background(), "")
		assert.True(t, errors.IsErrorCode(err, errors.ErrMatchFailure))
		assert.Empty(t, f.convert.converted)
	})

	t.Run("registration", func(t *testing.T) {
		f := newFixture(t, 2)
		f.combine.err = errors.New(errors.ErrToolFailed, "flirt failed")
		_, err := f.p.Run(context.Background(), "")
		assert.True(t, errors.IsErrorCode(err, errors.ErrToolFailed))
		assert.Empty(t, f.writer.slices)
	})

	t.Run("volume", func(t *testing.T) {
		f := newFixture(t, 2)
		f.volumeErr = fmt.Errorf("truncated")
		_, err := f.p.Run(context.Background(), "")
		assert.True(t, errors.IsErrorCode(err, errors.ErrIO))
	})

	t.Run("invalid settings", func(t *testing.T) {
		f := newFixture(t, 2)
		delete(f.p.Settings.Processing, config.RoleFLAIR)
		_, err := f.p.Run(context.Background(), "")
		assert.True(t, errors.IsErrorCode(err, errors.ErrConfigValid))
		assert.Nil(t, f.discover.roles)
	})
}

func TestRunKeepTemp(t *testing.T) {
	f := newFixture(t, 1)
	f.p.Paths.KeepTemp = true
	_, err := f.p.Run(context.Background(), "")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(f.p.Paths.Temp, "temp_nifti", "reference"))
}

func TestCopyInputsSkipsSelf(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("a"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.dcm"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "notes.txt"), []byte("x"), 0644))

	n, err := CopyInputs(dir, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dir, "a.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	assert.FileExists(t, filepath.Join(dir, "b.dcm"))
	assert.NoFileExists(t, filepath.Join(dir, "notes.txt"))
}
