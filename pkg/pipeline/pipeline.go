// Package pipeline runs the FLAIR Star job end to end: it finds the SWI and
// FLAIR series in an input tree, converts and registers them with external
// tools, and writes the combined volume back as a derived DICOM series that
// carries the SWI series' metadata.
package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"flairstar/internal/models"
	"flairstar/pkg/config"
	"flairstar/pkg/dicomio"
	"flairstar/pkg/discovery"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
	"flairstar/pkg/nifti"
	"flairstar/pkg/reconstruction"
	"flairstar/pkg/rules"
	"flairstar/pkg/toolchain"
	"flairstar/pkg/uid"
	"flairstar/pkg/visualization"
)

// DefaultTempDir is used when Paths.Temp is empty.
var DefaultTempDir = filepath.Join(os.TempDir(), "flair_star_temp")

// Discoverer assigns series to roles.
type Discoverer interface {
	Discover(ctx context.Context, root string, roles map[string]rules.RuleSet) (*discovery.Result, error)
}

// Converter turns one series into a NIfTI volume.
type Converter interface {
	Convert(ctx context.Context, srcRoot string, group models.SeriesGroup, workDir string) (string, error)
}

// Combiner registers the moving volume onto the reference and combines them.
type Combiner interface {
	Combine(ctx context.Context, reference, moving, workDir string) (string, error)
}

// SliceWriter persists one reconstructed slice.
type SliceWriter interface {
	WriteSlice(dir string, s *models.ReconstructedSlice) (string, error)
}

// Paths locates the job's directories.
type Paths struct {
	Input  string
	Output string
	Temp   string

	// KeepTemp leaves the temporary directory in place after the run
	KeepTemp bool
}

// Result summarizes a successful run.
type Result struct {
	Assignment models.RoleAssignment
	SeriesUID  string
	Volume     string
	Written    []string
	Previews   int
	Copied     int
}

// Pipeline wires the stages together. Every collaborator can be replaced.
type Pipeline struct {
	Settings *config.Settings
	Paths    Paths

	Discoverer Discoverer
	Converter  Converter
	Combiner   Combiner
	LoadVolume func(path string) (*models.Volume, error)
	Records    reconstruction.RecordReader
	Writer     SliceWriter
	UIDs       uid.Generator

	logger zerolog.Logger
}

// New creates a pipeline backed by the DICOM reader and writer and the
// external tools named in settings.
func New(settings *config.Settings, paths Paths) *Pipeline {
	if paths.Temp == "" {
		paths.Temp = DefaultTempDir
	}
	reader := dicomio.NewReader()
	runner := toolchain.NewExecRunner()
	return &Pipeline{
		Settings: settings,
		Paths:    paths,
		Discoverer: discovery.NewScanner(discovery.Options{
			Reader:  reader,
			Include: settings.Discovery.Include,
			Sniff:   settings.Discovery.Sniff,
			Workers: settings.Discovery.Workers,
		}),
		Converter:  toolchain.NewConverter(runner, settings.Tools.Dcm2niix),
		Combiner:   toolchain.NewRegistrar(runner, settings.Tools.Flirt, settings.Tools.Fslmaths),
		LoadVolume: nifti.Load,
		Records:    reader,
		Writer:     dicomio.NewWriter(),
		UIDs:       uid.UUIDGenerator{},
		logger:     logging.GetLogger("pipeline"),
	}
}

// Run executes the job. seriesUID names the derived series; an empty value
// generates one. The temporary directory is removed on every exit path
// unless KeepTemp is set.
func (p *Pipeline) Run(ctx context.Context, seriesUID string) (*Result, error) {
	done := logging.LogOperationStart(p.logger, "pipeline")
	defer done()

	if err := p.Settings.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{p.Paths.Output, p.Paths.Temp} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, errors.ErrIO, "cannot create directory %s", dir)
		}
	}
	if !p.Paths.KeepTemp {
		defer p.cleanup()
	}

	refRole, movRole := p.Settings.Pipeline.ReferenceRole, p.Settings.Pipeline.MovingRole
	result := &Result{}

	// Step 1: find the series
	p.logger.Info().Str("input", p.Paths.Input).Msg("Step 1: Scanning for matching DICOM series")
	found, err := p.Discoverer.Discover(ctx, p.Paths.Input, p.Settings.Roles())
	if err != nil {
		return nil, err
	}
	result.Assignment = found.Assignment
	refGroup, movGroup := found.Assignment[refRole], found.Assignment[movRole]
	for role, g := range found.Assignment {
		p.logger.Info().
			Str("role", role).
			Str("series", g.Identifier).
			Str("description", g.Description).
			Int("files", len(g.Files)).
			Msg("Matched series")
	}

	// Step 2: convert both series
	p.logger.Info().Msg("Step 2: Converting series to NIfTI")
	niftiDir := filepath.Join(p.Paths.Temp, "temp_nifti")
	refVolume, err := p.Converter.Convert(ctx, p.Paths.Input, refGroup, filepath.Join(niftiDir, "reference"))
	if err != nil {
		return nil, err
	}
	movVolume, err := p.Converter.Convert(ctx, p.Paths.Input, movGroup, filepath.Join(niftiDir, "moving"))
	if err != nil {
		return nil, err
	}

	// Step 3: register and combine
	p.logger.Info().Msg("Step 3: Registering and combining volumes")
	combined, err := p.Combiner.Combine(ctx, refVolume, movVolume, filepath.Join(p.Paths.Temp, "processing_result"))
	if err != nil {
		return nil, err
	}
	result.Volume = combined
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: load the combined volume and the reference metadata
	p.logger.Info().Str("volume", combined).Msg("Step 4: Loading combined volume")
	vol, err := p.LoadVolume(combined)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrIO, "error loading combined volume")
	}
	ref, err := reconstruction.LoadReference(p.Records, p.Paths.Input, refGroup)
	if err != nil {
		return nil, err
	}

	// Step 5: write the derived series, one file per emitted slice
	p.logger.Info().Msg("Step 5: Writing derived DICOM series")
	if seriesUID == "" {
		seriesUID = uid.NewUnique(p.UIDs, ref.UIDs...).New()
	}
	result.SeriesUID = seriesUID
	rec := reconstruction.NewReconstructor(&reconstruction.Params{
		SeriesDescription: p.Settings.Output.SeriesDescription,
		SeriesNumber:      p.Settings.Output.SeriesNumber,
		UIDs:              p.UIDs,
	})
	err = rec.Reconstruct(vol, ref, seriesUID, func(s *models.ReconstructedSlice) error {
		written, err := p.Writer.WriteSlice(p.Paths.Output, s)
		if err != nil {
			return err
		}
		result.Written = append(result.Written, written)
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().Int("files", len(result.Written)).Str("series", seriesUID).Msg("Derived series written")

	// Step 6: previews
	if dir := p.Settings.Output.PreviewDir; dir != "" {
		axis := reconstruction.SliceAxis(vol)
		viewer := visualization.NewViewer(vol.MoveAxisLast(axis))
		n, err := viewer.SaveSliceSequence("z", dir)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed to save previews")
		}
		result.Previews = n
	}

	// Step 7: copy the inputs alongside the result
	if p.Settings.CopyAll {
		p.logger.Info().Msg("Step 7: Copying input DICOM files")
		n, err := CopyInputs(p.Paths.Input, p.Paths.Output)
		if err != nil {
			return nil, err
		}
		result.Copied = n
	}

	p.logger.Info().Msg("All processing steps completed successfully")
	return result, nil
}

func (p *Pipeline) cleanup() {
	if err := os.RemoveAll(p.Paths.Temp); err != nil {
		p.logger.Error().Err(err).Str("dir", p.Paths.Temp).Msg("Error cleaning up temporary directory")
		return
	}
	p.logger.Debug().Str("dir", p.Paths.Temp).Msg("Temporary directory removed")
}

// CopyInputs copies every .dcm file under input flat into output. Files
// sharing a base name overwrite each other in walk order.
func CopyInputs(input, output string) (int, error) {
	logger := logging.GetLogger("pipeline")
	matches, err := doublestar.Glob(os.DirFS(input), "**/*.dcm")
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrIO, "error listing input files")
	}

	copied := 0
	seen := make(map[string]string, len(matches))
	for _, rel := range matches {
		name := path.Base(rel)
		src := filepath.Join(input, filepath.FromSlash(rel))
		dst := filepath.Join(output, name)
		if filepath.Clean(src) == filepath.Clean(dst) {
			// output lives inside input
			continue
		}
		if prev, ok := seen[name]; ok {
			logger.Warn().Str("path", rel).Str("previous", prev).Msg("Input file name collides, overwriting")
		}
		seen[name] = rel
		if err := toolchain.CopyFile(src, dst); err != nil {
			return copied, err
		}
		copied++
	}
	logger.Info().Int("files", copied).Msg("Copied input DICOM files")
	return copied, nil
}
