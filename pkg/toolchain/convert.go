package toolchain

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"flairstar/internal/models"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
)

// Converter turns one DICOM series into a compressed NIfTI volume.
type Converter struct {
	// Binary is the dcm2niix executable
	Binary string

	runner Runner
	logger zerolog.Logger
}

// NewConverter creates a converter. An empty binary means "dcm2niix".
func NewConverter(runner Runner, binary string) *Converter {
	if binary == "" {
		binary = "dcm2niix"
	}
	return &Converter{
		Binary: binary,
		runner: runner,
		logger: logging.GetLogger("toolchain"),
	}
}

// Convert stages the files of group under workDir/<safe description> and
// converts them. It returns the first .nii.gz produced.
func (c *Converter) Convert(ctx context.Context, srcRoot string, group models.SeriesGroup, workDir string) (string, error) {
	done := logging.LogOperationStart(c.logger, "convert")
	defer done()

	outDir := filepath.Join(workDir, models.SafeName(group.Description))
	inDir := filepath.Join(outDir, "input_structure")
	if err := os.MkdirAll(inDir, 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrIO, "error creating staging directory")
	}

	// Step 1: stage the series flat, the way dcm2niix expects one series
	for _, rel := range group.Files {
		src := filepath.Join(srcRoot, filepath.FromSlash(rel))
		dst := filepath.Join(inDir, filepath.Base(rel))
		if err := CopyFile(src, dst); err != nil {
			return "", err
		}
	}
	c.logger.Info().
		Str("series", group.Identifier).
		Str("description", group.Description).
		Int("files", len(group.Files)).
		Msg("Staged series for conversion")

	// Step 2: convert
	if err := c.runner.Run(ctx, c.Binary, "-z", "y", "-o", outDir, inDir); err != nil {
		return "", err
	}

	// Step 3: pick the output
	matches, err := doublestar.Glob(os.DirFS(outDir), "**/*.nii.gz")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrIO, "error listing conversion output")
	}
	if len(matches) == 0 {
		return "", errors.Newf(errors.ErrToolFailed, "%s produced no .nii.gz for series %s", c.Binary, group.Identifier).
			WithDetail("series", group.Identifier)
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		c.logger.Warn().Strs("outputs", matches).Msg("Conversion produced several volumes, using the first")
	}
	return filepath.Join(outDir, filepath.FromSlash(matches[0])), nil
}

// CopyFile copies src to dst, creating dst's directory and keeping the
// source modification time.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, errors.ErrIO, "error opening %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, errors.ErrIO, "error reading %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrIO, "error creating %s", filepath.Dir(dst))
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, errors.ErrIO, "error creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, errors.ErrIO, "error copying %s", src)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrIO, "error writing %s", dst)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
