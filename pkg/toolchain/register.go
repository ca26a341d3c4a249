package toolchain

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
)

// Output names inside the registration work directory.
const (
	RegisteredName = "input1_registered.nii.gz"
	CombinedName   = "FLAIR-STAR.nii.gz"
)

// Registrar registers a moving volume onto a reference and multiplies the
// result by the reference.
type Registrar struct {
	Flirt    string
	Fslmaths string

	runner Runner
	logger zerolog.Logger
}

// NewRegistrar creates a registrar. Empty binaries take their FSL names.
func NewRegistrar(runner Runner, flirt, fslmaths string) *Registrar {
	if flirt == "" {
		flirt = "flirt"
	}
	if fslmaths == "" {
		fslmaths = "fslmaths"
	}
	return &Registrar{
		Flirt:    flirt,
		Fslmaths: fslmaths,
		runner:   runner,
		logger:   logging.GetLogger("toolchain"),
	}
}

// Combine writes workDir/FLAIR-STAR.nii.gz, the product of the registered
// moving volume and the reference, and returns its path.
func (r *Registrar) Combine(ctx context.Context, reference, moving, workDir string) (string, error) {
	done := logging.LogOperationStart(r.logger, "combine")
	defer done()

	for _, in := range []string{reference, moving} {
		if _, err := os.Stat(in); err != nil {
			return "", errors.Wrapf(err, errors.ErrIO, "input volume not found: %s", in)
		}
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrIO, "error creating registration directory")
	}

	registered := filepath.Join(workDir, RegisteredName)
	combined := filepath.Join(workDir, CombinedName)

	// Step 1: rigid registration of the moving series into reference space
	r.logger.Info().Str("reference", reference).Str("moving", moving).Msg("Starting registration")
	if err := r.runner.Run(ctx, r.Flirt, "-in", moving, "-ref", reference, "-out", registered); err != nil {
		return "", err
	}
	if err := expectOutput(r.Flirt, registered); err != nil {
		return "", err
	}

	// Step 2: voxelwise product
	r.logger.Info().Msg("Multiplying registered volume with reference")
	if err := r.runner.Run(ctx, r.Fslmaths, registered, "-mul", reference, combined); err != nil {
		return "", err
	}
	if err := expectOutput(r.Fslmaths, combined); err != nil {
		return "", err
	}

	r.logger.Info().Str("output", combined).Msg("Registration completed")
	return combined, nil
}

func expectOutput(tool, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Newf(errors.ErrToolFailed, "%s did not create %s", tool, path).
			WithDetail("command", tool)
	}
	return nil
}
