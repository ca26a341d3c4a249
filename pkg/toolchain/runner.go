// Package toolchain drives the external imaging tools the pipeline relies
// on: dcm2niix for DICOM to NIfTI conversion, FSL flirt for registration and
// fslmaths for voxelwise arithmetic.
package toolchain

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
)

// Runner executes one external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, capturing their output for the log.
type ExecRunner struct {
	logger zerolog.Logger
}

// NewExecRunner creates a runner logging under the toolchain component.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: logging.GetLogger("toolchain")}
}

// Run executes name with args. A missing binary, a non-zero exit and a
// cancelled context are all reported as TOOL_FAILED.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	logging.LogCommand(r.logger, name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if stdout.Len() > 0 {
		r.logger.Debug().Str("command", name).Str("output", stdout.String()).Msg("Command stdout")
	}
	if stderr.Len() > 0 {
		r.logger.Debug().Str("command", name).Str("output", stderr.String()).Msg("Command stderr")
	}

	if err != nil {
		r.logger.Error().
			Err(err).
			Str("command", name).
			Strs("args", args).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("Command execution failed")
		return errors.Wrapf(err, errors.ErrToolFailed, "%s failed", name).
			WithDetail("command", name).
			WithDetail("stderr", strings.TrimSpace(stderr.String()))
	}

	r.logger.Info().Str("command", name).Msg("Command executed successfully")
	return nil
}
