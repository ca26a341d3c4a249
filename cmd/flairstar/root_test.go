package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flairstar/pkg/config"
	"flairstar/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "flairstar version dev")
}

func TestNoCommand(t *testing.T) {
	_, err := execute(t)
	assert.Error(t, err)
}

func TestInitConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	_, err := execute(t, "init-config", path)
	require.NoError(t, err)

	cfg, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestDiscoverWithoutSelection(t *testing.T) {
	t.Setenv("SWI_PATTERN", "")
	t.Setenv("FLAIR_PATTERN", "")
	t.Setenv("SWI_UID", "")
	t.Setenv("FLAIR_UID", "")

	_, err := execute(t, "discover", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrConfigValid))
	assert.Equal(t, 2, exitCode(err))
}

func TestDiscoverNoMatches(t *testing.T) {
	_, err := execute(t, "discover", "--swi-pattern", "SWI", "--flair-pattern", "FLAIR", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrMatchFailure))
	assert.Equal(t, 3, exitCode(err))
}

func TestReconstructRequiresFlags(t *testing.T) {
	_, err := execute(t, "reconstruct")
	assert.Error(t, err)
}
