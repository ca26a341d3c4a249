// Package config provides configuration loading and management for flairstar.
// Settings come from a task file in the input directory (task.json or
// task.yaml), a standalone settings YAML, environment variables and command
// line flags, in that order of increasing precedence for role rules.
package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"flairstar/pkg/discovery"
	"flairstar/pkg/errors"
	"flairstar/pkg/logging"
	"flairstar/pkg/reconstruction"
	"flairstar/pkg/rules"
)

// Role names used by task files.
const (
	RoleSWI   = "swi_pattern"
	RoleFLAIR = "flair_pattern"
)

// TaskFiles are looked up in the input directory, in order.
var TaskFiles = []string{"task.json", "task.yaml", "task.yml"}

// ErrNoTaskFile is returned by LoadTask when the input directory has no task file.
var ErrNoTaskFile = stderrors.New("no task file")

// Settings represents the pipeline configuration
type Settings struct {
	// Processing maps each role to the rules that select its series
	Processing map[string]rules.RuleSet `yaml:"processing" json:"processing"`

	// CopyAll copies every input .dcm file to the output directory
	CopyAll bool `yaml:"copy_all" json:"copy_all"`

	// Output parameters of the derived series
	Output struct {
		SeriesDescription string `yaml:"series_description" json:"series_description"`
		SeriesNumber      int    `yaml:"series_number" json:"series_number"`

		// PreviewDir receives JPEG previews of the result when set
		PreviewDir string `yaml:"preview_dir,omitempty" json:"preview_dir,omitempty"`
	} `yaml:"output" json:"output"`

	// Discovery parameters
	Discovery struct {
		// Include holds doublestar patterns selecting candidate files
		Include []string `yaml:"include" json:"include"`

		// Sniff also accepts files with the DICOM preamble outside Include
		Sniff bool `yaml:"sniff" json:"sniff"`

		// Workers bounds concurrent metadata reads
		Workers int `yaml:"workers" json:"workers"`
	} `yaml:"discovery" json:"discovery"`

	// Tools names the external binaries
	Tools struct {
		Dcm2niix string `yaml:"dcm2niix" json:"dcm2niix"`
		Flirt    string `yaml:"flirt" json:"flirt"`
		Fslmaths string `yaml:"fslmaths" json:"fslmaths"`
	} `yaml:"tools" json:"tools"`

	// Pipeline wiring of roles
	Pipeline struct {
		// ReferenceRole is the series registered onto and used as the
		// metadata template of the output
		ReferenceRole string `yaml:"reference_role" json:"reference_role"`

		// MovingRole is registered onto the reference
		MovingRole string `yaml:"moving_role" json:"moving_role"`
	} `yaml:"pipeline" json:"pipeline"`
}

// Task is the task file layout: settings live under process.settings.
type Task struct {
	Process struct {
		Settings *Settings `yaml:"settings" json:"settings"`
	} `yaml:"process" json:"process"`
}

// DefaultSettings returns settings with default values and no role rules
func DefaultSettings() *Settings {
	cfg := &Settings{}

	cfg.Output.SeriesDescription = reconstruction.DefaultSeriesDescription
	cfg.Output.SeriesNumber = reconstruction.DefaultSeriesNumber

	cfg.Discovery.Include = append([]string(nil), discovery.DefaultInclude...)
	cfg.Discovery.Sniff = true
	cfg.Discovery.Workers = runtime.NumCPU()

	cfg.Tools.Dcm2niix = "dcm2niix"
	cfg.Tools.Flirt = "flirt"
	cfg.Tools.Fslmaths = "fslmaths"

	cfg.Pipeline.ReferenceRole = RoleSWI
	cfg.Pipeline.MovingRole = RoleFLAIR

	return cfg
}

// Validate checks that both pipeline roles have usable rules.
func (s *Settings) Validate() error {
	for _, role := range []string{s.Pipeline.ReferenceRole, s.Pipeline.MovingRole} {
		if _, ok := s.Processing[role]; !ok {
			return errors.Newf(errors.ErrConfigValid, "missing rules for role %q", role)
		}
	}
	return rules.ValidateRoles(s.Processing)
}

// Roles returns the rule sets of the pipeline roles only.
func (s *Settings) Roles() map[string]rules.RuleSet {
	return map[string]rules.RuleSet{
		s.Pipeline.ReferenceRole: s.Processing[s.Pipeline.ReferenceRole],
		s.Pipeline.MovingRole:    s.Processing[s.Pipeline.MovingRole],
	}
}

// LoadTask reads the task file of inputDir. JSON task files are parsed with
// the YAML decoder, which accepts them unchanged.
func LoadTask(inputDir string) (*Settings, error) {
	for _, name := range TaskFiles {
		path := filepath.Join(inputDir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigLoad, "error reading task file %s", path)
		}

		task := Task{}
		task.Process.Settings = DefaultSettings()
		if err := yaml.Unmarshal(data, &task); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigLoad, "error parsing task file %s", path)
		}
		cfg := task.Process.Settings
		if len(cfg.Processing) == 0 {
			return nil, errors.Newf(errors.ErrConfigValid, "invalid task file %s: process.settings.processing is required", path)
		}
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigValid, "invalid task file %s", path)
		}
		logger := logging.GetLogger("config")
		logger.Info().Str("path", path).Msg("Loaded task file")
		return cfg, nil
	}
	return nil, errors.Wrapf(ErrNoTaskFile, errors.ErrConfigLoad, "no task file in %s", inputDir)
}

// LoadSettings loads settings from a YAML file.
// If the file doesn't exist, it returns the default settings
func LoadSettings(path string) (*Settings, error) {
	cfg := DefaultSettings()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "error reading settings file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "error parsing settings file")
	}

	return cfg, nil
}

// SaveSettings saves the settings to a YAML file
func SaveSettings(cfg *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, errors.ErrIO, "error creating settings directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "error marshaling settings")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrIO, "error writing settings file")
	}

	return nil
}

// CreateDefaultConfigFile writes default settings with example role rules
func CreateDefaultConfigFile(path string) error {
	cfg := DefaultSettings()
	cfg.Processing = PatternRoles("SWI", "FLAIR")
	return SaveSettings(cfg, path)
}

// Env holds the environment variables the pipeline honours.
type Env struct {
	DatasetPath  string `env:"DATASET_PATH" envDefault:"/input"`
	ResultsPath  string `env:"RESULTS_PATH" envDefault:"/output"`
	TempPath     string `env:"TEMP_PATH"`
	SWIPattern   string `env:"SWI_PATTERN"`
	FLAIRPattern string `env:"FLAIR_PATTERN"`
	SWIUID       string `env:"SWI_UID"`
	FLAIRUID     string `env:"FLAIR_UID"`
	CopyAll      string `env:"COPY_ALL"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (*Env, error) {
	e := &Env{}
	if err := env.Parse(e); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "parse env")
	}
	return e, nil
}

// CopyAllEnabled reports whether COPY_ALL holds a truthy value.
func (e *Env) CopyAllEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(e.CopyAll)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// Flags carries the series selectors given on the command line.
type Flags struct {
	SWIPattern   string
	FLAIRPattern string
	SWIUID       string
	FLAIRUID     string
}

// PatternRoles builds "SeriesDescription contains" rules for both roles.
func PatternRoles(swi, flair string) map[string]rules.RuleSet {
	return map[string]rules.RuleSet{
		RoleSWI:   single("SeriesDescription", rules.Contains, swi),
		RoleFLAIR: single("SeriesDescription", rules.Contains, flair),
	}
}

// UIDRoles builds "SeriesInstanceUID equals" rules for both roles.
func UIDRoles(swi, flair string) map[string]rules.RuleSet {
	return map[string]rules.RuleSet{
		RoleSWI:   single(rules.IdentifierTag, rules.Equals, swi),
		RoleFLAIR: single(rules.IdentifierTag, rules.Equals, flair),
	}
}

func single(tag string, op rules.Operation, value string) rules.RuleSet {
	return rules.RuleSet{Rules: []rules.Rule{{Tag: tag, Operation: op, Value: value}}}
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Resolve picks the role rules. A complete UID pair on the command line wins,
// then a complete pattern pair. Otherwise pairs completed from the
// environment are tried, UIDs first, and the task file of inputDir comes
// last. COPY_ALL from the environment always applies.
func Resolve(flags Flags, e *Env, inputDir string) (*Settings, error) {
	logger := logging.GetLogger("config")
	if e == nil {
		e = &Env{}
	}

	var cfg *Settings
	swiUID, flairUID := firstSet(flags.SWIUID, e.SWIUID), firstSet(flags.FLAIRUID, e.FLAIRUID)
	swiPat, flairPat := firstSet(flags.SWIPattern, e.SWIPattern), firstSet(flags.FLAIRPattern, e.FLAIRPattern)

	switch {
	case flags.SWIUID != "" && flags.FLAIRUID != "":
		logger.Info().Msg("Using series UIDs from flags")
		cfg = DefaultSettings()
		cfg.Processing = UIDRoles(flags.SWIUID, flags.FLAIRUID)
	case flags.SWIPattern != "" && flags.FLAIRPattern != "":
		logger.Info().Msg("Using series patterns from flags")
		cfg = DefaultSettings()
		cfg.Processing = PatternRoles(flags.SWIPattern, flags.FLAIRPattern)
	case swiUID != "" && flairUID != "":
		logger.Info().Str("swi", swiUID).Str("flair", flairUID).Msg("Using series UIDs from combined sources")
		cfg = DefaultSettings()
		cfg.Processing = UIDRoles(swiUID, flairUID)
	case swiPat != "" && flairPat != "":
		logger.Info().Str("swi", swiPat).Str("flair", flairPat).Msg("Using series patterns from combined sources")
		cfg = DefaultSettings()
		cfg.Processing = PatternRoles(swiPat, flairPat)
	default:
		if flags != (Flags{}) {
			logger.Warn().Msg("Incomplete series selection on the command line, falling back to task file")
		}
		task, err := LoadTask(inputDir)
		if stderrors.Is(err, ErrNoTaskFile) {
			return nil, errors.Newf(errors.ErrConfigValid,
				"no task file in %s and no complete SWI/FLAIR pattern or UID pair given", inputDir)
		}
		if err != nil {
			return nil, err
		}
		cfg = task
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.CopyAll = cfg.CopyAll || e.CopyAllEnabled()
	logger.Info().Bool("copy_all", cfg.CopyAll).Msg("Configuration resolved")
	return cfg, nil
}
