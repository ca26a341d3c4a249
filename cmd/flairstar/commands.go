package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"flairstar/internal/models"
	"flairstar/pkg/config"
	"flairstar/pkg/dicomio"
	"flairstar/pkg/discovery"
	"flairstar/pkg/errors"
	"flairstar/pkg/nifti"
	"flairstar/pkg/pipeline"
	"flairstar/pkg/reconstruction"
	"flairstar/pkg/rules"
)

// selectorFlags registers the series selection flags shared by run and
// discover.
func selectorFlags(cmd *cobra.Command, f *config.Flags) {
	cmd.Flags().StringVar(&f.SWIPattern, "swi-pattern", "", "Substring of the SWI series description")
	cmd.Flags().StringVar(&f.FLAIRPattern, "flair-pattern", "", "Substring of the FLAIR series description")
	cmd.Flags().StringVar(&f.SWIUID, "swi-uid", "", "SeriesInstanceUID of the SWI series")
	cmd.Flags().StringVar(&f.FLAIRUID, "flair-uid", "", "SeriesInstanceUID of the FLAIR series")
}

// resolveSettings merges flags, environment, task file and the optional
// settings file into the settings of one job.
func resolveSettings(flags config.Flags, env *config.Env, inputDir, settingsPath string) (*config.Settings, error) {
	settings, err := config.Resolve(flags, env, inputDir)
	if err != nil {
		return nil, err
	}
	if settingsPath != "" {
		base, err := config.LoadSettings(settingsPath)
		if err != nil {
			return nil, err
		}
		settings.Tools = base.Tools
		settings.Discovery = base.Discovery
		settings.Output = base.Output
	}
	return settings, nil
}

func newRunCmd() *cobra.Command {
	var (
		flags        config.Flags
		inputDir     string
		outputDir    string
		tempDir      string
		previewDir   string
		seriesUID    string
		settingsPath string
		keepTemp     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full FLAIR* pipeline",
		Long: `Run scans the input directory for the SWI and FLAIR series, converts them with
dcm2niix, registers FLAIR onto SWI with flirt, multiplies the volumes with
fslmaths and writes the product as a new DICOM series into the output
directory.

Series are selected, in order of precedence, by --swi-uid/--flair-uid,
--swi-pattern/--flair-pattern, pairs completed from SWI_UID, FLAIR_UID,
SWI_PATTERN and FLAIR_PATTERN, and finally task.json in the input directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			if inputDir == "" {
				inputDir = env.DatasetPath
			}
			if outputDir == "" {
				outputDir = env.ResultsPath
			}
			if tempDir == "" {
				tempDir = env.TempPath
			}

			settings, err := resolveSettings(flags, env, inputDir, settingsPath)
			if err != nil {
				return err
			}
			if previewDir != "" {
				settings.Output.PreviewDir = previewDir
			}

			p := pipeline.New(settings, pipeline.Paths{
				Input:    inputDir,
				Output:   outputDir,
				Temp:     tempDir,
				KeepTemp: keepTemp,
			})
			result, err := p.Run(cmd.Context(), seriesUID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			pterm.Success.WithWriter(out).Printfln("Wrote %d slices of series %s to %s",
				len(result.Written), result.SeriesUID, outputDir)
			if result.Copied > 0 {
				pterm.Info.WithWriter(out).Printfln("Copied %d input files", result.Copied)
			}
			return nil
		},
	}

	selectorFlags(cmd, &flags)
	cmd.Flags().StringVar(&inputDir, "input-dir", "", "Input directory (default $DATASET_PATH or /input)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Output directory (default $RESULTS_PATH or /output)")
	cmd.Flags().StringVar(&tempDir, "temp-dir", "", "Directory for intermediate files (default $TEMP_PATH or a system temp dir)")
	cmd.Flags().StringVar(&previewDir, "preview-dir", "", "Write JPEG previews of the combined volume here")
	cmd.Flags().StringVar(&seriesUID, "series-uid", "", "SeriesInstanceUID of the derived series (generated when empty)")
	cmd.Flags().StringVar(&settingsPath, "config", "", "Settings YAML for tools, discovery and output")
	cmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "Keep intermediate files")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		flags        config.Flags
		settingsPath string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "discover [input-dir]",
		Short: "Show which series each role resolves to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			inputDir := env.DatasetPath
			if len(args) == 1 {
				inputDir = args[0]
			}

			settings, err := resolveSettings(flags, env, inputDir, settingsPath)
			if err != nil {
				return err
			}

			scanner := discovery.NewScanner(discovery.Options{
				Reader:  dicomio.NewReader(),
				Include: settings.Discovery.Include,
				Sniff:   settings.Discovery.Sniff,
				Workers: settings.Discovery.Workers,
			})
			result, err := scanner.Discover(cmd.Context(), inputDir, settings.Processing)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			return renderDiscovery(cmd, result)
		},
	}

	selectorFlags(cmd, &flags)
	cmd.Flags().StringVar(&settingsPath, "config", "", "Settings YAML for discovery options")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	return cmd
}

// renderDiscovery prints every series with the roles it was assigned.
func renderDiscovery(cmd *cobra.Command, result *discovery.Result) error {
	assigned := map[string][]string{}
	for role, g := range result.Assignment {
		assigned[g.Identifier] = append(assigned[g.Identifier], role)
	}

	data := pterm.TableData{{"Series", "Description", "Files", "Timestamp", "Role"}}
	for _, g := range result.Groups {
		roles := assigned[g.Identifier]
		sort.Strings(roles)
		stamp := ""
		if g.HasTimestamp() {
			stamp = g.Timestamp.Format("2006-01-02 15:04:05")
		}
		data = append(data, []string{g.Identifier, g.Description, strconv.Itoa(len(g.Files)), stamp, strings.Join(roles, ", ")})
	}
	// directory fallback groups are not part of Groups
	for role, g := range result.Assignment {
		if g.FromDirectory {
			data = append(data, []string{g.Identifier, g.Description, strconv.Itoa(len(g.Files)), "", role + " (directory)"})
		}
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, table)
	if len(result.Skipped) > 0 {
		pterm.Warning.WithWriter(out).Printfln("%d files skipped (use --json for details)", len(result.Skipped))
	}
	return nil
}

func newReconstructCmd() *cobra.Command {
	var (
		volumePath   string
		referenceDir string
		referenceUID string
		outputDir    string
		seriesUID    string
		description  string
		seriesNumber int
	)

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Write a NIfTI volume as a DICOM series shaped like a reference series",
		Long: `Reconstruct maps an existing NIfTI volume onto a reference series without
running the conversion or registration tools. The reference is the series in
--reference-dir selected by --reference-uid, or the latest series found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := dicomio.NewReader()

			set := rules.RuleSet{Rules: []rules.Rule{{Tag: rules.IdentifierTag, Operation: rules.Regex, Value: ".+"}}}
			if referenceUID != "" {
				set.Rules[0] = rules.Rule{Tag: rules.IdentifierTag, Operation: rules.Equals, Value: referenceUID}
			}
			scanner := discovery.NewScanner(discovery.Options{Reader: reader, Sniff: true})
			found, err := scanner.Discover(cmd.Context(), referenceDir, map[string]rules.RuleSet{"reference": set})
			if err != nil {
				return err
			}
			group := found.Assignment["reference"]

			vol, err := nifti.Load(volumePath)
			if err != nil {
				return err
			}
			ref, err := reconstruction.LoadReference(reader, referenceDir, group)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outputDir, 0755); err != nil {
				return errors.Wrap(err, errors.ErrIO, "cannot create output directory")
			}
			writer := dicomio.NewWriter()
			r := reconstruction.NewReconstructor(&reconstruction.Params{
				SeriesDescription: description,
				SeriesNumber:      seriesNumber,
			})
			written := 0
			err = r.Reconstruct(vol, ref, seriesUID, func(s *models.ReconstructedSlice) error {
				if _, err := writer.WriteSlice(outputDir, s); err != nil {
					return err
				}
				written++
				return nil
			})
			if err != nil {
				return err
			}

			pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Wrote %d slices to %s", written, outputDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&volumePath, "volume", "", "NIfTI volume (.nii or .nii.gz)")
	cmd.Flags().StringVar(&referenceDir, "reference-dir", "", "Directory holding the reference series")
	cmd.Flags().StringVar(&referenceUID, "reference-uid", "", "SeriesInstanceUID of the reference series")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "Output directory")
	cmd.Flags().StringVar(&seriesUID, "series-uid", "", "SeriesInstanceUID of the derived series (generated when empty)")
	cmd.Flags().StringVar(&description, "description", reconstruction.DefaultSeriesDescription, "SeriesDescription of the derived series")
	cmd.Flags().IntVar(&seriesNumber, "series-number", reconstruction.DefaultSeriesNumber, "SeriesNumber of the derived series")
	_ = cmd.MarkFlagRequired("volume")
	_ = cmd.MarkFlagRequired("reference-dir")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a settings file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "flairstar.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Wrote %s", path)
			return nil
		},
	}
}
