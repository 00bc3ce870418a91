package cmd

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/service"

	"github.com/spf13/cobra"
)

var mixCmd = &cobra.Command{
	Use:   "mix <system.wav> <microphone.wav>",
	Short: "Mix a system and a microphone recording into one stereo WAV",
	Long: `Mix two existing recordings: the system audio goes to the left channel and
the microphone to the right. Sources with different sample rates are
resampled to a common rate. On failure both inputs are copied to the output
directory as separate files.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}

		svc := newService()
		defer svc.Close()

		fmt.Printf("System: %s\n", args[0])
		fmt.Printf("Microphone: %s\n", args[1])

		result, err := svc.MixFiles(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("mixing failed: %w", err)
		}
		printResult(result)
		return runSteps(cmd.Context(), svc, result, followUpSteps())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [recording]",
	Short: "Transcode a mixed recording",
	Long: `Transcode a mixed WAV with ffmpeg, applying the configured per-source gain
and delay. Without an argument the newest recording is exported.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if format, _ := cmd.Flags().GetString("format"); format != "" {
			cfg.Output.ExportFormat = format
		}
		if cfg.Output.ExportFormat == "" {
			return fmt.Errorf("no export format, use --format or set output.export_format (supported: %v)", mix.ExportFormats())
		}

		svc := newService()
		defer svc.Close()

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			latest, err := latestResult(svc)
			if err != nil {
				return err
			}
			path = latest.OutputPath
		}

		out, err := svc.Export(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("✅ Exported %s\n", out)
		return nil
	},
}

func init() {
	mixCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	exportCmd.Flags().StringP("format", "f", "", "export format (overrides output.export_format)")
}

// latestResult describes the newest recording in the output directory
func latestResult(svc service.Service) (*mix.Result, error) {
	recs, err := svc.ListRecordings()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no recordings found in %s", svc.GetConfig().Output.Directory)
	}
	return &mix.Result{
		OutputPath: recs[0].Path,
		Duration:   time.Duration(recs[0].Metadata.Duration * float64(time.Second)),
	}, nil
}
