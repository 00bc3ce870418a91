package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/meetcapture/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	logFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "meetcapture",
	Short: "Meeting recorder capturing system audio and microphone",
	Long: `MeetCapture records the system audio output and the microphone at the
same time, then mixes them into a single stereo WAV with the system on the
left channel and the microphone on the right.

When mixing fails both sources are kept as separate files.
Use -p to chain steps, e.g. 'meetcapture -p rp' records then plays.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		if err := config.LoadEnvFiles(".env", filepath.Join(home, ".config", "meetcapture.env")); err != nil {
			return err
		}

		// config init must work before a valid file exists
		if cmd.Name() == "init" {
			setupLogging(verboseLevel, nil)
			return nil
		}

		// An empty path lets the loader fall back to built-in defaults
		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			setupLogging(verboseLevel, nil)
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(verboseLevel, cfg)

		if cfgFile == "" {
			cfgFile = config.DefaultConfigPath()
		}

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline != "" {
			return runCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/meetcapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, e=export, p=play (e.g., 'rp', 'rep')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated (overrides logging.file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mixCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
}

// setupLogging configures slog based on the verbose level. When a log file is
// configured, records also go to a rotated file.
func setupLogging(level int, c *config.Config) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if w := logFileWriter(c); w != nil {
		out = io.MultiWriter(os.Stderr, w)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}

func logFileWriter(c *config.Config) io.Writer {
	path := logFile
	lc := config.Default().Logging
	if c != nil {
		lc = c.Logging
		if path == "" {
			path = c.Logging.File
		}
	}
	if path == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	}
}
