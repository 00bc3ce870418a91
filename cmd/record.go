package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/service"

	"github.com/spf13/cobra"
)

const meterWidth = 30

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record system audio and microphone, then mix them",
	Long: `Record the system audio output and the microphone simultaneously.
Press Ctrl+C to stop: both sources are mixed into a stereo WAV in the output
directory. Press Ctrl+C again while stopping to cancel and keep the sources.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}

		svc := newService()
		defer svc.Close()

		result, err := recordSession(cmd.Context(), svc)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		return executePipeline(svc, result, 'r')
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}

func newService() service.Service {
	return service.New(cfg, cfgFile, printProgress)
}

// recordSession records until SIGINT or SIGTERM, then stops and mixes. A
// second signal while stopping cancels the stop.
func recordSession(ctx context.Context, svc service.Service) (*mix.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	session, err := svc.StartRecording(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	slog.Info("Recording started", "session", session.ID, "profile", svc.GetConfig().Profile)
	fmt.Println("Recording... press Ctrl+C to stop")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ticker.C:
			st := svc.GetStatus()
			fmt.Printf("\r● REC %s  %s", formatElapsed(st.Elapsed), levelMeter(st.Level))
		case <-sigChan:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	fmt.Println()
	fmt.Println("Stopping... press Ctrl+C again to cancel")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigChan:
			svc.CancelRecording("interrupted")
		case <-done:
		}
	}()

	result, err := svc.StopRecording(context.Background())
	if err != nil {
		var ce *errs.CancellationError
		if errors.As(err, &ce) {
			fmt.Println("Recording cancelled, temporary sources kept")
		}
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	if result == nil {
		fmt.Println("Not recording")
		return nil, nil
	}
	printResult(result)
	return result, nil
}

func printProgress(u progress.Update) {
	if u.Done {
		fmt.Printf("\r%-60s\r", "")
		return
	}
	eta := ""
	if u.ETA > 0 {
		eta = fmt.Sprintf("  ETA %s", u.ETA.Round(time.Second))
	}
	fmt.Printf("\rMixing: %-12s %3.0f%%%s   ", u.Stage, u.Progress*100, eta)
}

func printResult(result *mix.Result) {
	if result.Fallback {
		fmt.Printf("⚠️  Mixing failed: %v\n", result.Cause)
		fmt.Println("Sources saved separately:")
		for _, src := range []mix.Source{mix.SourceSystem, mix.SourceMicrophone} {
			if path, ok := result.SourceFiles[src]; ok {
				fmt.Printf("  %s: %s\n", src, path)
			}
		}
		return
	}
	fmt.Printf("✅ Saved %s (%s)\n", result.OutputPath, result.Duration.Round(time.Second))
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// levelMeter renders a normalized [0,1] level as a fixed-width bar
func levelMeter(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	n := int(level * meterWidth)
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", meterWidth-n) + "]"
}
