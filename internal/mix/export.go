package mix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/meetcapture/internal/errs"
)

// ExportOptions control transcoding of a mixed artifact
type ExportOptions struct {
	FFmpegPath string
	// Format is the target container and codec, e.g. "flac", "mp3" or "opus"
	Format     string
	SampleRate int
	// SystemGain and MicrophoneGain scale the left and right channels
	SystemGain     float64
	MicrophoneGain float64
	// Delays shift a channel in milliseconds to compensate device latency
	SystemDelayMs     int
	MicrophoneDelayMs int
}

var exportCodecs = map[string]string{
	"flac": "flac",
	"mp3":  "libmp3lame",
	"ogg":  "libvorbis",
	"opus": "libopus",
	"m4a":  "aac",
}

// ExportFormats lists the formats Export accepts
func ExportFormats() []string {
	return []string{"flac", "m4a", "mp3", "ogg", "opus"}
}

// BuildExportFilter returns the ffmpeg filter applying per-channel gain and
// delay while keeping system on the left and microphone on the right
func BuildExportFilter(opts ExportOptions) string {
	channel := func(label string, gain float64, delayMs int) string {
		if gain <= 0 {
			gain = 1
		}
		f := fmt.Sprintf("[%s]volume=%.2f", label, gain)
		if delayMs > 0 {
			f += fmt.Sprintf(",adelay=%d", delayMs)
		}
		return f + "[" + label + "o]"
	}
	return strings.Join([]string{
		"[0:a]channelsplit=channel_layout=stereo[l][r]",
		channel("l", opts.SystemGain, opts.SystemDelayMs),
		channel("r", opts.MicrophoneGain, opts.MicrophoneDelayMs),
		"[lo][ro]join=inputs=2:channel_layout=stereo[out]",
	}, ";")
}

// Export transcodes a mixed WAV next to itself with ffmpeg. The WAV is kept.
func Export(ctx context.Context, wavPath string, opts ExportOptions) (string, error) {
	format := strings.ToLower(strings.TrimPrefix(opts.Format, "."))
	codec, ok := exportCodecs[format]
	if !ok {
		return "", &errs.ConfigurationError{Op: "export", Err: fmt.Errorf("unsupported export format %q (supported: %s)", opts.Format, strings.Join(ExportFormats(), ", "))}
	}
	if _, err := os.Stat(wavPath); err != nil {
		return "", fmt.Errorf("export input not found: %w", err)
	}
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	outputFile := strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + "." + format
	os.Remove(outputFile)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", wavPath,
		"-filter_complex", BuildExportFilter(opts),
		"-map", "[out]",
		"-ac", "2",
	}
	if opts.SampleRate > 0 {
		args = append(args, "-ar", fmt.Sprintf("%d", opts.SampleRate))
	}
	args = append(args, "-c:a", codec, "-y", outputFile)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	slog.Debug("Running FFmpeg for export", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputFile)
		return "", fmt.Errorf("FFmpeg export failed: %w\nOutput: %s", err, string(output))
	}
	if _, err := os.Stat(outputFile); err != nil {
		return "", fmt.Errorf("export file not created: %s", outputFile)
	}

	slog.Info("Exported recording", "file", outputFile)
	return outputFile, nil
}
