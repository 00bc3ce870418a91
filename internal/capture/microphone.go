package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/errs"
)

const micStartupWindow = 300 * time.Millisecond

// MicrophoneEngine records the default input device to a mono WAV file with ffmpeg
type MicrophoneEngine struct {
	FFmpegPath string
	// Source is the pulse source name, "default" for the system default input
	Source     string
	SampleRate int

	mu         sync.Mutex
	proc       *ffmpegProcess
	outputPath string
}

// NewMicrophoneEngine creates an engine recording source
func NewMicrophoneEngine(source string) *MicrophoneEngine {
	if source == "" {
		source = "default"
	}
	return &MicrophoneEngine{
		FFmpegPath: "ffmpeg",
		Source:     source,
		SampleRate: 44100,
	}
}

func (m *MicrophoneEngine) args(outputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "pulse",
		"-i", m.Source,
		"-ac", "1",
		"-ar", strconv.Itoa(m.SampleRate),
		"-c:a", "pcm_s16le",
		"-y",
		outputPath,
	}
}

// StartRecording launches ffmpeg and returns once it survives startup
func (m *MicrophoneEngine) StartRecording(ctx context.Context, outputPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != nil {
		return &errs.ConcurrencyError{Op: "start microphone", Reason: errs.AlreadyRecording}
	}
	if outputPath == "" {
		return &errs.ConfigurationError{Op: "microphone output", Err: errors.New("path is empty")}
	}

	// ffmpeg refuses to overwrite in some setups, start clean
	os.Remove(outputPath)

	proc, _, err := startProcess("microphone", m.FFmpegPath, m.args(outputPath), nil, false)
	if err != nil {
		return &errs.ConfigurationError{Op: "start microphone", Err: err}
	}

	select {
	case <-proc.Exited():
		stderr := strings.TrimSpace(proc.Stderr())
		if strings.Contains(strings.ToLower(stderr), "permission") {
			return &errs.PermissionError{Op: "open microphone " + m.Source, Err: errors.New(stderr)}
		}
		return &errs.ConfigurationError{Op: "open microphone " + m.Source, Err: fmt.Errorf("ffmpeg exited: %s", stderr)}
	case <-ctx.Done():
		proc.Stop()
		os.Remove(outputPath)
		return ctx.Err()
	case <-time.After(micStartupWindow):
	}

	m.proc = proc
	m.outputPath = outputPath
	slog.Info("Microphone recording started", "source", m.Source, "output", outputPath)
	return nil
}

// StopRecording stops ffmpeg synchronously. Safe to call when idle.
func (m *MicrophoneEngine) StopRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return
	}
	if err := m.proc.Stop(); err != nil {
		slog.Warn("Microphone recorder exited with error", "error", err)
	}
	slog.Info("Microphone recording stopped", "output", m.outputPath)
	m.proc = nil
	m.outputPath = ""
}

// IsRecording reports whether ffmpeg is running
func (m *MicrophoneEngine) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && m.proc.Running()
}
