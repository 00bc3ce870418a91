package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
)

const (
	pwSinkClass     = "Audio/Sink"
	pwDefaultSink   = "default.audio.sink"
	pwStartupWindow = 300 * time.Millisecond
)

// PipeWire captures sink monitors through ffmpeg's pulse input on a
// PipeWire system
type PipeWire struct {
	FFmpegPath string
	SampleRate int
	// Latency is exported as PIPEWIRE_LATENCY for capture processes
	Latency string
}

// NewPipeWire creates the platform with default settings
func NewPipeWire() *PipeWire {
	return &PipeWire{
		FFmpegPath: "ffmpeg",
		SampleRate: 48000,
		Latency:    "256/48000",
	}
}

// ListTargets returns the audio sinks known to PipeWire
func (pw *PipeWire) ListTargets(ctx context.Context) ([]Target, error) {
	cmd := exec.CommandContext(ctx, "pw-dump")
	output, err := cmd.Output()
	if err != nil {
		return nil, pwCommandError("pw-dump", err)
	}
	return parsePWDump(output)
}

// ListPorts returns all PipeWire ports as reported by pw-link
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "pw-link", "-io")
	output, err := cmd.Output()
	if err != nil {
		return nil, pwCommandError("pw-link", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

func pwCommandError(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &errs.ConfigurationError{Op: name, Err: fmt.Errorf("%s not installed: %w", name, err)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		stderr := strings.ToLower(string(exitErr.Stderr))
		if strings.Contains(stderr, "permission") || strings.Contains(stderr, "access denied") {
			return &errs.PermissionError{Op: name, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))}
		}
		return &errs.ConfigurationError{Op: name, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))}
	}
	return &errs.ConfigurationError{Op: name, Err: err}
}

type pwObject struct {
	ID    uint32 `json:"id"`
	Type  string `json:"type"`
	Props map[string]any `json:"props"`
	Info  *struct {
		Props map[string]any `json:"props"`
	} `json:"info"`
	Metadata []struct {
		Subject uint32          `json:"subject"`
		Key     string          `json:"key"`
		Value   json.RawMessage `json:"value"`
	} `json:"metadata"`
}

func propString(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	switch v := props[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// parsePWDump extracts sink nodes and the default sink from pw-dump JSON
func parsePWDump(data []byte) ([]Target, error) {
	var objects []pwObject
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, &errs.ConfigurationError{Op: "parse pw-dump", Err: err}
	}

	defaultSink := ""
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Type, "Metadata") || propString(obj.Props, "metadata.name") != "default" {
			continue
		}
		for _, entry := range obj.Metadata {
			if entry.Key != pwDefaultSink {
				continue
			}
			var value struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(entry.Value, &value); err == nil {
				defaultSink = value.Name
			}
		}
	}

	var targets []Target
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Type, "Node") || obj.Info == nil {
			continue
		}
		if propString(obj.Info.Props, "media.class") != pwSinkClass {
			continue
		}
		name := propString(obj.Info.Props, "node.name")
		if name == "" {
			continue
		}
		desc := propString(obj.Info.Props, "node.description")
		if desc == "" {
			desc = name
		}
		targets = append(targets, Target{
			ID:          obj.ID,
			Name:        name,
			Description: desc,
			Primary:     defaultSink != "" && name == defaultSink,
		})
	}
	return targets, nil
}

// SupportsStandardFormat reports whether ffmpeg is available to deliver
// stereo float samples
func (pw *PipeWire) SupportsStandardFormat(ctx context.Context) (bool, error) {
	if _, err := exec.LookPath(pw.FFmpegPath); err != nil {
		slog.Debug("ffmpeg not available", "path", pw.FFmpegPath, "error", err)
		return false, nil
	}
	return true, nil
}

// NewSession prepares a capture of the target's monitor source
func (pw *PipeWire) NewSession(ctx context.Context, target Target, cfg SessionConfig, handler BufferHandler) (Session, error) {
	if handler == nil {
		return nil, &errs.ConfigurationError{Op: "new session", Err: errors.New("buffer handler is required")}
	}
	frames := cfg.BufferFrames
	if frames <= 0 {
		frames = 4096
	}
	rate := pw.SampleRate
	if rate <= 0 {
		rate = cfg.Format.SampleRate
	}

	return &pipewireSession{
		platform: pw,
		source:   target.Name + ".monitor",
		format: audio.FormatDescriptor{
			FormatID:       audio.FormatLinearPCM,
			SampleRate:     rate,
			Channels:       2,
			BitsPerChannel: 32,
			BytesPerFrame:  8,
			Float:          true,
		},
		frames:  frames,
		handler: handler,
	}, nil
}

type pipewireSession struct {
	platform *PipeWire
	source   string
	format   audio.FormatDescriptor
	frames   int
	handler  BufferHandler

	mu         sync.Mutex
	proc       *ffmpegProcess
	readerDone chan struct{}
}

func (s *pipewireSession) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "pulse",
		"-i", s.source,
		"-ac", strconv.Itoa(s.format.Channels),
		"-ar", strconv.Itoa(s.format.SampleRate),
		"-f", "f32le",
		"pipe:1",
	}
}

func (s *pipewireSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return nil
	}

	var env []string
	if s.platform.Latency != "" {
		env = append(env, "PIPEWIRE_LATENCY="+s.platform.Latency)
	}
	proc, stdout, err := startProcess("system", s.platform.FFmpegPath, s.args(), env, true)
	if err != nil {
		return err
	}
	s.proc = proc
	s.readerDone = make(chan struct{})
	go s.read(proc, stdout)

	// ffmpeg exits almost immediately when the source is unknown
	select {
	case <-proc.Exited():
		<-s.readerDone
		s.proc = nil
		return &errs.ConfigurationError{Op: "start capture of " + s.source, Err: fmt.Errorf("ffmpeg exited: %s", strings.TrimSpace(proc.Stderr()))}
	case <-ctx.Done():
		proc.Stop()
		<-s.readerDone
		s.proc = nil
		return ctx.Err()
	case <-time.After(pwStartupWindow):
	}

	slog.Debug("PipeWire capture session started", "source", s.source, "rate", s.format.SampleRate)
	return nil
}

func (s *pipewireSession) read(proc *ffmpegProcess, stdout io.ReadCloser) {
	done := s.readerDone
	defer close(done)
	defer proc.StdoutDrained()

	size := s.frames * s.format.BytesPerFrame
	for {
		chunk := make([]byte, size)
		n, err := io.ReadFull(stdout, chunk)
		if n > 0 {
			s.handler(Buffer{Format: s.format, Data: chunk[:n], Timestamp: time.Now()})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("Capture stream ended", "source", s.source, "error", err)
			}
			return
		}
	}
}

func (s *pipewireSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		return nil
	}
	err := s.proc.Stop()
	<-s.readerDone
	s.proc = nil
	return err
}
