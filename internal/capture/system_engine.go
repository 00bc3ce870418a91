package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/sysinfo"
)

const DefaultMinFreeBytes = 100 * sysinfo.MB

// Stats counts buffer handling since the last StartCapture
type Stats struct {
	BuffersAccepted int64 `json:"buffers_accepted"`
	BuffersDropped  int64 `json:"buffers_dropped"`
	FramesWritten   int64 `json:"frames_written"`
}

// SystemEngine captures system output audio into a WAV file
type SystemEngine struct {
	platform     Platform
	freeSpace    sysinfo.FreeSpaceFunc
	minFreeBytes uint64
	extensions   []string
	bufferFrames int
	preferred    string

	// mu guards the session lifecycle
	mu        sync.Mutex
	capturing bool
	session   Session
	target    *Target
	config    *SessionConfig

	// writeMu guards per-buffer state touched on the delivery goroutine
	writeMu    sync.Mutex
	accepting  bool
	outputPath string
	writer     *audio.WAVWriter
	converter  *audio.Converter
	writeErr   error

	level    atomic.Uint64
	accepted atomic.Int64
	dropped  atomic.Int64
	frames   atomic.Int64
}

// EngineOption customizes a SystemEngine
type EngineOption func(*SystemEngine)

// WithFreeSpaceFunc replaces the disk space probe
func WithFreeSpaceFunc(fn sysinfo.FreeSpaceFunc) EngineOption {
	return func(e *SystemEngine) { e.freeSpace = fn }
}

// WithMinFreeBytes sets the free space required to start
func WithMinFreeBytes(n uint64) EngineOption {
	return func(e *SystemEngine) { e.minFreeBytes = n }
}

// WithExtensions sets the accepted output extensions
func WithExtensions(exts ...string) EngineOption {
	return func(e *SystemEngine) { e.extensions = exts }
}

// WithBufferFrames sets the preferred frames per delivered buffer
func WithBufferFrames(n int) EngineOption {
	return func(e *SystemEngine) { e.bufferFrames = n }
}

// WithPreferredTarget selects the target with this node name when it is
// present. Empty or "auto" keeps priority selection.
func WithPreferredTarget(name string) EngineOption {
	return func(e *SystemEngine) {
		if name != "auto" {
			e.preferred = name
		}
	}
}

// NewSystemEngine creates an engine over the given platform
func NewSystemEngine(platform Platform, opts ...EngineOption) *SystemEngine {
	e := &SystemEngine{
		platform:     platform,
		freeSpace:    sysinfo.FreeBytes,
		minFreeBytes: DefaultMinFreeBytes,
		extensions:   []string{".wav"},
		bufferFrames: 4096,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartCapture checks prerequisites, selects a target and starts a session
// writing to outputPath. On failure nothing is left allocated.
func (e *SystemEngine) StartCapture(ctx context.Context, outputPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capturing {
		return &errs.ConcurrencyError{Op: "start capture", Reason: errs.AlreadyRecording}
	}

	targets, err := e.checkPrerequisites(ctx, outputPath)
	if err != nil {
		return err
	}

	target, err := SelectPreferredTarget(targets, e.preferred)
	if err != nil {
		return err
	}

	cfg := SessionConfig{Format: audio.StandardFormat(), BufferFrames: e.bufferFrames}
	e.target = &target
	e.config = &cfg
	e.resetBufferState(outputPath)

	session, err := e.platform.NewSession(ctx, target, cfg, e.OnBuffer)
	if err != nil {
		e.rollback()
		return classifyPlatformError("create capture session", err)
	}
	e.session = session

	if err := session.Start(ctx); err != nil {
		if stopErr := session.Stop(); stopErr != nil {
			slog.Debug("Failed to stop session during rollback", "error", stopErr)
		}
		e.rollback()
		return classifyPlatformError("start capture session", err)
	}

	e.capturing = true
	slog.Info("System audio capture started", "target", target.Name, "id", target.ID, "kind", target.Kind(), "output", outputPath)
	return nil
}

// checkPrerequisites runs the start checks in order and returns the
// targets listed by the permission probe
func (e *SystemEngine) checkPrerequisites(ctx context.Context, outputPath string) ([]Target, error) {
	if outputPath == "" {
		return nil, &errs.ConfigurationError{Op: "output path", Err: errors.New("path is empty")}
	}
	ext := strings.ToLower(filepath.Ext(outputPath))
	if !e.supportsExtension(ext) {
		return nil, &errs.ConfigurationError{Op: "output path", Err: fmt.Errorf("unsupported extension %q", ext)}
	}

	dir := filepath.Dir(outputPath)
	if err := CheckWritableDir(dir); err != nil {
		return nil, err
	}

	free, err := e.freeSpace(dir)
	if err != nil {
		return nil, &errs.ConfigurationError{Op: "query free space", Err: err}
	}
	if free < e.minFreeBytes {
		return nil, &errs.ResourceLimitError{Resource: "disk", Required: e.minFreeBytes, Actual: free}
	}

	targets, err := e.platform.ListTargets(ctx)
	if err != nil {
		return nil, classifyPlatformError("probe capture permission", err)
	}

	ok, err := e.platform.SupportsStandardFormat(ctx)
	if err != nil {
		return nil, classifyPlatformError("probe capture format", err)
	}
	if !ok {
		return nil, &errs.ConfigurationError{Op: "capture format", Err: fmt.Errorf("platform cannot produce %s", audio.StandardFormat())}
	}
	return targets, nil
}

func (e *SystemEngine) supportsExtension(ext string) bool {
	for _, s := range e.extensions {
		if strings.EqualFold(ext, s) || strings.EqualFold(ext, "."+s) {
			return true
		}
	}
	return false
}

// CheckWritableDir verifies dir exists and accepts new files
func CheckWritableDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		if os.IsPermission(err) {
			return &errs.PermissionError{Op: "stat " + dir, Err: err}
		}
		return &errs.ConfigurationError{Op: "output directory", Err: err}
	}
	if !st.IsDir() {
		return &errs.ConfigurationError{Op: "output directory", Err: fmt.Errorf("%s is not a directory", dir)}
	}

	probe, err := os.CreateTemp(dir, ".meetcapture-probe-*")
	if err != nil {
		return &errs.PermissionError{Op: "write " + dir, Err: err}
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

func classifyPlatformError(op string, err error) error {
	var pe *errs.PermissionError
	var ce *errs.ConfigurationError
	var nt *errs.NoCaptureTargetError
	switch {
	case errors.As(err, &pe), errors.As(err, &ce), errors.As(err, &nt):
		return err
	case errors.Is(err, os.ErrPermission):
		return &errs.PermissionError{Op: op, Err: err}
	}
	return &errs.ConfigurationError{Op: op, Err: err}
}

func (e *SystemEngine) resetBufferState(outputPath string) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.outputPath = outputPath
	e.converter = audio.NewConverter()
	e.writer = nil
	e.writeErr = nil
	e.accepting = true
	e.level.Store(0)
	e.accepted.Store(0)
	e.dropped.Store(0)
	e.frames.Store(0)
}

// rollback clears session, target and config. Callers hold mu.
func (e *SystemEngine) rollback() {
	e.session = nil
	e.target = nil
	e.config = nil
	e.capturing = false

	e.writeMu.Lock()
	e.accepting = false
	if e.writer != nil {
		e.writer.Close()
		os.Remove(e.writer.Path())
		e.writer = nil
	}
	e.converter = nil
	e.writeMu.Unlock()
	e.level.Store(0)
}

// OnBuffer validates, converts and appends one captured buffer. Invalid
// buffers are dropped without interrupting capture.
func (e *SystemEngine) OnBuffer(buf Buffer) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if !e.accepting {
		return
	}

	wb, err := e.converter.Convert(buf.Format, buf.Data)
	if err != nil {
		n := e.dropped.Add(1)
		slog.Debug("Dropped capture buffer", "error", err, "dropped", n)
		return
	}
	e.accepted.Add(1)
	if wb.Frames() == 0 {
		return
	}

	if e.writer == nil {
		if e.writeErr != nil {
			return
		}
		w, err := audio.CreateWAV(e.outputPath, audio.WorkingSampleRate, audio.WorkingChannels)
		if err != nil {
			e.writeErr = err
			slog.Error("Failed to create capture file", "path", e.outputPath, "error", err)
			return
		}
		e.writer = w
		slog.Debug("Capture file created", "path", e.outputPath)
	}

	if err := e.writer.WriteWorking(wb); err != nil {
		if e.writeErr == nil {
			slog.Error("Failed to write capture buffer", "path", e.outputPath, "error", err)
		}
		e.writeErr = err
		return
	}
	e.frames.Add(int64(wb.Frames()))
	e.level.Store(math.Float64bits(audio.Level(wb.Left, wb.Right)))
}

// StopCapture ends the session and finalizes the file. It is a no-op when
// not capturing.
func (e *SystemEngine) StopCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.capturing {
		return nil
	}

	var firstErr error
	if e.session != nil {
		if err := e.session.Stop(); err != nil {
			firstErr = fmt.Errorf("failed to stop capture session: %w", err)
		}
	}
	e.session = nil
	e.target = nil
	e.config = nil
	e.capturing = false

	e.writeMu.Lock()
	e.accepting = false
	if e.writer != nil {
		if err := e.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		slog.Info("System audio capture stopped", "output", e.outputPath, "duration", e.writer.Duration(), "dropped", e.dropped.Load())
		e.writer = nil
	} else {
		slog.Warn("System audio capture stopped without receiving audio", "output", e.outputPath)
	}
	if e.writeErr != nil && firstErr == nil {
		firstErr = fmt.Errorf("capture write failed: %w", e.writeErr)
	}
	e.converter = nil
	e.writeMu.Unlock()

	e.level.Store(0)
	return firstErr
}

// IsCapturing reports whether a session is active
func (e *SystemEngine) IsCapturing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capturing
}

// Target returns the selected target while capturing
func (e *SystemEngine) Target() (Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.target == nil {
		return Target{}, false
	}
	return *e.target, true
}

// Level returns the latest normalized level in [0,1]
func (e *SystemEngine) Level() float64 {
	return math.Float64frombits(e.level.Load())
}

// Stats returns buffer counters for the current or last session
func (e *SystemEngine) Stats() Stats {
	return Stats{
		BuffersAccepted: e.accepted.Load(),
		BuffersDropped:  e.dropped.Load(),
		FramesWritten:   e.frames.Load(),
	}
}
