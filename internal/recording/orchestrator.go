// Package recording coordinates the system and microphone capture engines
// through a serialized state machine and hands finished recordings to the
// mixer.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

const (
	DefaultOperationTimeout = 15 * time.Second
	DefaultAbsoluteTimeout  = 30 * time.Second
	DefaultReadyTimeout     = 5 * time.Second
	DefaultReadyPoll        = 50 * time.Millisecond

	opStart = "start"
	opStop  = "stop"
)

// State is the orchestrator lifecycle state
type State int

const (
	StateIdle State = iota
	StateStartTransition
	StateRecording
	StateStopTransition
	StateProcessing
	StateError
)

var stateNames = [...]string{"idle", "starting", "recording", "stopping", "processing", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a snapshot of the current recording
type Session struct {
	ID                 string    `json:"id,omitempty"`
	State              State     `json:"state"`
	StartTime          time.Time `json:"start_time,omitempty"`
	SystemTempPath     string    `json:"system_temp_path,omitempty"`
	MicTempPath        string    `json:"mic_temp_path,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	CancellationReason string    `json:"cancellation_reason,omitempty"`
}

// SystemCapture records system output audio to a file
type SystemCapture interface {
	StartCapture(ctx context.Context, path string) error
	StopCapture() error
}

// Microphone records the microphone to a file. StopRecording is synchronous
// and idempotent.
type Microphone interface {
	StartRecording(ctx context.Context, path string) error
	StopRecording()
}

// Mixer merges the two recordings
type Mixer interface {
	Mix(ctx context.Context, req mix.Request) (*mix.Result, error)
}

// Options configure an Orchestrator
type Options struct {
	TempDir          string
	OutputDir        string
	OperationTimeout time.Duration
	AbsoluteTimeout  time.Duration
	ReadyTimeout     time.Duration
	ReadyPoll        time.Duration
	OnProgress       func(progress.Update)
}

// Orchestrator owns the recording session. All state changes go through mutate.
type Orchestrator struct {
	system SystemCapture
	mic    Microphone
	mixer  Mixer
	opts   Options

	mu           sync.Mutex
	session      Session
	inflight     map[string]bool
	cancelled    bool
	cancelReason string
	cancel       context.CancelFunc

	durationMu sync.Mutex
	recordedAt time.Time
}

// New creates an orchestrator in the Idle state
func New(system SystemCapture, mic Microphone, mixer Mixer, opts Options) *Orchestrator {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.AbsoluteTimeout <= 0 {
		opts.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ReadyPoll <= 0 {
		opts.ReadyPoll = DefaultReadyPoll
	}
	return &Orchestrator{
		system:   system,
		mic:      mic,
		mixer:    mixer,
		opts:     opts,
		inflight: make(map[string]bool),
	}
}

// mutate is the single entry point for changing session state
func (o *Orchestrator) mutate(fn func(s *Session) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn(&o.session)
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.State
}

// Session returns a copy of the current session
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Elapsed returns how long the current recording has been running
func (o *Orchestrator) Elapsed() time.Duration {
	o.durationMu.Lock()
	defer o.durationMu.Unlock()
	if o.recordedAt.IsZero() {
		return 0
	}
	return time.Since(o.recordedAt)
}

func (o *Orchestrator) setRecordedAt(t time.Time) {
	o.durationMu.Lock()
	o.recordedAt = t
	o.durationMu.Unlock()
}

func (o *Orchestrator) beginOp(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[name] {
		return &errs.ConcurrencyError{Op: name, Reason: errs.DuplicateOperation}
	}
	o.inflight[name] = true
	return nil
}

func (o *Orchestrator) endOp(name string) {
	o.mu.Lock()
	delete(o.inflight, name)
	o.mu.Unlock()
}

func (o *Orchestrator) beginStart() error {
	return o.mutate(func(s *Session) error {
		switch s.State {
		case StateRecording:
			return &errs.ConcurrencyError{Op: opStart, Reason: errs.AlreadyRecording}
		case StateIdle, StateError:
		default:
			return &errs.ConcurrencyError{Op: opStart, Reason: errs.TransitionInProgress}
		}
		*s = Session{
			ID:        uuid.NewString(),
			State:     StateStartTransition,
			LastError: s.LastError,
		}
		return nil
	})
}

// completeStart is the only path into Recording
func (o *Orchestrator) completeStart(systemPath, micPath string, startTime time.Time) error {
	return o.mutate(func(s *Session) error {
		if s.State != StateStartTransition {
			return &errs.CancellationError{Op: opStart, Reason: "session was reset during start"}
		}
		s.SystemTempPath = systemPath
		s.MicTempPath = micPath
		s.StartTime = startTime
		s.State = StateRecording
		s.LastError = ""
		return nil
	})
}

func (o *Orchestrator) abortStart(cause error) {
	o.mutate(func(s *Session) error {
		if s.State == StateStartTransition {
			*s = Session{State: StateIdle, LastError: cause.Error(), CancellationReason: s.CancellationReason}
		}
		return nil
	})
}

var errNotRecording = errors.New("not recording")

func (o *Orchestrator) beginStop() (Session, error) {
	var snapshot Session
	err := o.mutate(func(s *Session) error {
		switch s.State {
		case StateRecording:
		case StateIdle, StateError:
			return errNotRecording
		default:
			return &errs.ConcurrencyError{Op: opStop, Reason: errs.TransitionInProgress}
		}
		s.State = StateStopTransition
		snapshot = *s
		return nil
	})
	return snapshot, err
}

func (o *Orchestrator) enterProcessing() error {
	return o.mutate(func(s *Session) error {
		if s.State != StateStopTransition {
			return &errs.CancellationError{Op: opStop, Reason: "session was reset during stop"}
		}
		s.State = StateProcessing
		return nil
	})
}

// completeStop returns to Idle unless the session was replaced while this
// stop was running
func (o *Orchestrator) completeStop(id string) {
	if o.ownsSession(id, func(s *Session) { *s = Session{State: StateIdle} }) {
		o.setRecordedAt(time.Time{})
	}
}

// ownsSession applies fn only while id is still the current session
func (o *Orchestrator) ownsSession(id string, fn func(s *Session)) bool {
	applied := false
	o.mutate(func(s *Session) error {
		if s.ID != id {
			slog.Debug("Session replaced, leaving it untouched", "stale", id, "current", s.ID)
			return nil
		}
		fn(s)
		applied = true
		return nil
	})
	return applied
}

// arm prepares an operation context with the watchdog and the absolute
// ceiling. The returned func disarms both.
func (o *Orchestrator) arm(ctx context.Context, op string) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	o.cancelled = false
	o.cancelReason = ""
	o.cancel = cancel
	o.mu.Unlock()

	watchdog := time.AfterFunc(o.opts.OperationTimeout, func() {
		slog.Warn("Operation watchdog expired", "operation", op, "after", o.opts.OperationTimeout)
		o.RequestCancellation("timeout")
	})
	ceiling := time.AfterFunc(o.opts.AbsoluteTimeout, func() {
		slog.Error("Operation exceeded absolute ceiling", "operation", op, "after", o.opts.AbsoluteTimeout)
		o.RequestCancellation("absolute timeout")
	})

	return opCtx, func() {
		watchdog.Stop()
		ceiling.Stop()
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}
}

// RequestCancellation flags the running operation as cancelled and cancels
// its context. Steps check the flag before proceeding.
func (o *Orchestrator) RequestCancellation(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancelled = true
	o.cancelReason = reason
	o.session.CancellationReason = reason
	if o.cancel != nil {
		o.cancel()
	}
	slog.Info("Cancellation requested", "reason", reason, "state", o.session.State)
}

func (o *Orchestrator) checkpoint(ctx context.Context, step string) error {
	o.mu.Lock()
	cancelled, reason := o.cancelled, o.cancelReason
	o.mu.Unlock()

	if !cancelled && ctx.Err() != nil {
		cancelled, reason = true, ctx.Err().Error()
	}
	if cancelled {
		return &errs.CancellationError{Op: step, Reason: reason}
	}
	return nil
}

// Start begins a recording. Both engines are started concurrently and the
// session only enters Recording once both succeeded. Starting while already
// recording returns the current session with an AlreadyRecording error.
func (o *Orchestrator) Start(ctx context.Context) (Session, error) {
	if err := o.beginOp(opStart); err != nil {
		return o.Session(), err
	}
	defer o.endOp(opStart)

	if err := o.beginStart(); err != nil {
		return o.Session(), err
	}

	opCtx, disarm := o.arm(ctx, opStart)
	defer disarm()

	var systemPath, micPath string
	var systemStarted, micStarted atomic.Bool

	rollback := func(cause error) (Session, error) {
		if systemStarted.Load() {
			if err := o.system.StopCapture(); err != nil {
				slog.Warn("Stopping system capture during rollback failed", "error", err)
			}
		}
		if micStarted.Load() {
			o.mic.StopRecording()
		}
		removeTemp(systemPath, micPath)
		o.abortStart(cause)
		slog.Error("Recording start failed", "error", cause)
		return o.Session(), cause
	}

	if err := o.checkpoint(opCtx, "create temp files"); err != nil {
		return rollback(err)
	}
	if err := os.MkdirAll(o.opts.TempDir, 0o755); err != nil {
		return rollback(&errs.ConfigurationError{Op: "create temp directory", Err: err})
	}
	systemPath = storage.TempPath(o.opts.TempDir, "system")
	micPath = storage.TempPath(o.opts.TempDir, "microphone")

	g, gctx := errgroup.WithContext(opCtx)
	g.Go(func() error {
		if err := o.checkpoint(gctx, "start system capture"); err != nil {
			return err
		}
		if err := o.system.StartCapture(gctx, systemPath); err != nil {
			return fmt.Errorf("system capture: %w", err)
		}
		systemStarted.Store(true)
		return nil
	})
	g.Go(func() error {
		if err := o.checkpoint(gctx, "start microphone"); err != nil {
			return err
		}
		if err := o.mic.StartRecording(gctx, micPath); err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
		micStarted.Store(true)
		return nil
	})
	if err := g.Wait(); err != nil {
		if cerr := o.checkpoint(opCtx, opStart); cerr != nil && !errs.IsCancellation(err) {
			err = fmt.Errorf("%w: %v", cerr, err)
		}
		return rollback(err)
	}

	if err := o.checkpoint(opCtx, "commit start"); err != nil {
		return rollback(err)
	}
	startTime := time.Now()
	if err := o.completeStart(systemPath, micPath, startTime); err != nil {
		return rollback(err)
	}
	o.setRecordedAt(startTime)

	s := o.Session()
	slog.Info("Recording started", "session", s.ID, "system", systemPath, "microphone", micPath)
	return s, nil
}

// Stop ends the recording, waits for both files and mixes them. Stopping
// when not recording is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) (*mix.Result, error) {
	if err := o.beginOp(opStop); err != nil {
		return nil, err
	}
	defer o.endOp(opStop)

	session, err := o.beginStop()
	if errors.Is(err, errNotRecording) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	opCtx, disarm := o.arm(ctx, opStop)

	var g errgroup.Group
	g.Go(func() error {
		return o.system.StopCapture()
	})
	g.Go(func() error {
		o.mic.StopRecording()
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("System capture stopped with error", "error", err)
	}
	slog.Info("Recording stopped", "session", session.ID, "duration", o.Elapsed())

	if err := o.waitReady(opCtx, session.SystemTempPath, session.MicTempPath); err != nil {
		disarm()
		// The temp files stay on disk so no captured audio is lost
		slog.Error("Stop cancelled before mixing, keeping source files", "system", session.SystemTempPath, "microphone", session.MicTempPath)
		o.fail(session.ID, err)
		return nil, err
	}
	if err := o.enterProcessing(); err != nil {
		disarm()
		return nil, err
	}
	disarm()

	// Mixing is bounded by the mixer's own watchdog
	mixCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.session.ID == session.ID {
		o.cancel = cancel
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.session.ID == session.ID {
			o.cancel = nil
		}
		o.mu.Unlock()
		cancel()
	}()

	result, err := o.mixer.Mix(mixCtx, mix.Request{
		SystemPath:     session.SystemTempPath,
		MicrophonePath: session.MicTempPath,
		OutputDir:      o.opts.OutputDir,
		StartTime:      session.StartTime,
		OnUpdate:       o.opts.OnProgress,
	})
	if err != nil {
		slog.Error("Mixing failed, source files kept", "error", err, "system", session.SystemTempPath, "microphone", session.MicTempPath)
		o.fail(session.ID, err)
		return nil, err
	}

	removeTemp(consumedTemps(session, result)...)
	o.completeStop(session.ID)
	slog.Info("Recording processed", "output", result.OutputPath, "fallback", result.Fallback)
	return result, nil
}

// fail records a session error and forces Idle. A session that replaced id
// in the meantime is left untouched.
func (o *Orchestrator) fail(id string, err error) {
	if !o.ownsSession(id, func(s *Session) {
		s.State = StateError
		s.LastError = err.Error()
	}) {
		return
	}
	if o.ownsSession(id, func(s *Session) {
		*s = Session{State: StateIdle, LastError: s.LastError, CancellationReason: s.CancellationReason}
	}) {
		o.setRecordedAt(time.Time{})
	}
}

// consumedTemps returns the temp files whose audio reached an artifact. A
// fallback that could not preserve a source leaves its temp file in place.
func consumedTemps(session Session, result *mix.Result) []string {
	temps := map[mix.Source]string{
		mix.SourceSystem:     session.SystemTempPath,
		mix.SourceMicrophone: session.MicTempPath,
	}
	if !result.Fallback {
		return []string{session.SystemTempPath, session.MicTempPath}
	}
	var consumed []string
	for _, src := range []mix.Source{mix.SourceSystem, mix.SourceMicrophone} {
		path := temps[src]
		if _, ok := result.SourceFiles[src]; ok {
			consumed = append(consumed, path)
			continue
		}
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			slog.Warn("Source not preserved, keeping temp file", "source", src, "path", path)
		}
	}
	return consumed
}

// waitReady waits until both files exist and are non-empty, or the ready
// timeout passes. Missing files are left for the mixer to classify.
func (o *Orchestrator) waitReady(ctx context.Context, paths ...string) error {
	ticker := time.NewTicker(o.opts.ReadyPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(o.opts.ReadyTimeout)
	defer deadline.Stop()

	for {
		if filesReady(paths...) {
			return nil
		}
		if err := o.checkpoint(ctx, "wait for recordings"); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			slog.Warn("Recordings not ready before deadline, mixing what exists", "timeout", o.opts.ReadyTimeout)
			return nil
		case <-ctx.Done():
		}
	}
}

func filesReady(paths ...string) bool {
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || st.Size() == 0 {
			return false
		}
	}
	return true
}

// ForceCancel stops both engines unconditionally, returns to Idle and removes
// the temp files
func (o *Orchestrator) ForceCancel() {
	o.RequestCancellation("force cancel")

	if err := o.system.StopCapture(); err != nil {
		slog.Warn("Stopping system capture failed during force cancel", "error", err)
	}
	o.mic.StopRecording()

	var systemPath, micPath string
	o.mutate(func(s *Session) error {
		systemPath, micPath = s.SystemTempPath, s.MicTempPath
		*s = Session{State: StateIdle, CancellationReason: s.CancellationReason}
		return nil
	})
	removeTemp(systemPath, micPath)
	o.setRecordedAt(time.Time{})
	slog.Warn("Recording force cancelled")
}

func removeTemp(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Could not remove temp file", "path", p, "error", err)
		}
	}
}
