package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/capture"
	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/recording"
	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/sysinfo"
)

// Service represents the core MeetCapture service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) (recording.Session, error)
	StopRecording(ctx context.Context) (*mix.Result, error)
	CancelRecording(reason string) recording.State
	GetStatus() Status
	GetProgress() (progress.Update, bool)

	// Mixing operations
	MixFiles(ctx context.Context, systemPath, micPath string) (*mix.Result, error)
	Export(ctx context.Context, wavPath string) (string, error)

	// Information operations
	ListTargets(ctx context.Context) ([]capture.Target, error)
	ListRecordings() ([]storage.Recording, error)
	GetMetrics() sysinfo.ResourceMetrics

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string

	// Close force-cancels any active recording
	Close()
}

// Status is a point-in-time view of the recorder
type Status struct {
	State       recording.State   `json:"state"`
	Session     recording.Session `json:"session"`
	Elapsed     time.Duration     `json:"elapsed"`
	Level       float64           `json:"level"`
	Target      string            `json:"target,omitempty"`
	Capture     capture.Stats     `json:"capture"`
	Profile     string            `json:"profile"`
	LastError   string            `json:"last_error,omitempty"`
	LastResult  *mix.Result       `json:"last_result,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
}

type mixer interface {
	recording.Mixer
	Progress() (progress.Update, bool)
}

type systemCapture interface {
	recording.SystemCapture
	Level() float64
	Stats() capture.Stats
	Target() (capture.Target, bool)
}

// components are the engines built for one configuration
type components struct {
	platform capture.Platform
	system   systemCapture
	mic      recording.Microphone
	mixer    mixer
	recorder *recording.Orchestrator
	sampler  *sysinfo.Sampler
}

// MeetCaptureService is the main service implementation
type MeetCaptureService struct {
	configFile string
	onProgress func(progress.Update)

	mu  sync.RWMutex
	cfg *config.Config
	c   *components

	progressMu   sync.RWMutex
	lastProgress progress.Update
	hasProgress  bool
	lastResult   *mix.Result

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new MeetCapture service instance. onProgress, when set,
// receives every mixing progress update.
func New(cfg *config.Config, configFile string, onProgress func(progress.Update)) Service {
	s := &MeetCaptureService{
		cfg:        cfg,
		configFile: configFile,
		onProgress: onProgress,
	}
	s.c = s.build(cfg)
	return s
}

// build wires the PipeWire platform, both capture engines, the mixer and the
// orchestrator from cfg
func (s *MeetCaptureService) build(cfg *config.Config) *components {
	platform := capture.NewPipeWire()
	platform.FFmpegPath = cfg.Capture.FFmpegPath
	if cfg.Capture.Latency != "" {
		platform.Latency = cfg.Capture.Latency
	}

	var exts []string
	for _, ext := range cfg.Extensions {
		exts = append(exts, "."+strings.TrimPrefix(ext, "."))
	}
	system := capture.NewSystemEngine(platform,
		capture.WithMinFreeBytes(uint64(cfg.Capture.MinFreeMB)*sysinfo.MB),
		capture.WithExtensions(exts...),
		capture.WithBufferFrames(cfg.Capture.BufferFrames),
		capture.WithPreferredTarget(cfg.SourceFor(config.RoleSystem).Device),
	)

	mic := capture.NewMicrophoneEngine(cfg.SourceFor(config.RoleMicrophone).Device)
	mic.FFmpegPath = cfg.Capture.FFmpegPath
	mic.SampleRate = cfg.Capture.SampleRate

	sampler := sysinfo.NewSampler(cfg.Output.Directory, time.Second)
	engine := mix.NewEngine(mix.Options{
		AlternateDir:     cfg.Mixing.AlternateDirectory,
		MinFreeBytes:     uint64(cfg.Mixing.MinFreeMB) * sysinfo.MB,
		QuiescenceWindow: cfg.Mixing.QuiescenceWindow(),
		BufferCeiling:    cfg.Mixing.BufferCeiling,
		ChunkFrames:      cfg.Mixing.ChunkFrames,
		Metrics:          sampler,
	})

	return s.assemble(cfg, platform, system, mic, engine, sampler)
}

func (s *MeetCaptureService) assemble(cfg *config.Config, platform capture.Platform, system systemCapture, mic recording.Microphone, m mixer, sampler *sysinfo.Sampler) *components {
	recorder := recording.New(system, mic, m, recording.Options{
		TempDir:          cfg.Output.TempDirectory,
		OutputDir:        cfg.Output.Directory,
		OperationTimeout: cfg.Recording.OperationTimeout(),
		AbsoluteTimeout:  cfg.Recording.AbsoluteTimeout(),
		ReadyTimeout:     cfg.Recording.ReadyTimeout(),
		OnProgress:       s.recordProgress,
	})
	return &components{
		platform: platform,
		system:   system,
		mic:      mic,
		mixer:    m,
		recorder: recorder,
		sampler:  sampler,
	}
}

func (s *MeetCaptureService) current() (*config.Config, *components) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.c
}

func (s *MeetCaptureService) recordProgress(u progress.Update) {
	s.progressMu.Lock()
	s.lastProgress = u
	s.hasProgress = true
	s.progressMu.Unlock()
	if s.onProgress != nil {
		s.onProgress(u)
	}
}

// StartRecording starts both capture engines
func (s *MeetCaptureService) StartRecording(ctx context.Context) (recording.Session, error) {
	slog.Debug("Service.StartRecording called")
	s.clearLastError() // Clear any previous errors when starting a new operation
	s.progressMu.Lock()
	s.hasProgress = false
	s.progressMu.Unlock()

	_, c := s.current()
	session, err := c.recorder.Start(ctx)
	if err != nil {
		var ce *errs.ConcurrencyError
		if errors.As(err, &ce) && ce.Reason == errs.AlreadyRecording {
			return session, err
		}
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
	}
	return session, err
}

// StopRecording stops capture, mixes and optionally exports the artifact
func (s *MeetCaptureService) StopRecording(ctx context.Context) (*mix.Result, error) {
	cfg, c := s.current()
	result, err := c.recorder.Stop(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if result.Fallback {
		s.setLastError(fmt.Sprintf("Mixing failed, sources preserved separately: %v", result.Cause))
	}
	s.storeResult(result)
	s.exportIfConfigured(ctx, cfg, result)
	return result, nil
}

func (s *MeetCaptureService) exportIfConfigured(ctx context.Context, cfg *config.Config, result *mix.Result) {
	if cfg.Output.ExportFormat == "" || result.Fallback {
		return
	}
	out, err := mix.Export(ctx, result.OutputPath, cfg.ExportOptions())
	if err != nil {
		s.setLastError(fmt.Sprintf("Export failed: %v", err))
		return
	}
	slog.Info("Recording exported", "path", out, "format", cfg.Output.ExportFormat)
}

func (s *MeetCaptureService) storeResult(result *mix.Result) {
	s.progressMu.Lock()
	s.lastResult = result
	s.progressMu.Unlock()
}

// CancelRecording requests cancellation of a running transition, or force
// cancels an established recording. It returns the state it acted on.
func (s *MeetCaptureService) CancelRecording(reason string) recording.State {
	_, c := s.current()
	state := c.recorder.State()
	switch state {
	case recording.StateStartTransition, recording.StateStopTransition, recording.StateProcessing:
		c.recorder.RequestCancellation(reason)
	case recording.StateRecording:
		c.recorder.ForceCancel()
	}
	slog.Info("Cancellation requested", "state", state, "reason", reason)
	return state
}

// GetStatus returns the current recorder status
func (s *MeetCaptureService) GetStatus() Status {
	cfg, c := s.current()
	session := c.recorder.Session()
	st := Status{
		State:       session.State,
		Session:     session,
		Elapsed:     c.recorder.Elapsed(),
		Level:       c.system.Level(),
		Capture:     c.system.Stats(),
		Profile:     cfg.Profile,
		LastError:   s.GetLastError(),
		LastUpdated: time.Now(),
	}
	if t, ok := c.system.Target(); ok {
		st.Target = t.Name
	}
	if st.LastError == "" {
		st.LastError = session.LastError
	}
	s.progressMu.RLock()
	st.LastResult = s.lastResult
	s.progressMu.RUnlock()
	return st
}

// GetProgress returns the live mixing progress, or the last update of the
// most recent operation
func (s *MeetCaptureService) GetProgress() (progress.Update, bool) {
	_, c := s.current()
	if u, ok := c.mixer.Progress(); ok && !u.Done {
		return u, true
	}
	s.progressMu.RLock()
	defer s.progressMu.RUnlock()
	return s.lastProgress, s.hasProgress
}

// MixFiles mixes two existing recordings into the output directory
func (s *MeetCaptureService) MixFiles(ctx context.Context, systemPath, micPath string) (*mix.Result, error) {
	cfg, c := s.current()
	result, err := c.mixer.Mix(ctx, mix.Request{
		SystemPath:     systemPath,
		MicrophonePath: micPath,
		OutputDir:      cfg.Output.Directory,
		StartTime:      time.Now(),
		OnUpdate:       s.recordProgress,
	})
	if err != nil {
		s.setLastError(fmt.Sprintf("Mixing failed: %v", err))
		return nil, err
	}
	s.storeResult(result)
	s.exportIfConfigured(ctx, cfg, result)
	return result, nil
}

// Export transcodes a mixed WAV with the configured export settings
func (s *MeetCaptureService) Export(ctx context.Context, wavPath string) (string, error) {
	cfg, _ := s.current()
	return mix.Export(ctx, wavPath, cfg.ExportOptions())
}

// ListTargets returns the capture targets in selection order
func (s *MeetCaptureService) ListTargets(ctx context.Context) ([]capture.Target, error) {
	_, c := s.current()
	targets, err := c.platform.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	return capture.RankTargets(targets), nil
}

// ListRecordings returns the finished artifacts, newest first
func (s *MeetCaptureService) ListRecordings() ([]storage.Recording, error) {
	cfg, _ := s.current()
	return storage.ListRecordings(cfg.Output.Directory)
}

// GetMetrics returns a resource snapshot
func (s *MeetCaptureService) GetMetrics() sysinfo.ResourceMetrics {
	_, c := s.current()
	return c.sampler.Snapshot()
}

// LoadProfile loads a new configuration profile. It is rejected while a
// recording is active.
func (s *MeetCaptureService) LoadProfile(profile string) error {
	if _, c := s.current(); c.recorder.State() != recording.StateIdle {
		return &errs.ConcurrencyError{Op: "load profile", Reason: errs.TransitionInProgress}
	}
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.c = s.build(newCfg)
	s.mu.Unlock()
	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *MeetCaptureService) GetConfig() *config.Config {
	cfg, _ := s.current()
	return cfg
}

// Close force-cancels an active recording so no capture process outlives the service
func (s *MeetCaptureService) Close() {
	_, c := s.current()
	if c.recorder.State() != recording.StateIdle {
		c.recorder.ForceCancel()
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *MeetCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *MeetCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *MeetCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
