// Package mix merges the system and microphone recordings into one stereo
// artifact, with a recovery ladder that degrades to preserving both sources
// when the merged file cannot be produced.
package mix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/sysinfo"
)

const (
	DefaultChunkFrames      = 4096
	DefaultQuiescenceWindow = 250 * time.Millisecond
	DefaultMinFreeBytes     = 50 * sysinfo.MB
	DefaultBufferCeiling    = 50000
	MinSourceDuration       = 100 * time.Millisecond

	durationMargin = 1.1
	timeoutFactor  = 2
	outputExt      = "wav"
)

// ExpectedDuration is the longest source plus a 10% margin
func ExpectedDuration(durations ...time.Duration) time.Duration {
	var longest time.Duration
	for _, d := range durations {
		if d > longest {
			longest = d
		}
	}
	return time.Duration(math.Round(float64(longest) * durationMargin))
}

// SafetyTimeout is the watchdog deadline for an expected duration
func SafetyTimeout(expected time.Duration) time.Duration {
	return expected * timeoutFactor
}

// Request describes one mixing operation
type Request struct {
	SystemPath     string
	MicrophonePath string
	OutputDir      string
	// StartTime names the artifact and is recorded in its sidecar
	StartTime time.Time
	OnUpdate  func(progress.Update)
}

// ResultMetadata describes how the artifact was produced
type ResultMetadata struct {
	StartTime          time.Time     `json:"start_time"`
	ProcessingDuration time.Duration `json:"processing_duration"`
	OutputFormat       string        `json:"output_format"`
	SourceCount        int           `json:"source_count"`
	TotalSamples       int64         `json:"total_samples"`
}

// Result is the outcome of a mixing operation
type Result struct {
	OutputPath  string            `json:"output_path"`
	Duration    time.Duration     `json:"duration"`
	SourceFiles map[Source]string `json:"source_files"`
	Fallback    bool              `json:"fallback"`
	Metadata    ResultMetadata    `json:"metadata"`
	// Cause is the failure that led to the fallback
	Cause error `json:"-"`
}

// Options configure an Engine
type Options struct {
	AlternateDir     string
	MinFreeBytes     uint64
	QuiescenceWindow time.Duration
	BufferCeiling    int
	ChunkFrames      int
	NewGraph         func() MixGraph
	FreeSpace        sysinfo.FreeSpaceFunc
	Metrics          progress.MetricsSource
}

type strategy int

const (
	strategyGraph strategy = iota
	strategySimplified
)

func (s strategy) String() string {
	if s == strategySimplified {
		return "simplified"
	}
	return "graph"
}

// Engine runs one mixing operation at a time
type Engine struct {
	opts Options

	mu sync.Mutex

	activeMu sync.Mutex
	active   *progress.Tracker
}

// NewEngine creates an engine, filling unset options with defaults
func NewEngine(opts Options) *Engine {
	if opts.AlternateDir == "" {
		opts.AlternateDir = os.TempDir()
	}
	if opts.MinFreeBytes == 0 {
		opts.MinFreeBytes = DefaultMinFreeBytes
	}
	if opts.QuiescenceWindow <= 0 {
		opts.QuiescenceWindow = DefaultQuiescenceWindow
	}
	if opts.BufferCeiling <= 0 {
		opts.BufferCeiling = DefaultBufferCeiling
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = DefaultChunkFrames
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = sysinfo.FreeBytes
	}
	if opts.NewGraph == nil {
		chunk := opts.ChunkFrames
		opts.NewGraph = func() MixGraph { return NewSoftwareGraph(chunk) }
	}
	return &Engine{opts: opts}
}

// Progress returns the latest snapshot of the running attempt
func (e *Engine) Progress() (progress.Update, bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active == nil {
		return progress.Update{}, false
	}
	return e.active.Snapshot(), true
}

func (e *Engine) setActive(t *progress.Tracker) {
	e.activeMu.Lock()
	e.active = t
	e.activeMu.Unlock()
}

// Mix merges the request's sources into one stereo WAV. Failures walk the
// recovery ladder, and the two-file fallback result is returned with a nil
// error whenever at least one source could be preserved.
func (e *Engine) Mix(ctx context.Context, req Request) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, &errs.ConcurrencyError{Op: "mix", Reason: errs.DuplicateOperation}
	}
	defer e.mu.Unlock()

	if req.StartTime.IsZero() {
		req.StartTime = time.Now()
	}
	begin := time.Now()

	// one tracker spans every attempt and the fallback
	tracker := progress.New(progress.Options{
		Sources:  []string{string(SourceSystem), string(SourceMicrophone)},
		Metrics:  e.opts.Metrics,
		OnUpdate: req.OnUpdate,
	})
	e.setActive(tracker)

	result, err := e.attempt(ctx, req, tracker, strategyGraph, req.OutputDir)
	if err != nil && ctx.Err() == nil {
		switch errs.MixKindOf(err) {
		case errs.MixEngineStart, errs.MixEngineConfiguration, errs.MixNodeConnection:
			slog.Warn("Graph mixing failed, retrying with simplified strategy", "error", err)
			tracker.Restart()
			result, err = e.attempt(ctx, req, tracker, strategySimplified, req.OutputDir)
		case errs.MixDiskSpace, errs.MixPermission:
			if alt := e.opts.AlternateDir; alt != "" && filepath.Clean(alt) != filepath.Clean(req.OutputDir) {
				slog.Warn("Output directory unusable, retrying in alternate directory", "error", err, "directory", alt)
				tracker.Restart()
				result, err = e.attempt(ctx, req, tracker, strategyGraph, alt)
			}
		}
	}
	if err == nil {
		result.Metadata.ProcessingDuration = time.Since(begin)
		tracker.Complete(result)
		return result, nil
	}

	slog.Error("Mixing failed, preserving sources separately", "error", err, "kind", errs.MixKindOf(err))
	fallback, ferr := e.fallback(req, err, tracker)
	if ferr != nil {
		err = fmt.Errorf("%w (fallback: %v)", err, ferr)
		tracker.Fail(err)
		return nil, err
	}
	fallback.Metadata.ProcessingDuration = time.Since(begin)
	tracker.Complete(fallback)
	return fallback, nil
}

type input struct {
	source  Source
	path    string
	channel int
	info    audio.WAVInfo
}

func (e *Engine) inputs(req Request) []*input {
	return []*input{
		{source: SourceSystem, path: req.SystemPath, channel: ChannelLeft},
		{source: SourceMicrophone, path: req.MicrophonePath, channel: ChannelRight},
	}
}

// validateInput checks that path holds a decodable recording of useful length
func validateInput(path string) (audio.WAVInfo, error) {
	if path == "" {
		return audio.WAVInfo{}, errs.Mixing(errs.MixFileLoad, path, errors.New("no path given"))
	}
	st, err := os.Stat(path)
	if err != nil {
		return audio.WAVInfo{}, errs.Mixing(errs.MixFileLoad, path, err)
	}
	if st.Size() == 0 {
		return audio.WAVInfo{}, errs.Mixing(errs.MixFileLoad, path, errors.New("file is empty"))
	}
	info, err := audio.ProbeWAV(path)
	if err != nil {
		return audio.WAVInfo{}, errs.Mixing(errs.MixFileLoad, path, err)
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return info, errs.Mixing(errs.MixFormatIncompatible, path, fmt.Errorf("invalid format %d Hz, %d channels", info.SampleRate, info.Channels))
	}
	if info.Duration <= MinSourceDuration {
		return info, errs.Mixing(errs.MixFileLoad, path, fmt.Errorf("duration %s is too short", info.Duration))
	}
	return info, nil
}

func (e *Engine) validateOutputDir(dir string) error {
	if dir == "" {
		return errs.Mixing(errs.MixPermission, dir, errors.New("no output directory"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Mixing(errs.MixPermission, dir, err)
	}
	probe, err := os.CreateTemp(dir, ".meetcapture-probe-*")
	if err != nil {
		return errs.Mixing(errs.MixPermission, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	free, err := e.opts.FreeSpace(dir)
	if err != nil {
		slog.Warn("Could not determine free space", "directory", dir, "error", err)
		return nil
	}
	if free < e.opts.MinFreeBytes {
		return errs.Mixing(errs.MixDiskSpace, dir, &errs.ResourceLimitError{Resource: "disk", Required: e.opts.MinFreeBytes, Actual: free})
	}
	return nil
}

func writeErrorKind(err error) errs.MixKind {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return errs.MixDiskSpace
	case errors.Is(err, os.ErrPermission):
		return errs.MixPermission
	}
	return errs.MixOutputCreation
}

// classify keeps an existing mixing kind and assigns fallback otherwise
func classify(err error, fallback errs.MixKind, path string) error {
	if errs.MixKindOf(err) != "" {
		return err
	}
	return errs.Mixing(fallback, path, err)
}

// run holds the per-attempt state shared between the render goroutine,
// the timers and the waiting caller
type run struct {
	engine  *Engine
	tracker *progress.Tracker
	graph   MixGraph
	mixer   *MixerNode
	players []*PlayerNode
	writer  *audio.WAVWriter

	mu          sync.Mutex
	quiescent   bool
	quiesce     *time.Timer
	watchdog    *time.Timer
	started     bool
	windowStart time.Time
	windowCount int

	once sync.Once
	done chan struct{}
	err  error

	cleanupOnce sync.Once
	keepOutput  bool
}

func (r *run) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// cleanup is the single teardown routine for every exit path
func (r *run) cleanup() error {
	var werr error
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		if r.quiesce != nil {
			r.quiesce.Stop()
		}
		if r.watchdog != nil {
			r.watchdog.Stop()
		}
		r.mu.Unlock()

		if r.graph != nil {
			if r.mixer != nil {
				r.graph.RemoveTap(r.mixer)
			}
			r.graph.Stop()
			for _, p := range r.players {
				r.graph.Detach(p)
			}
			if r.mixer != nil {
				r.graph.Detach(r.mixer)
			}
		}
		for _, p := range r.players {
			if err := p.Close(); err != nil {
				slog.Debug("Closing decoder failed", "player", p.Name(), "error", err)
			}
		}
		if r.writer != nil {
			werr = r.writer.Close()
			if !r.keepOutput {
				if err := os.Remove(r.writer.Path()); err != nil && !os.IsNotExist(err) {
					slog.Warn("Could not remove partial output", "path", r.writer.Path(), "error", err)
				}
			}
		}
	})
	return werr
}

// tap writes one merged buffer to the output
func (r *run) tap(buf *audio.WorkingBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished() {
		return errors.New("mixing already finished")
	}

	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.windowStart = now
		r.windowCount = 0
	}
	r.windowCount++
	if r.windowCount > r.engine.opts.BufferCeiling {
		err := errs.Mixing(errs.MixBufferOverflow, r.writer.Path(), &errs.ResourceLimitError{
			Resource: "buffer",
			Required: uint64(r.windowCount),
			Actual:   uint64(r.engine.opts.BufferCeiling),
		})
		r.finish(err)
		return err
	}

	if err := r.writer.WriteWorking(buf); err != nil {
		werr := errs.Mixing(writeErrorKind(err), r.writer.Path(), err)
		r.finish(werr)
		return werr
	}

	if !r.started {
		r.started = true
		r.tracker.SetStage(progress.StageMixing)
	}
	r.tracker.AddBuffers(1)

	r.quiescent = false
	if r.quiesce != nil {
		r.quiesce.Reset(r.engine.opts.QuiescenceWindow)
	}
	return nil
}

func (r *run) markQuiescent() {
	r.mu.Lock()
	r.quiescent = true
	r.mu.Unlock()
	r.checkDone()
}

func (r *run) sourceDone(p *PlayerNode) DoneFunc {
	return func(err error) {
		if err != nil {
			r.finish(errs.Mixing(errs.MixFormatConversion, p.reader.Path(), err))
			return
		}
		if r.tracker.SourceCompleted(string(p.Source())) {
			slog.Debug("Mixing source complete", "source", p.Source())
		}
		r.checkDone()
	}
}

func (r *run) checkDone() {
	r.mu.Lock()
	quiescent := r.quiescent
	r.mu.Unlock()
	if quiescent && r.tracker.CompletedSources() == len(r.players) {
		r.finish(nil)
	}
}

// attempt runs one rung of the ladder. The terminal tracker outcome is left
// to Mix.
func (e *Engine) attempt(ctx context.Context, req Request, tracker *progress.Tracker, strat strategy, outDir string) (result *Result, err error) {
	ins := e.inputs(req)

	r := &run{engine: e, tracker: tracker, done: make(chan struct{})}
	defer func() {
		if cerr := r.cleanup(); cerr != nil && err == nil {
			err = errs.Mixing(writeErrorKind(cerr), r.writer.Path(), cerr)
		}
	}()

	slog.Info("Mixing started", "strategy", strat, "system", req.SystemPath, "microphone", req.MicrophonePath, "output_dir", outDir)

	// Validation
	tracker.SetStage(progress.StageValidation)
	durations := make([]time.Duration, 0, len(ins))
	for _, in := range ins {
		info, verr := validateInput(in.path)
		if verr != nil {
			return nil, verr
		}
		in.info = info
		durations = append(durations, info.Duration)
		tracker.SourceStep(string(in.source))
	}
	if verr := e.validateOutputDir(outDir); verr != nil {
		return nil, verr
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, &errs.CancellationError{Op: "mixing", Reason: cerr.Error()}
	}

	// Loading
	tracker.SetStage(progress.StageLoading)
	var longestFrames int64
	for _, in := range ins {
		reader, oerr := audio.OpenWAV(in.path)
		if oerr != nil {
			return nil, errs.Mixing(errs.MixFileLoad, in.path, oerr)
		}
		r.players = append(r.players, NewPlayerNode(in.source, in.channel, reader))
		if f := int64(in.info.Duration.Seconds() * audio.WorkingSampleRate); f > longestFrames {
			longestFrames = f
		}
		tracker.SourceStep(string(in.source))
	}

	expected := ExpectedDuration(durations...)
	timeout := SafetyTimeout(expected)
	tracker.SetEstimate(expected, (longestFrames+int64(e.opts.ChunkFrames)-1)/int64(e.opts.ChunkFrames))

	outPath := storage.ArtifactPath(outDir, req.StartTime, outputExt)
	writer, werr := audio.CreateWAV(outPath, audio.WorkingSampleRate, audio.WorkingChannels)
	if werr != nil {
		return nil, errs.Mixing(writeErrorKind(werr), outPath, werr)
	}
	r.writer = writer

	if strat == strategySimplified {
		if rerr := r.renderDirect(ctx, timeout); rerr != nil {
			return nil, rerr
		}
	} else {
		if rerr := r.renderGraph(ctx, timeout); rerr != nil {
			return nil, rerr
		}
	}

	// Finalizing
	tracker.SetStage(progress.StageFinalizing)
	r.keepOutput = true
	frames := writer.Frames()
	duration := writer.Duration()
	if cerr := r.cleanup(); cerr != nil {
		r.keepOutput = false
		os.Remove(outPath)
		return nil, errs.Mixing(writeErrorKind(cerr), outPath, cerr)
	}
	if _, serr := storage.WriteSidecar(outPath, duration, req.StartTime); serr != nil {
		slog.Warn("Could not write sidecar metadata", "path", outPath, "error", serr)
	}

	result = &Result{
		OutputPath: outPath,
		Duration:   duration,
		SourceFiles: map[Source]string{
			SourceSystem:     req.SystemPath,
			SourceMicrophone: req.MicrophonePath,
		},
		Metadata: ResultMetadata{
			StartTime:    req.StartTime,
			OutputFormat: fmt.Sprintf("wav %d Hz %d ch 16-bit", audio.WorkingSampleRate, audio.WorkingChannels),
			SourceCount:  len(ins),
			TotalSamples: frames,
		},
	}
	slog.Info("Mixing complete", "output", outPath, "duration", duration, "strategy", strat)
	return result, nil
}

func (r *run) renderGraph(ctx context.Context, timeout time.Duration) error {
	e := r.engine

	// Setup
	r.tracker.SetStage(progress.StageSetup)
	r.graph = e.opts.NewGraph()
	r.mixer = NewMixerNode("mixer")
	if err := r.graph.Attach(r.mixer); err != nil {
		return classify(err, errs.MixEngineConfiguration, "")
	}
	for _, p := range r.players {
		if err := r.graph.Attach(p); err != nil {
			return classify(err, errs.MixEngineConfiguration, "")
		}
		if err := r.graph.Connect(p, r.mixer, audio.StandardFormat()); err != nil {
			return classify(err, errs.MixNodeConnection, "")
		}
	}

	if err := r.graph.InstallTap(r.mixer, r.tap); err != nil {
		return classify(err, errs.MixTapInstallation, r.writer.Path())
	}

	// Processing
	r.tracker.SetStage(progress.StageProcessing)
	for _, p := range r.players {
		if err := r.graph.Schedule(p, r.sourceDone(p)); err != nil {
			return classify(err, errs.MixNodeConnection, "")
		}
	}

	r.mu.Lock()
	r.quiesce = time.AfterFunc(e.opts.QuiescenceWindow, r.markQuiescent)
	r.watchdog = time.AfterFunc(timeout, func() {
		r.finish(errs.Mixing(errs.MixTimeout, r.writer.Path(), &errs.TimeoutError{Op: "mixing", After: timeout}))
	})
	r.mu.Unlock()

	if err := r.graph.Start(); err != nil {
		return classify(err, errs.MixEngineStart, "")
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.finish(&errs.CancellationError{Op: "mixing", Reason: ctx.Err().Error()})
	}
	return r.err
}

// renderDirect pulls both players sequentially without a graph
func (r *run) renderDirect(ctx context.Context, timeout time.Duration) error {
	r.tracker.SetStage(progress.StageProcessing)
	deadline := time.Now().Add(timeout)
	chunk := r.engine.opts.ChunkFrames

	remaining := len(r.players)
	done := make([]bool, len(r.players))
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return &errs.CancellationError{Op: "mixing", Reason: err.Error()}
		}
		if time.Now().After(deadline) {
			return errs.Mixing(errs.MixTimeout, r.writer.Path(), &errs.TimeoutError{Op: "mixing", After: timeout})
		}

		parts := make(map[int][][]float32)
		frames := 0
		var completed []*PlayerNode
		for i, p := range r.players {
			if done[i] {
				continue
			}
			samples, err := p.Pull(chunk)
			if len(samples) > 0 {
				parts[p.Channel()] = append(parts[p.Channel()], samples)
				if len(samples) > frames {
					frames = len(samples)
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return errs.Mixing(errs.MixFormatConversion, p.reader.Path(), err)
				}
				done[i] = true
				remaining--
				completed = append(completed, p)
			}
		}
		if frames > 0 {
			if err := r.tap(mergeChunk(frames, parts)); err != nil {
				return err
			}
		}
		for _, p := range completed {
			r.tracker.SourceCompleted(string(p.Source()))
		}
	}
	return nil
}
