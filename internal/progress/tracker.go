// Package progress tracks stage, ETA and throughput of a processing
// operation and guarantees a single terminal outcome.
package progress

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/sysinfo"
)

const (
	DefaultThrottle = 100 * time.Millisecond
	rateWindow      = 10
	maxInProgress   = 0.99
)

// MetricsSource provides resource snapshots for updates
type MetricsSource interface {
	Snapshot() sysinfo.ResourceMetrics
}

// Update is one progress report
type Update struct {
	Stage            Stage                   `json:"stage"`
	Progress         float64                 `json:"progress"`
	Elapsed          time.Duration           `json:"elapsed"`
	ETA              time.Duration           `json:"eta"`
	Buffers          int64                   `json:"buffers"`
	BuffersPerSecond float64                 `json:"buffers_per_second"`
	Metrics          sysinfo.ResourceMetrics `json:"metrics"`
	Done             bool                    `json:"done"`
	Error            string                  `json:"error,omitempty"`
}

// Options configure a Tracker
type Options struct {
	// Sources drive the validation and loading fractions
	Sources []string
	// EstimatedDuration is the expected length of the processing stage
	EstimatedDuration time.Duration
	// ExpectedBuffers drives the mixing fraction
	ExpectedBuffers int64
	Throttle        time.Duration
	Metrics         MetricsSource
	// OnUpdate receives emitted updates in order. It must not call back
	// into mutating Tracker methods.
	OnUpdate func(Update)
	Now      func() time.Time
}

// Tracker follows a single processing operation
type Tracker struct {
	mu     sync.Mutex
	emitMu sync.Mutex

	opts  Options
	now   func() time.Time
	start time.Time

	stage           Stage
	processingStart time.Time
	stageSources    map[string]bool
	completed    map[string]bool

	estimated       time.Duration
	expectedBuffers int64
	buffers         int64

	rates           []float64
	rateSampleAt    time.Time
	rateSampleCount int64

	lastEmit     time.Time
	lastProgress float64

	finished bool
	result   any
	err      error
	done     chan struct{}
}

// New starts tracking an operation in the validation stage
func New(opts Options) *Tracker {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Tracker{
		opts:            opts,
		now:             now,
		start:           start,
		stage:           StageValidation,
		stageSources:    make(map[string]bool),
		completed:       make(map[string]bool),
		estimated:       opts.EstimatedDuration,
		expectedBuffers: opts.ExpectedBuffers,
		rateSampleAt:    start,
		done:            make(chan struct{}),
	}
}

// SetStage advances to stage. Moving backwards is ignored. Stage changes are
// always emitted.
func (t *Tracker) SetStage(stage Stage) {
	t.mu.Lock()
	if t.finished || stage <= t.stage || stage == StageComplete {
		t.mu.Unlock()
		return
	}
	slog.Debug("Processing stage", "from", t.stage, "to", stage)
	t.stage = stage
	t.stageSources = make(map[string]bool)
	if stage == StageProcessing {
		t.processingStart = t.now()
	}
	t.emitLocked(true)
}

// Restart returns an unfinished tracker to the validation stage for another
// attempt at the same operation. Counters and completions are cleared but
// emitted progress never moves backwards.
func (t *Tracker) Restart() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	slog.Debug("Processing restarted", "from", t.stage)
	t.stage = StageValidation
	t.processingStart = time.Time{}
	t.stageSources = make(map[string]bool)
	t.completed = make(map[string]bool)
	t.buffers = 0
	t.rates = nil
	t.rateSampleAt = t.now()
	t.rateSampleCount = 0
	t.emitLocked(true)
}

// Stage returns the current stage
func (t *Tracker) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// SourceStep records that source finished the current validation or loading step
func (t *Tracker) SourceStep(source string) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.stageSources[source] = true
	t.emitLocked(false)
}

// SourceCompleted records playback completion of a source. It returns true
// only the first time a source is reported.
func (t *Tracker) SourceCompleted(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed[source] {
		return false
	}
	t.completed[source] = true
	return true
}

// CompletedSources returns how many sources reported completion
func (t *Tracker) CompletedSources() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed)
}

// SetEstimate replaces the estimated duration and expected buffer count
func (t *Tracker) SetEstimate(estimated time.Duration, expectedBuffers int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.estimated = estimated
	t.expectedBuffers = expectedBuffers
}

// AddBuffers counts processed buffers and refreshes the rolling rate
func (t *Tracker) AddBuffers(n int64) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.buffers += n

	now := t.now()
	if dt := now.Sub(t.rateSampleAt); dt >= t.opts.Throttle {
		rate := float64(t.buffers-t.rateSampleCount) / dt.Seconds()
		t.rates = append(t.rates, rate)
		if len(t.rates) > rateWindow {
			t.rates = t.rates[len(t.rates)-rateWindow:]
		}
		t.rateSampleAt = now
		t.rateSampleCount = t.buffers
	}
	t.emitLocked(false)
}

// Complete ends the operation successfully. Only the first of Complete and
// Fail is honoured; later calls return false.
func (t *Tracker) Complete(result any) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.finished = true
	t.result = result
	t.stage = StageComplete
	close(t.done)
	t.emitLocked(true)
	return true
}

// Fail ends the operation with err. Only the first of Complete and Fail is
// honoured; later calls return false.
func (t *Tracker) Fail(err error) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.finished = true
	t.err = err
	close(t.done)
	t.emitLocked(true)
	return true
}

// Done is closed once the operation has a terminal outcome
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Result returns the terminal outcome
func (t *Tracker) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Snapshot computes the current update without emitting it
func (t *Tracker) Snapshot() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.buildLocked()
	if u.Progress < t.lastProgress {
		u.Progress = t.lastProgress
	}
	return u
}

// processingElapsedLocked is the time spent since the processing stage began
func (t *Tracker) processingElapsedLocked(now time.Time) time.Duration {
	if t.processingStart.IsZero() {
		return 0
	}
	return now.Sub(t.processingStart)
}

func (t *Tracker) fractionLocked(processing time.Duration) float64 {
	switch t.stage {
	case StageValidation, StageLoading:
		if len(t.opts.Sources) == 0 {
			return 1
		}
		return math.Min(1, float64(len(t.stageSources))/float64(len(t.opts.Sources)))
	case StageSetup:
		return 0
	case StageProcessing:
		if t.estimated <= 0 {
			return 0
		}
		return math.Min(1, processing.Seconds()/t.estimated.Seconds())
	case StageMixing:
		if t.expectedBuffers <= 0 {
			return 0
		}
		return math.Min(1, float64(t.buffers)/float64(t.expectedBuffers))
	}
	return 1
}

func (t *Tracker) buildLocked() Update {
	now := t.now()
	elapsed := now.Sub(t.start)
	processing := t.processingElapsedLocked(now)

	var p float64
	if t.stage == StageComplete {
		p = 1
	} else {
		p = t.stage.Base() + t.stage.Weight()*t.fractionLocked(processing)
		if p > maxInProgress {
			p = maxInProgress
		}
	}

	var eta time.Duration
	if p < 1 && t.estimated > processing {
		eta = t.estimated - processing
	}

	u := Update{
		Stage:            t.stage,
		Progress:         p,
		Elapsed:          elapsed,
		ETA:              eta,
		Buffers:          t.buffers,
		BuffersPerSecond: t.averageRateLocked(),
		Done:             t.finished,
	}
	if t.err != nil {
		u.Error = t.err.Error()
	}
	return u
}

func (t *Tracker) averageRateLocked() float64 {
	if len(t.rates) == 0 {
		return 0
	}
	var sum float64
	for _, r := range t.rates {
		sum += r
	}
	return sum / float64(len(t.rates))
}

// emitLocked must be called with mu held and releases it. Updates reach
// OnUpdate in the order they were computed.
func (t *Tracker) emitLocked(force bool) {
	now := t.now()
	if !force && !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.opts.Throttle {
		t.mu.Unlock()
		return
	}

	u := t.buildLocked()
	if u.Progress < t.lastProgress {
		u.Progress = t.lastProgress
	}
	t.lastProgress = u.Progress
	t.lastEmit = now

	t.emitMu.Lock()
	t.mu.Unlock()
	defer t.emitMu.Unlock()

	if t.opts.Metrics != nil {
		u.Metrics = t.opts.Metrics.Snapshot()
	}
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(u)
	}
}
