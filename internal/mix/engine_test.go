package mix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/sysinfo"
)

var testStart = time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)

func plenty(string) (uint64, error) { return 10 * 1024 * sysinfo.MB, nil }

func writeMono(t *testing.T, path string, rate int, seconds float64, value float32) {
	t.Helper()
	w, err := audio.CreateWAV(path, rate, 1)
	require.NoError(t, err)
	samples := make([]float32, int(float64(rate)*seconds))
	for i := range samples {
		samples[i] = value
	}
	require.NoError(t, w.WriteMono(samples))
	require.NoError(t, w.Close())
}

type fixture struct {
	dir    string
	system string
	mic    string
	out    string
}

func newFixture(t *testing.T, systemSeconds, micSeconds float64) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		system: filepath.Join(dir, "system.wav"),
		mic:    filepath.Join(dir, "mic.wav"),
		out:    filepath.Join(dir, "out"),
	}
	require.NoError(t, os.MkdirAll(f.out, 0o755))
	if systemSeconds > 0 {
		writeMono(t, f.system, 48000, systemSeconds, 0.5)
	}
	if micSeconds > 0 {
		writeMono(t, f.mic, 44100, micSeconds, -0.25)
	}
	return f
}

func (f fixture) request(rec *updateRecorder) Request {
	r := Request{
		SystemPath:     f.system,
		MicrophonePath: f.mic,
		OutputDir:      f.out,
		StartTime:      testStart,
	}
	if rec != nil {
		r.OnUpdate = rec.add
	}
	return r
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (r *updateRecorder) add(u progress.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) all() []progress.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Update(nil), r.updates...)
}

func testEngine(opts Options) *Engine {
	if opts.FreeSpace == nil {
		opts.FreeSpace = plenty
	}
	if opts.QuiescenceWindow == 0 {
		opts.QuiescenceWindow = 20 * time.Millisecond
	}
	return NewEngine(opts)
}

// faultyGraph wraps the software graph with injected failures
type faultyGraph struct {
	*SoftwareGraph
	connectErr error
	tapErr     error
	startErr   error
	stall      bool
	started    chan struct{}

	mu    sync.Mutex
	calls []string
}

func newFaultyGraph() *faultyGraph {
	return &faultyGraph{SoftwareGraph: NewSoftwareGraph(1024), started: make(chan struct{})}
}

func (g *faultyGraph) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *faultyGraph) recorded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *faultyGraph) Connect(from, to Node, format audio.FormatDescriptor) error {
	if g.connectErr != nil {
		return g.connectErr
	}
	return g.SoftwareGraph.Connect(from, to, format)
}

func (g *faultyGraph) InstallTap(node Node, fn TapFunc) error {
	if g.tapErr != nil {
		return g.tapErr
	}
	return g.SoftwareGraph.InstallTap(node, fn)
}

func (g *faultyGraph) Start() error {
	if g.startErr != nil {
		return g.startErr
	}
	if g.stall {
		close(g.started)
		return nil
	}
	return g.SoftwareGraph.Start()
}

func (g *faultyGraph) RemoveTap(node Node) {
	g.record("remove-tap")
	g.SoftwareGraph.RemoveTap(node)
}

func (g *faultyGraph) Stop() {
	g.record("stop")
	g.SoftwareGraph.Stop()
}

func (g *faultyGraph) Detach(node Node) {
	g.record("detach:" + node.Name())
	g.SoftwareGraph.Detach(node)
}

func readStereo(t *testing.T, path string) (left, right []int, rate int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	require.Equal(t, 2, buf.Format.NumChannels)
	for i := 0; i+1 < len(buf.Data); i += 2 {
		left = append(left, buf.Data[i])
		right = append(right, buf.Data[i+1])
	}
	return left, right, buf.Format.SampleRate
}

func TestExpectedDurationAndTimeout(t *testing.T) {
	expected := ExpectedDuration(60*time.Second, 60400*time.Millisecond)
	assert.Equal(t, 66440*time.Millisecond, expected)
	assert.Equal(t, 132880*time.Millisecond, SafetyTimeout(expected))
	assert.Equal(t, time.Duration(0), ExpectedDuration())
}

func TestMix_ChannelSeparatedOutput(t *testing.T) {
	f := newFixture(t, 0.5, 0.3)
	rec := &updateRecorder{}
	e := testEngine(Options{})

	res, err := e.Mix(context.Background(), f.request(rec))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Fallback)
	assert.Equal(t, storage.ArtifactPath(f.out, testStart, "wav"), res.OutputPath)
	assert.InDelta(t, 0.5, res.Duration.Seconds(), 0.01)
	assert.Equal(t, 2, res.Metadata.SourceCount)
	assert.Equal(t, f.system, res.SourceFiles[SourceSystem])
	assert.Equal(t, f.mic, res.SourceFiles[SourceMicrophone])
	assert.Positive(t, res.Metadata.ProcessingDuration)

	left, right, rate := readStereo(t, res.OutputPath)
	assert.Equal(t, audio.WorkingSampleRate, rate)
	require.NotEmpty(t, left)
	// system on the left, microphone on the right
	assert.InDelta(t, 16384, left[100], 2)
	assert.InDelta(t, -8192, right[100], 2)
	// microphone ended first and is padded with silence
	assert.Equal(t, 0, right[len(right)-1])
	assert.NotEqual(t, 0, left[len(left)-1])

	meta, err := storage.LoadMetadata(storage.SidecarPath(res.OutputPath))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(res.OutputPath), meta.Filename)
	assert.InDelta(t, 0.5, meta.Duration, 0.01)

	updates := rec.all()
	require.NotEmpty(t, updates)
	done := 0
	last := 0.0
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.Progress, last, "progress must not go backwards")
		last = u.Progress
		if u.Done {
			done++
		} else {
			assert.LessOrEqual(t, u.Progress, 0.99)
		}
	}
	assert.Equal(t, 1, done, "exactly one terminal update")
	final := updates[len(updates)-1]
	assert.True(t, final.Done)
	assert.Equal(t, 1.0, final.Progress)
	assert.Empty(t, final.Error)
}

func TestMix_MissingInputFallsBack(t *testing.T) {
	f := newFixture(t, 0.5, 0)
	e := testEngine(Options{})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Fallback)
	assert.True(t, errs.IsKind(res.Cause, errs.MixFileLoad), "cause %v", res.Cause)

	preserved := storage.SourceArtifactPath(f.out, testStart, "system", "wav")
	assert.Equal(t, preserved, res.SourceFiles[SourceSystem])
	assert.NotContains(t, res.SourceFiles, SourceMicrophone)
	assert.Equal(t, preserved, res.OutputPath)
	assert.FileExists(t, preserved)
	assert.FileExists(t, storage.SidecarPath(preserved))
	assert.NoFileExists(t, storage.ArtifactPath(f.out, testStart, "wav"))

	info, err := audio.ProbeWAV(preserved)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, info.Duration.Seconds(), 0.01)
}

func TestMix_TooShortInputFallsBack(t *testing.T) {
	f := newFixture(t, 0.5, 0.05)
	e := testEngine(Options{})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Len(t, res.SourceFiles, 2)
	assert.True(t, errs.IsKind(res.Cause, errs.MixFileLoad))
}

func TestMix_NothingToPreserve(t *testing.T) {
	f := newFixture(t, 0, 0)
	e := testEngine(Options{})

	res, err := e.Mix(context.Background(), f.request(nil))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.MixFileLoad))
}

func TestMix_ConnectionFailureUsesSimplifiedStrategy(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.connectErr = errs.Mixing(errs.MixNodeConnection, "", errors.New("bus busy"))
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.FileExists(t, res.OutputPath)
	assert.InDelta(t, 0.3, res.Duration.Seconds(), 0.01)

	left, right, _ := readStereo(t, res.OutputPath)
	assert.InDelta(t, 16384, left[10], 2)
	assert.InDelta(t, -8192, right[10], 2)
}

func TestMix_EngineStartFailureUsesSimplifiedStrategy(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.startErr = errors.New("no render thread")
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.FileExists(t, res.OutputPath)
}

func TestMix_TapFailureFallsBackAndCleansUp(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.tapErr = errors.New("tap refused")
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, errs.IsKind(res.Cause, errs.MixTapInstallation))
	assert.NoFileExists(t, storage.ArtifactPath(f.out, testStart, "wav"))

	calls := g.recorded()
	assert.Contains(t, calls, "remove-tap")
	assert.Contains(t, calls, "stop")
	assert.Contains(t, calls, "detach:mixer")
	assert.Contains(t, calls, "detach:system-player")
	assert.Contains(t, calls, "detach:microphone-player")
}

func TestMix_TimeoutAtTwiceExpected(t *testing.T) {
	f := newFixture(t, 0.2, 0.2)
	g := newFaultyGraph()
	g.stall = true
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	timeout := SafetyTimeout(ExpectedDuration(200 * time.Millisecond))
	begin := time.Now()
	res, err := e.Mix(context.Background(), f.request(nil))
	elapsed := time.Since(begin)

	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, errs.IsKind(res.Cause, errs.MixTimeout), "cause %v", res.Cause)
	var te *errs.TimeoutError
	require.ErrorAs(t, res.Cause, &te)
	assert.InDelta(t, float64(timeout), float64(te.After), float64(time.Millisecond))
	assert.GreaterOrEqual(t, elapsed, timeout-time.Millisecond)
	assert.Less(t, elapsed, timeout+2*time.Second)
}

func TestMix_DiskSpaceRetriesAlternateDirectory(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	alt := filepath.Join(f.dir, "alt")
	e := testEngine(Options{
		AlternateDir: alt,
		FreeSpace: func(dir string) (uint64, error) {
			if dir == f.out {
				return 10 * sysinfo.MB, nil
			}
			return 10 * 1024 * sysinfo.MB, nil
		},
	})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, storage.ArtifactPath(alt, testStart, "wav"), res.OutputPath)
	assert.FileExists(t, res.OutputPath)
}

func TestMix_BufferOverflowFallsBack(t *testing.T) {
	f := newFixture(t, 0.5, 0.5)
	e := testEngine(Options{BufferCeiling: 2, ChunkFrames: 256})

	res, err := e.Mix(context.Background(), f.request(nil))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, errs.IsKind(res.Cause, errs.MixBufferOverflow), "cause %v", res.Cause)
	assert.NoFileExists(t, storage.ArtifactPath(f.out, testStart, "wav"), "partial output must be removed")
	assert.Len(t, res.SourceFiles, 2)
}

func TestMix_CancellationPreservesSources(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.stall = true
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-g.started
		cancel()
	}()

	res, err := e.Mix(ctx, f.request(nil))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, errs.IsCancellation(res.Cause), "cause %v", res.Cause)
	assert.Len(t, res.SourceFiles, 2)
}

func TestMix_RejectsConcurrentOperation(t *testing.T) {
	f := newFixture(t, 0.2, 0.2)
	g := newFaultyGraph()
	g.stall = true
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		e.Mix(ctx, f.request(nil))
	}()
	<-g.started

	_, err := e.Mix(context.Background(), f.request(nil))
	var ce *errs.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errs.DuplicateOperation, ce.Reason)

	cancel()
	<-finished
}

func TestMix_ProgressAvailableWhileRunning(t *testing.T) {
	f := newFixture(t, 0.2, 0.2)
	g := newFaultyGraph()
	g.stall = true
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	_, ok := e.Progress()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		e.Mix(ctx, f.request(nil))
	}()
	<-g.started

	u, ok := e.Progress()
	require.True(t, ok)
	assert.Equal(t, progress.StageProcessing, u.Stage)
	assert.False(t, u.Done)

	cancel()
	<-finished
}

// manualGraph hands the tap and completion callbacks to the test instead of
// rendering
type manualGraph struct {
	mu      sync.Mutex
	tap     TapFunc
	onDone  []DoneFunc
	started chan struct{}
}

func newManualGraph() *manualGraph {
	return &manualGraph{started: make(chan struct{})}
}

func (g *manualGraph) Attach(Node) error                               { return nil }
func (g *manualGraph) Connect(Node, Node, audio.FormatDescriptor) error { return nil }
func (g *manualGraph) RemoveTap(Node)                                  {}
func (g *manualGraph) Stop()                                           {}
func (g *manualGraph) Detach(Node)                                     {}

func (g *manualGraph) InstallTap(_ Node, fn TapFunc) error {
	g.mu.Lock()
	g.tap = fn
	g.mu.Unlock()
	return nil
}

func (g *manualGraph) Schedule(_ *PlayerNode, onDone DoneFunc) error {
	g.mu.Lock()
	g.onDone = append(g.onDone, onDone)
	g.mu.Unlock()
	return nil
}

func (g *manualGraph) Start() error {
	close(g.started)
	return nil
}

func (g *manualGraph) callbacks() (TapFunc, []DoneFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tap, append([]DoneFunc(nil), g.onDone...)
}

// requireSingleProgression checks that progress never moved backwards and
// that exactly one terminal update was delivered, and returns it
func requireSingleProgression(t *testing.T, updates []progress.Update) progress.Update {
	t.Helper()
	require.NotEmpty(t, updates)
	var terminal []progress.Update
	for i, u := range updates {
		if i > 0 {
			assert.GreaterOrEqual(t, u.Progress, updates[i-1].Progress, "update %d went backwards", i)
		}
		if u.Done {
			terminal = append(terminal, u)
		}
	}
	require.Len(t, terminal, 1, "exactly one terminal update")
	assert.Equal(t, terminal[0], updates[len(updates)-1], "terminal update must be last")
	return terminal[0]
}

type mixOutcome struct {
	res *Result
	err error
}

func TestMix_WaitsForQuiescenceAfterSourcesComplete(t *testing.T) {
	f := newFixture(t, 2, 2)
	g := newManualGraph()
	rec := &updateRecorder{}
	e := testEngine(Options{
		QuiescenceWindow: 400 * time.Millisecond,
		NewGraph:         func() MixGraph { return g },
	})

	finished := make(chan mixOutcome, 1)
	go func() {
		res, err := e.Mix(context.Background(), f.request(rec))
		finished <- mixOutcome{res, err}
	}()
	<-g.started

	tap, onDone := g.callbacks()
	require.NotNil(t, tap)
	require.Len(t, onDone, 2)
	require.NoError(t, tap(&audio.WorkingBuffer{Left: make([]float32, 256), Right: make([]float32, 256)}))
	for _, fn := range onDone {
		fn(nil)
	}

	select {
	case <-finished:
		t.Fatal("mixing finished before the quiescence window elapsed")
	case <-time.After(150 * time.Millisecond):
	}
	u, ok := e.Progress()
	require.True(t, ok)
	assert.False(t, u.Done)
	assert.Equal(t, progress.StageMixing, u.Stage)

	var out mixOutcome
	select {
	case out = <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("mixing did not finish after quiescence")
	}
	require.NoError(t, out.err)
	assert.False(t, out.res.Fallback)
	assert.FileExists(t, out.res.OutputPath)

	final := requireSingleProgression(t, rec.all())
	assert.Equal(t, 1.0, final.Progress)
	assert.Empty(t, final.Error)
}

func TestMix_QuiescenceAloneDoesNotFinish(t *testing.T) {
	f := newFixture(t, 0.5, 0.5)
	g := newManualGraph()
	e := testEngine(Options{
		QuiescenceWindow: 5 * time.Millisecond,
		NewGraph:         func() MixGraph { return g },
	})

	finished := make(chan mixOutcome, 1)
	go func() {
		res, err := e.Mix(context.Background(), f.request(nil))
		finished <- mixOutcome{res, err}
	}()
	<-g.started

	_, onDone := g.callbacks()
	require.Len(t, onDone, 2)
	onDone[0](nil)

	select {
	case <-finished:
		t.Fatal("mixing finished with one source still playing")
	case <-time.After(100 * time.Millisecond):
	}

	onDone[1](nil)
	select {
	case out := <-finished:
		require.NoError(t, out.err)
		assert.False(t, out.res.Fallback)
	case <-time.After(3 * time.Second):
		t.Fatal("mixing did not finish after both sources completed")
	}
}

func TestMix_CompletionRacingTimersFinishesOnce(t *testing.T) {
	const seconds = 0.15
	timeout := SafetyTimeout(ExpectedDuration(time.Duration(seconds * float64(time.Second))))

	for round := 0; round < 8; round++ {
		f := newFixture(t, seconds, seconds)
		g := newManualGraph()
		rec := &updateRecorder{}
		// quiescence and the watchdog fire together, right as both sources
		// report completion
		e := testEngine(Options{
			QuiescenceWindow: timeout,
			NewGraph:         func() MixGraph { return g },
		})

		finished := make(chan mixOutcome, 1)
		go func() {
			res, err := e.Mix(context.Background(), f.request(rec))
			finished <- mixOutcome{res, err}
		}()
		<-g.started
		_, onDone := g.callbacks()
		require.Len(t, onDone, 2)

		time.Sleep(timeout - 2*time.Millisecond + time.Duration(round)*500*time.Microsecond)
		var wg sync.WaitGroup
		release := make(chan struct{})
		for _, fn := range onDone {
			wg.Add(1)
			go func(fn DoneFunc) {
				defer wg.Done()
				<-release
				fn(nil)
			}(fn)
		}
		close(release)
		wg.Wait()

		var out mixOutcome
		select {
		case out = <-finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: mixing did not finish", round)
		}
		require.NoError(t, out.err, "round %d", round)
		if out.res.Fallback {
			assert.True(t, errs.IsKind(out.res.Cause, errs.MixTimeout), "round %d: cause %v", round, out.res.Cause)
		}

		// late callbacks after the outcome must not emit again
		for _, fn := range onDone {
			fn(nil)
		}
		requireSingleProgression(t, rec.all())
	}
}

func TestMix_RetryKeepsSingleProgression(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.connectErr = errs.Mixing(errs.MixNodeConnection, "", errors.New("bus busy"))
	rec := &updateRecorder{}
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	res, err := e.Mix(context.Background(), f.request(rec))
	require.NoError(t, err)
	assert.False(t, res.Fallback)

	final := requireSingleProgression(t, rec.all())
	assert.Equal(t, 1.0, final.Progress)
	assert.Empty(t, final.Error)
}

func TestMix_FallbackKeepsSingleProgression(t *testing.T) {
	f := newFixture(t, 0.3, 0.3)
	g := newFaultyGraph()
	g.tapErr = errors.New("tap refused")
	rec := &updateRecorder{}
	e := testEngine(Options{NewGraph: func() MixGraph { return g }})

	res, err := e.Mix(context.Background(), f.request(rec))
	require.NoError(t, err)
	assert.True(t, res.Fallback)

	final := requireSingleProgression(t, rec.all())
	assert.Equal(t, progress.StageComplete, final.Stage)

	u, ok := e.Progress()
	require.True(t, ok)
	assert.True(t, u.Done)
}

func TestMix_NothingToPreserveFailsOnce(t *testing.T) {
	f := newFixture(t, 0, 0)
	rec := &updateRecorder{}
	e := testEngine(Options{})

	_, err := e.Mix(context.Background(), f.request(rec))
	require.Error(t, err)

	final := requireSingleProgression(t, rec.all())
	assert.Less(t, final.Progress, 1.0)
	assert.NotEmpty(t, final.Error)
}
