package mix

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
)

// Source names one of the two recorded inputs
type Source string

const (
	SourceSystem     Source = "system"
	SourceMicrophone Source = "microphone"
)

// Channel positions in the merged output
const (
	ChannelLeft  = 0
	ChannelRight = 1
)

// Node is an element of a mix graph
type Node interface {
	Name() string
}

// TapFunc receives merged buffers from the mixer. Returning an error stops rendering.
type TapFunc func(buf *audio.WorkingBuffer) error

// DoneFunc is called once when a scheduled player has no more audio, with a
// non-nil error if it failed
type DoneFunc func(err error)

// MixGraph is the audio node graph the engine renders through
type MixGraph interface {
	Attach(node Node) error
	Connect(from, to Node, format audio.FormatDescriptor) error
	InstallTap(node Node, fn TapFunc) error
	RemoveTap(node Node)
	Schedule(player *PlayerNode, onDone DoneFunc) error
	Start() error
	Stop()
	Detach(node Node)
}

// PlayerNode streams one decoded file at the working rate onto a single channel
type PlayerNode struct {
	name      string
	source    Source
	channel   int
	reader    *audio.WAVReader
	resampler *audio.Resampler
	pending   []float32
	eof       bool
}

// NewPlayerNode wraps reader as a player feeding channel
func NewPlayerNode(source Source, channel int, reader *audio.WAVReader) *PlayerNode {
	return &PlayerNode{
		name:      string(source) + "-player",
		source:    source,
		channel:   channel,
		reader:    reader,
		resampler: audio.NewResampler(reader.Info().SampleRate, audio.WorkingSampleRate),
	}
}

func (p *PlayerNode) Name() string   { return p.name }
func (p *PlayerNode) Source() Source { return p.source }
func (p *PlayerNode) Channel() int   { return p.channel }

// Pull returns up to frames mono samples at the working rate. It returns
// io.EOF together with the final samples.
func (p *PlayerNode) Pull(frames int) ([]float32, error) {
	for len(p.pending) < frames && !p.eof {
		src, err := p.reader.ReadMono(frames)
		if errors.Is(err, io.EOF) {
			p.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
		p.pending = append(p.pending, p.resampler.Process(src)...)
	}

	n := frames
	if n > len(p.pending) {
		n = len(p.pending)
	}
	out := make([]float32, n)
	copy(out, p.pending[:n])
	p.pending = p.pending[n:]

	if p.eof && len(p.pending) == 0 {
		return out, io.EOF
	}
	return out, nil
}

// Close releases the decoder
func (p *PlayerNode) Close() error {
	return p.reader.Close()
}

// MixerNode merges its connected players into stereo
type MixerNode struct {
	name string
}

// NewMixerNode creates a mixer
func NewMixerNode(name string) *MixerNode {
	return &MixerNode{name: name}
}

func (m *MixerNode) Name() string { return m.name }

// mergeChunk places each player's samples on its channel. Shorter inputs are
// padded with silence.
func mergeChunk(frames int, parts map[int][][]float32) *audio.WorkingBuffer {
	buf := &audio.WorkingBuffer{
		Left:  make([]float32, frames),
		Right: make([]float32, frames),
	}
	for ch, blocks := range parts {
		dst := buf.Left
		if ch == ChannelRight {
			dst = buf.Right
		}
		for _, block := range blocks {
			for i := 0; i < len(block) && i < frames; i++ {
				dst[i] += block[i]
			}
		}
	}
	return buf
}

type scheduled struct {
	player *PlayerNode
	onDone DoneFunc
	done   bool
}

// SoftwareGraph renders scheduled players through a mixer on a goroutine
// as fast as the tap consumes buffers
type SoftwareGraph struct {
	chunkFrames int

	mu        sync.Mutex
	nodes     map[string]Node
	links     map[string]string
	scheduled []*scheduled
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	tapMu   sync.Mutex
	tapNode string
	tap     TapFunc
}

// NewSoftwareGraph creates an in-process graph rendering chunkFrames per buffer
func NewSoftwareGraph(chunkFrames int) *SoftwareGraph {
	if chunkFrames <= 0 {
		chunkFrames = DefaultChunkFrames
	}
	return &SoftwareGraph{
		chunkFrames: chunkFrames,
		nodes:       make(map[string]Node),
		links:       make(map[string]string),
	}
}

func (g *SoftwareGraph) Attach(node Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if node == nil {
		return errs.Mixing(errs.MixEngineConfiguration, "", errors.New("cannot attach nil node"))
	}
	if _, ok := g.nodes[node.Name()]; ok {
		return errs.Mixing(errs.MixEngineConfiguration, "", fmt.Errorf("node %s already attached", node.Name()))
	}
	g.nodes[node.Name()] = node
	return nil
}

func (g *SoftwareGraph) Connect(from, to Node, format audio.FormatDescriptor) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from.Name()]; !ok {
		return errs.Mixing(errs.MixNodeConnection, "", fmt.Errorf("source node %s not attached", from.Name()))
	}
	if _, ok := g.nodes[to.Name()]; !ok {
		return errs.Mixing(errs.MixNodeConnection, "", fmt.Errorf("destination node %s not attached", to.Name()))
	}
	if _, ok := from.(*PlayerNode); !ok {
		return errs.Mixing(errs.MixNodeConnection, "", fmt.Errorf("%s cannot feed another node", from.Name()))
	}
	if _, ok := to.(*MixerNode); !ok {
		return errs.Mixing(errs.MixNodeConnection, "", fmt.Errorf("%s is not a mixer", to.Name()))
	}
	if format != audio.StandardFormat() {
		return errs.Mixing(errs.MixEngineConfiguration, "", fmt.Errorf("connection format %s differs from %s", format, audio.StandardFormat()))
	}
	g.links[from.Name()] = to.Name()
	return nil
}

func (g *SoftwareGraph) InstallTap(node Node, fn TapFunc) error {
	g.mu.Lock()
	_, attached := g.nodes[node.Name()]
	g.mu.Unlock()

	if !attached {
		return errs.Mixing(errs.MixTapInstallation, "", fmt.Errorf("node %s not attached", node.Name()))
	}
	if _, ok := node.(*MixerNode); !ok {
		return errs.Mixing(errs.MixTapInstallation, "", fmt.Errorf("taps are only supported on mixers, not %s", node.Name()))
	}

	g.tapMu.Lock()
	defer g.tapMu.Unlock()
	if g.tap != nil {
		return errs.Mixing(errs.MixTapInstallation, "", fmt.Errorf("tap already installed on %s", g.tapNode))
	}
	g.tapNode = node.Name()
	g.tap = fn
	return nil
}

// RemoveTap detaches the tap. After it returns no tap call is in progress.
func (g *SoftwareGraph) RemoveTap(node Node) {
	g.tapMu.Lock()
	defer g.tapMu.Unlock()
	if g.tapNode == node.Name() {
		g.tap = nil
		g.tapNode = ""
	}
}

func (g *SoftwareGraph) Schedule(player *PlayerNode, onDone DoneFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.links[player.Name()]; !ok {
		return errs.Mixing(errs.MixNodeConnection, "", fmt.Errorf("player %s is not connected", player.Name()))
	}
	if g.running {
		return errs.Mixing(errs.MixEngineStart, "", errors.New("cannot schedule on a running graph"))
	}
	g.scheduled = append(g.scheduled, &scheduled{player: player, onDone: onDone})
	return nil
}

func (g *SoftwareGraph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return errs.Mixing(errs.MixEngineStart, "", errors.New("graph already running"))
	}
	if len(g.scheduled) == 0 {
		return errs.Mixing(errs.MixEngineStart, "", errors.New("nothing scheduled"))
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.wg.Add(1)
	go g.render(g.stopCh, g.scheduled)
	return nil
}

func (g *SoftwareGraph) render(stop <-chan struct{}, players []*scheduled) {
	defer g.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		parts := make(map[int][][]float32)
		frames := 0
		var finished []*scheduled
		active := 0

		for _, s := range players {
			if s.done {
				continue
			}
			active++
			samples, err := s.player.Pull(g.chunkFrames)
			if len(samples) > 0 {
				parts[s.player.Channel()] = append(parts[s.player.Channel()], samples)
				if len(samples) > frames {
					frames = len(samples)
				}
			}
			if err != nil {
				s.done = true
				if errors.Is(err, io.EOF) {
					err = nil
				}
				finished = append(finished, s)
				if err != nil {
					s.onDone(err)
					return
				}
			}
		}
		if active == 0 {
			return
		}

		if frames > 0 {
			g.tapMu.Lock()
			tap := g.tap
			var err error
			if tap != nil {
				err = tap(mergeChunk(frames, parts))
			}
			g.tapMu.Unlock()
			if err != nil {
				return
			}
		}

		for _, s := range finished {
			if s.onDone != nil {
				s.onDone(nil)
			}
		}
	}
}

// Stop halts rendering and waits for the render goroutine
func (g *SoftwareGraph) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *SoftwareGraph) Detach(node Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, node.Name())
	delete(g.links, node.Name())
	for i, s := range g.scheduled {
		if s.player.Name() == node.Name() {
			g.scheduled = append(g.scheduled[:i], g.scheduled[i+1:]...)
			break
		}
	}
}
