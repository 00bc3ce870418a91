package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	outputBitDepth = 16
)

// WAVWriter appends working buffers to a 16-bit PCM WAV file
type WAVWriter struct {
	path     string
	file     *os.File
	encoder  *wav.Encoder
	rate     int
	channels int
	frames   int64
	closed   bool
}

// CreateWAV creates (or truncates) a WAV file for incremental writes
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported channel count: %d", channels)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}

	return &WAVWriter{
		path:     path,
		file:     f,
		encoder:  wav.NewEncoder(f, sampleRate, outputBitDepth, channels, wavFormatPCM),
		rate:     sampleRate,
		channels: channels,
	}, nil
}

// Path returns the file being written
func (w *WAVWriter) Path() string { return w.path }

// Frames returns the number of frames written so far
func (w *WAVWriter) Frames() int64 { return w.frames }

// Duration returns the audio length written so far
func (w *WAVWriter) Duration() time.Duration {
	if w.rate == 0 {
		return 0
	}
	return time.Duration(float64(w.frames) / float64(w.rate) * float64(time.Second))
}

// WriteWorking appends a stereo working buffer, downmixing for mono files
func (w *WAVWriter) WriteWorking(buf *WorkingBuffer) error {
	n := buf.Frames()
	if n == 0 {
		return nil
	}
	if len(buf.Right) < n {
		return fmt.Errorf("unbalanced working buffer: left=%d right=%d", n, len(buf.Right))
	}

	data := make([]int, 0, n*w.channels)
	for i := 0; i < n; i++ {
		if w.channels == 1 {
			data = append(data, int(floatToInt16((buf.Left[i]+buf.Right[i])/2)))
			continue
		}
		data = append(data, int(floatToInt16(buf.Left[i])), int(floatToInt16(buf.Right[i])))
	}
	return w.writeInts(data, n)
}

// WriteMono appends mono float samples
func (w *WAVWriter) WriteMono(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	if w.channels != 1 {
		return w.WriteWorking(&WorkingBuffer{Left: samples, Right: samples})
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(floatToInt16(s))
	}
	return w.writeInts(data, len(samples))
}

func (w *WAVWriter) writeInts(data []int, frames int) error {
	if w.closed {
		return fmt.Errorf("wav writer closed: %s", w.path)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.channels, SampleRate: w.rate},
		Data:           data,
		SourceBitDepth: outputBitDepth,
	}
	if err := w.encoder.Write(buf); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	w.frames += int64(frames)
	return nil
}

// Close finalizes the headers and closes the file. Safe to call twice.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.frames == 0 {
		// Forces the header and an empty data chunk so the file stays parseable
		empty := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: w.channels, SampleRate: w.rate}}
		if err := w.encoder.Write(empty); err != nil {
			w.file.Close()
			return fmt.Errorf("failed to write wav header: %w", err)
		}
	}

	if err := w.encoder.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to finalize wav file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close wav file: %w", err)
	}
	return nil
}

// WAVInfo describes a decoded WAV file
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Float      bool
	Duration   time.Duration
}

// WAVReader streams a WAV file as mono float samples at its native rate
type WAVReader struct {
	path    string
	file    *os.File
	decoder *wav.Decoder
	info    WAVInfo
	buf     *goaudio.IntBuffer
	pending []int
}

// ProbeWAV opens a file only to read its header information
func ProbeWAV(path string) (WAVInfo, error) {
	r, err := OpenWAV(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer r.Close()
	return r.Info(), nil
}

// OpenWAV opens and validates a WAV file for reading
func OpenWAV(path string) (*WAVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		if derr := d.Err(); derr != nil {
			return nil, fmt.Errorf("invalid wav file %s: %w", path, derr)
		}
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}

	info := WAVInfo{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Float:      d.WavAudioFormat == wavFormatFloat,
	}

	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("no pcm data in %s: %w", path, err)
	}

	if frameBytes := int64(info.Channels) * int64(info.BitDepth/8); frameBytes > 0 && info.SampleRate > 0 && d.PCMLen() > 0 {
		frames := d.PCMLen() / frameBytes
		info.Duration = time.Duration(float64(frames) / float64(info.SampleRate) * float64(time.Second))
	} else if dur, err := d.Duration(); err == nil {
		info.Duration = dur
	}

	return &WAVReader{
		path:    path,
		file:    f,
		decoder: d,
		info:    info,
	}, nil
}

// Info returns the header information
func (r *WAVReader) Info() WAVInfo { return r.info }

// Path returns the file being read
func (r *WAVReader) Path() string { return r.path }

// ReadMono reads up to maxFrames frames, averaging channels to mono.
// It returns io.EOF once no more frames are available.
func (r *WAVReader) ReadMono(maxFrames int) ([]float32, error) {
	if maxFrames <= 0 {
		return nil, nil
	}
	ch := r.info.Channels

	if r.buf == nil || len(r.buf.Data) != maxFrames*ch {
		r.buf = &goaudio.IntBuffer{Data: make([]int, maxFrames*ch)}
	}

	n, err := r.decoder.PCMBuffer(r.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
	}
	if n == 0 && len(r.pending) < ch {
		return nil, io.EOF
	}

	samples := append(r.pending, r.buf.Data[:n]...)
	frames := len(samples) / ch
	r.pending = append([]int(nil), samples[frames*ch:]...)

	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += r.sampleToFloat(samples[f*ch+c])
		}
		out[f] = sum / float32(ch)
	}
	return out, nil
}

func (r *WAVReader) sampleToFloat(v int) float32 {
	switch r.info.BitDepth {
	case 8:
		// 8-bit WAV is unsigned
		return float32(v-128) / 128
	case 32:
		if r.info.Float {
			f := math.Float32frombits(uint32(int32(v)))
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return 0
			}
			return f
		}
	}
	return float32(float64(v) / float64(goaudio.IntMaxSignedValue(r.info.BitDepth)+1))
}

// Close closes the underlying file
func (r *WAVReader) Close() error {
	return r.file.Close()
}
