package audio

import (
	"encoding/binary"
	"math"

	"github.com/audiolibrelab/meetcapture/internal/errs"
)

const (
	WorkingSampleRate = 44100
	WorkingChannels   = 2
)

// WorkingBuffer holds de-interleaved stereo float samples at WorkingSampleRate
type WorkingBuffer struct {
	Left  []float32
	Right []float32
}

// Frames returns the number of stereo frames in the buffer
func (b *WorkingBuffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Left)
}

// Resampler converts a mono stream between sample rates with linear
// interpolation. State carries across calls so consecutive buffers join
// without a gap.
type Resampler struct {
	step   float64
	pos    float64
	prev   float32
	primed bool
}

// NewResampler creates a resampler from one rate to another
func NewResampler(from, to int) *Resampler {
	return &Resampler{step: float64(from) / float64(to)}
}

// Passthrough reports whether the rates are equal
func (r *Resampler) Passthrough() bool {
	return r.step == 1
}

// Process resamples the next chunk of input
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.Passthrough() {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	src := in
	if r.primed {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.prev)
		src = append(src, in...)
	}

	out := make([]float32, 0, int(float64(len(src))/r.step)+1)
	for {
		i := int(r.pos)
		if i+1 >= len(src) {
			break
		}
		frac := float32(r.pos - float64(i))
		out = append(out, src[i]+(src[i+1]-src[i])*frac)
		r.pos += r.step
	}

	// Re-base so the last input sample is index 0 of the next call
	r.pos -= float64(len(src) - 1)
	r.prev = src[len(src)-1]
	r.primed = true
	return out
}

// Converter turns validated platform buffers into WorkingBuffers
type Converter struct {
	rate  int
	left  *Resampler
	right *Resampler

	// SkippedFrames counts frames dropped for bounds or non-finite samples
	SkippedFrames int
}

// NewConverter creates a converter to the working format
func NewConverter() *Converter {
	return &Converter{}
}

// Convert validates the descriptor and converts the payload. The payload is
// never read when validation fails.
func (c *Converter) Convert(d FormatDescriptor, data []byte) (*WorkingBuffer, error) {
	if ok, reason := ValidateFormat(d); !ok {
		return nil, &errs.FormatError{Reason: reason}
	}

	if c.rate != d.SampleRate || c.left == nil {
		c.rate = d.SampleRate
		c.left = NewResampler(d.SampleRate, WorkingSampleRate)
		c.right = NewResampler(d.SampleRate, WorkingSampleRate)
	}

	left, right := c.decode(d, data)

	if d.Channels == 1 {
		mono := c.left.Process(left)
		dup := make([]float32, len(mono))
		copy(dup, mono)
		return &WorkingBuffer{Left: mono, Right: dup}, nil
	}

	return &WorkingBuffer{
		Left:  c.left.Process(left),
		Right: c.right.Process(right),
	}, nil
}

// decode extracts per-channel float samples at the source rate. A frame
// containing any out-of-bounds or non-finite sample is skipped whole so the
// channels stay aligned.
func (c *Converter) decode(d FormatDescriptor, data []byte) (left, right []float32) {
	sampleBytes := d.BitsPerChannel / 8
	frames := len(data) / d.BytesPerFrame

	left = make([]float32, 0, frames)
	if d.Channels == 2 {
		right = make([]float32, 0, frames)
	}

	offset := func(frame, ch int) int {
		if d.NonInterleaved {
			return ch*frames*sampleBytes + frame*sampleBytes
		}
		return frame*d.BytesPerFrame + ch*sampleBytes
	}

	for f := 0; f < frames; f++ {
		var vals [2]float32
		valid := true
		for ch := 0; ch < d.Channels; ch++ {
			off := offset(f, ch)
			if off < 0 || off+sampleBytes > len(data) {
				valid = false
				break
			}
			v := decodeSample(data[off:off+sampleBytes], d)
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				valid = false
				break
			}
			vals[ch] = v
		}
		if !valid {
			c.SkippedFrames++
			continue
		}
		left = append(left, vals[0])
		if d.Channels == 2 {
			right = append(right, vals[1])
		}
	}
	return left, right
}

func decodeSample(b []byte, d FormatDescriptor) float32 {
	switch d.BitsPerChannel {
	case 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 32:
		bits := binary.LittleEndian.Uint32(b)
		if d.Float {
			return math.Float32frombits(bits)
		}
		return float32(float64(int32(bits)) / 2147483648)
	}
	return 0
}

// EncodeFloat32 packs interleaved float samples as little-endian IEEE-754,
// the layout platform sessions deliver for the standard format.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// EncodeInt16 packs interleaved float samples as little-endian 16-bit PCM
func EncodeInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * 32767))
}
