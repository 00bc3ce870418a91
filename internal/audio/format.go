package audio

import (
	"fmt"
	"log/slog"
)

// FormatID identifies the encoding of a captured buffer
type FormatID string

const (
	FormatLinearPCM FormatID = "lpcm"
	FormatAAC       FormatID = "aac"
	FormatOpus      FormatID = "opus"
	FormatMP3       FormatID = "mp3"
)

const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// FormatDescriptor describes the layout of a raw captured buffer
type FormatDescriptor struct {
	FormatID       FormatID `json:"format_id"`
	SampleRate     int      `json:"sample_rate"`
	Channels       int      `json:"channels"`
	BitsPerChannel int      `json:"bits_per_channel"`
	BytesPerFrame  int      `json:"bytes_per_frame"`
	// Float selects IEEE-754 interpretation of 32-bit samples
	Float bool `json:"float"`
	// NonInterleaved declares planar stereo: all left samples, then all right samples
	NonInterleaved bool `json:"non_interleaved"`
}

// String returns a compact description used in log lines
func (d FormatDescriptor) String() string {
	kind := "int"
	if d.Float {
		kind = "float"
	}
	return fmt.Sprintf("%s %dHz %dch %dbit-%s bpf=%d", d.FormatID, d.SampleRate, d.Channels, d.BitsPerChannel, kind, d.BytesPerFrame)
}

// ValidateFormat checks a descriptor before its payload is reinterpreted.
// It returns false with a reason when any field is out of range.
func ValidateFormat(d FormatDescriptor) (bool, string) {
	reason := formatRejection(d)
	if reason != "" {
		slog.Debug("Rejected audio format", "format", d.String(), "reason", reason)
		return false, reason
	}
	return true, ""
}

func formatRejection(d FormatDescriptor) string {
	if d.FormatID != FormatLinearPCM {
		return fmt.Sprintf("format %q is not linear PCM", d.FormatID)
	}
	if d.SampleRate < MinSampleRate || d.SampleRate > MaxSampleRate {
		return fmt.Sprintf("sample rate %d outside [%d, %d]", d.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if d.Channels < 1 || d.Channels > 2 {
		return fmt.Sprintf("channel count %d not in {1,2}", d.Channels)
	}
	if d.BitsPerChannel != 16 && d.BitsPerChannel != 32 {
		return fmt.Sprintf("bit depth %d not in {16,32}", d.BitsPerChannel)
	}
	if want := d.Channels * d.BitsPerChannel / 8; d.BytesPerFrame != want {
		return fmt.Sprintf("bytes per frame %d, expected %d", d.BytesPerFrame, want)
	}
	return ""
}

// StandardFormat is the stereo float layout every platform must be able to produce
func StandardFormat() FormatDescriptor {
	return FormatDescriptor{
		FormatID:       FormatLinearPCM,
		SampleRate:     WorkingSampleRate,
		Channels:       WorkingChannels,
		BitsPerChannel: 32,
		BytesPerFrame:  WorkingChannels * 4,
		Float:          true,
	}
}
