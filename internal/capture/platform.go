package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
)

// TargetKind groups capture targets by their ID range
type TargetKind string

const (
	TargetBuiltin  TargetKind = "builtin"
	TargetExternal TargetKind = "external"
	TargetVirtual  TargetKind = "virtual"
)

const (
	builtinIDLimit  = 16
	externalIDLimit = 1024
)

// Target is a capturable audio output
type Target struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Primary     bool   `json:"primary"`
}

// Kind classifies the target from its ID
func (t Target) Kind() TargetKind {
	switch {
	case t.ID < builtinIDLimit:
		return TargetBuiltin
	case t.ID < externalIDLimit:
		return TargetExternal
	default:
		return TargetVirtual
	}
}

// Buffer is one block of captured audio with its declared layout
type Buffer struct {
	Format    audio.FormatDescriptor
	Data      []byte
	Timestamp time.Time
}

// BufferHandler receives buffers on the session's delivery goroutine
type BufferHandler func(Buffer)

// SessionConfig is requested from the platform when opening a session
type SessionConfig struct {
	Format audio.FormatDescriptor
	// BufferFrames is the preferred number of frames per delivered buffer
	BufferFrames int
}

// Session is an audio-only capture session
type Session interface {
	Start(ctx context.Context) error
	// Stop ends delivery and returns once no more buffers will be handed out
	Stop() error
}

// Platform abstracts the OS capture API
type Platform interface {
	ListTargets(ctx context.Context) ([]Target, error)
	SupportsStandardFormat(ctx context.Context) (bool, error)
	NewSession(ctx context.Context, target Target, cfg SessionConfig, handler BufferHandler) (Session, error)
}

// SelectTarget picks a target by priority: primary, then built-in, external
// and virtual ranges, then the first listed.
func SelectTarget(targets []Target) (Target, error) {
	if len(targets) == 0 {
		return Target{}, &errs.NoCaptureTargetError{Headless: true}
	}
	return RankTargets(targets)[0], nil
}

// SelectPreferredTarget returns the target named name, falling back to
// SelectTarget when it is not listed
func SelectPreferredTarget(targets []Target, name string) (Target, error) {
	if name != "" {
		for _, t := range targets {
			if t.Name == name {
				return t, nil
			}
		}
		slog.Warn("Preferred capture target not found, using priority selection", "target", name)
	}
	return SelectTarget(targets)
}

// RankTargets orders targets by selection priority, keeping list order within a rank
func RankTargets(targets []Target) []Target {
	rank := func(t Target) int {
		if t.Primary {
			return 0
		}
		switch t.Kind() {
		case TargetBuiltin:
			return 1
		case TargetExternal:
			return 2
		default:
			return 3
		}
	}

	ranked := make([]Target, 0, len(targets))
	for r := 0; r <= 3; r++ {
		for _, t := range targets {
			if rank(t) == r {
				ranked = append(ranked, t)
			}
		}
	}
	return ranked
}
