// Package errs defines the typed errors shared by the capture, recording and
// mixing packages. Errors are classified where they originate and inspected
// with errors.As further up.
package errs

import (
	"errors"
	"fmt"
	"time"
)

func wrapMessage(prefix, op string, err error) string {
	msg := prefix
	if op != "" {
		msg += ": " + op
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

// PermissionError reports a denied capture or filesystem permission.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string { return wrapMessage("permission denied", e.Op, e.Err) }
func (e *PermissionError) Unwrap() error { return e.Err }

// ConfigurationError reports a platform or session configuration failure.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string { return wrapMessage("configuration error", e.Op, e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NoCaptureTargetError is returned when no capture target can be selected.
type NoCaptureTargetError struct {
	Headless bool
}

func (e *NoCaptureTargetError) Error() string {
	if e.Headless {
		return "no capture target available: system appears to be headless"
	}
	return "no capture target available"
}

// FormatError reports a rejected audio format descriptor.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "unsupported audio format: " + e.Reason }

// ResourceLimitError reports exhaustion of disk space or buffer capacity.
type ResourceLimitError struct {
	Resource string // "disk" or "buffer"
	Required uint64
	Actual   uint64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s (required %d, available %d)", e.Resource, e.Required, e.Actual)
}

// ConcurrencyReason distinguishes the ways a state transition can collide.
type ConcurrencyReason string

const (
	TransitionInProgress ConcurrencyReason = "transition in progress"
	AlreadyRecording     ConcurrencyReason = "already recording"
	DuplicateOperation   ConcurrencyReason = "operation already running"
)

// ConcurrencyError reports an overlapping or out-of-order operation.
type ConcurrencyError struct {
	Op     string
	Reason ConcurrencyReason
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// CancellationError reports a cooperatively cancelled operation.
type CancellationError struct {
	Op     string
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return e.Op + " cancelled"
	}
	return fmt.Sprintf("%s cancelled: %s", e.Op, e.Reason)
}

// MixKind classifies mixing failures for the recovery ladder.
type MixKind string

const (
	MixEngineStart         MixKind = "engine-start"
	MixEngineConfiguration MixKind = "engine-configuration"
	MixFileLoad            MixKind = "file-load"
	MixFormatIncompatible  MixKind = "format-incompatible"
	MixNodeConnection      MixKind = "node-connection"
	MixTapInstallation     MixKind = "tap-installation"
	MixOutputCreation      MixKind = "output-creation"
	MixDiskSpace           MixKind = "disk-space"
	MixPermission          MixKind = "permission"
	MixBufferOverflow      MixKind = "buffer-overflow"
	MixFormatConversion    MixKind = "format-conversion"
	MixTimeout             MixKind = "timeout"
)

// MixingError is a classified failure of the mixing pipeline.
type MixingError struct {
	Kind MixKind
	Path string
	Err  error
}

func (e *MixingError) Error() string {
	msg := "mixing failed (" + string(e.Kind) + ")"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MixingError) Unwrap() error { return e.Err }

// Mixing builds a MixingError.
func Mixing(kind MixKind, path string, err error) *MixingError {
	return &MixingError{Kind: kind, Path: path, Err: err}
}

// MixKindOf returns the mixing kind of err, or "" when err is not a MixingError.
func MixKindOf(err error) MixKind {
	var me *MixingError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IsKind reports whether err is a MixingError of the given kind.
func IsKind(err error, kind MixKind) bool {
	return MixKindOf(err) == kind
}

// IsCancellation reports whether err is a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
