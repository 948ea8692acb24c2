package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendDisabled means the backend has no URL or key configured.
	ErrBackendDisabled = errors.New("backend not configured")
	// ErrNoClip means no reference sample could be resolved for a cloning backend.
	ErrNoClip      = errors.New("no voice clip available")
	ErrUnknownKind = errors.New("unknown backend kind")
	ErrEmptyText   = errors.New("nothing to speak")
	ErrTooLong     = errors.New("message content too long")
	ErrNoSink      = errors.New("no live sink for session")
	ErrQueueClosed = errors.New("playback queue closed")
	// ErrQueueFull means the session already has the maximum number of
	// requests waiting.
	ErrQueueFull = errors.New("playback queue full")
)

// SynthesisError reports a failed backend call for one chunk.
type SynthesisError struct {
	Kind    BackendKind
	Ordinal uint32
	Status  int
	Err     error
}

func (e *SynthesisError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s synthesis failed for chunk %d: status %d: %v", e.Kind, e.Ordinal, e.Status, e.Err)
	}
	return fmt.Sprintf("%s synthesis failed for chunk %d: %v", e.Kind, e.Ordinal, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// IsSkip reports errors that mean "no audio for this request" without being an
// operator-facing failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrBackendDisabled) || errors.Is(err, ErrNoClip) || errors.Is(err, ErrEmptyText)
}
