package avatar

import (
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
)

var (
	// ErrSessionNotActive is returned by speak calls made outside an active session.
	ErrSessionNotActive = errorsx.Sentinel(errorsx.ReasonSessionNotActive, "avatar: session not active")
	// ErrCancelled settles speak requests dropped by StopSpeaking or StopSession.
	ErrCancelled = errorsx.Sentinel(errorsx.ReasonSpeechCancelled, "avatar: speech cancelled")
	// ErrInvalidAppearance rejects a start without character or style.
	ErrInvalidAppearance = errors.New("avatar: character and style are required")
	// ErrEmptyText rejects blank speak requests.
	ErrEmptyText = errors.New("avatar: empty text")
)

// SessionStartError reports a start that failed after the whole retry and
// fallback budget was spent.
type SessionStartError struct {
	Appearance Appearance
	Attempts   int
	Err        error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("avatar: start session %s failed after %d attempt(s): %v", e.Appearance, e.Attempts, e.Err)
}

func (e *SessionStartError) Unwrap() error { return e.Err }

// SpeechSynthesisError reports a single failed speak request. The queue
// keeps running after it.
type SpeechSynthesisError struct {
	RequestID string
	Err       error
}

func (e *SpeechSynthesisError) Error() string {
	return fmt.Sprintf("avatar: speak request %s failed: %v", e.RequestID, e.Err)
}

func (e *SpeechSynthesisError) Unwrap() error { return e.Err }

// StopTimeoutError is logged when the backend does not confirm a stop in time.
type StopTimeoutError struct {
	Timeout time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("avatar: stop speaking not confirmed within %s", e.Timeout)
}
