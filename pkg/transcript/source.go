// Package transcript defines the speech-to-text boundary the turn loop
// listens to.
package transcript

import (
	"context"
	"strings"
	"unicode"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
)

// ErrMicrophoneUnavailable is returned by Start when no audio input can be opened.
var ErrMicrophoneUnavailable = errorsx.Sentinel(errorsx.ReasonMicUnavailable, "transcript: microphone unavailable")

// Handlers receive recognizer output. Any of them may be nil.
type Handlers struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

func (h Handlers) Interim(text string) {
	if h.OnInterim != nil {
		h.OnInterim(text)
	}
}

func (h Handlers) Final(text string) {
	if h.OnFinal != nil {
		h.OnFinal(text)
	}
}

func (h Handlers) Error(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

// Source is a streaming recognizer. Start and Stop may be called repeatedly
// as the microphone is suspended and resumed.
type Source interface {
	// Name returns the provider name for logging.
	Name() string
	// Start begins recognition. Calling it while running is a no-op.
	Start(ctx context.Context, h Handlers) error
	// Stop ends recognition. Calling it while stopped is a no-op.
	Stop(ctx context.Context) error
	// CheckMicrophone reports whether audio input can be opened.
	CheckMicrophone(ctx context.Context) (bool, error)
}

// Config is the vendor-agnostic recognizer configuration.
type Config struct {
	Language   string
	SampleRate int
}

// Normalize collapses whitespace and trims text. Recognizers emit stray
// spaces that would otherwise defeat duplicate detection.
func Normalize(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
