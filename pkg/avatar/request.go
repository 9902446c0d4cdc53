package avatar

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpeakRequest is one queued utterance for the avatar. It settles exactly once.
type SpeakRequest struct {
	ID       string
	Text     string
	Voice    string
	Markup   string
	Enqueued time.Time

	once   sync.Once
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func newSpeakRequest(text, voice string) *SpeakRequest {
	return &SpeakRequest{
		ID:       uuid.NewString(),
		Text:     text,
		Voice:    voice,
		Markup:   BuildMarkup(text, voice),
		Enqueued: time.Now(),
		done:     make(chan struct{}),
	}
}

// Done is closed once the request settles.
func (r *SpeakRequest) Done() <-chan struct{} { return r.done }

// Err returns the settled outcome; nil while pending or on success.
func (r *SpeakRequest) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the request settles or ctx is done. Abandoning the wait
// does not remove the request from the queue.
func (r *SpeakRequest) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle records err and reports whether this call settled the request.
func (r *SpeakRequest) settle(err error) bool {
	settled := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		settled = true
		if r.cancel != nil {
			r.cancel()
		}
	})
	return settled
}
