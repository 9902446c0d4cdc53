package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/relay"
)

type AvatarConfig struct {
	// CharDuration simulates speaking time per character of text.
	CharDuration time.Duration
	// Hold makes Speak wait for Release instead of a timer.
	Hold bool
	// FailNegotiations fails that many Negotiate calls before succeeding.
	FailNegotiations int
	NegotiateErr     error
	SpeakErr         error
}

// AvatarBackend is an in-memory avatar service.
type AvatarBackend struct {
	cfg   AvatarConfig
	media *AvatarMedia

	mu           sync.Mutex
	negotiations int
	appearances  []avatar.Appearance
}

func NewAvatarBackend(cfg AvatarConfig) *AvatarBackend {
	if cfg.NegotiateErr == nil {
		cfg.NegotiateErr = errors.New("mock avatar: negotiation failed")
	}
	return &AvatarBackend{
		cfg:   cfg,
		media: &AvatarMedia{cfg: cfg, release: make(chan struct{}, 64)},
	}
}

func (b *AvatarBackend) FetchRelay(ctx context.Context) (relay.Credentials, error) {
	return relay.Credentials{URLs: []string{"turn:relay.mock:3478"}, Username: "mock", Credential: "mock"}, nil
}

func (b *AvatarBackend) Negotiate(ctx context.Context, creds relay.Credentials, appearance avatar.Appearance, onState func(avatar.ConnectionState)) (avatar.Media, error) {
	b.mu.Lock()
	b.negotiations++
	b.appearances = append(b.appearances, appearance)
	fail := b.cfg.FailNegotiations > 0
	if fail {
		b.cfg.FailNegotiations--
	}
	b.mu.Unlock()

	onState(avatar.ConnectionConnecting)
	if fail {
		onState(avatar.ConnectionFailed)
		return nil, b.cfg.NegotiateErr
	}
	onState(avatar.ConnectionConnected)
	return b.media, nil
}

func (b *AvatarBackend) Negotiations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.negotiations
}

func (b *AvatarBackend) Media() *AvatarMedia { return b.media }

// AvatarMedia records what it was asked to speak.
type AvatarMedia struct {
	cfg     AvatarConfig
	release chan struct{}

	mu     sync.Mutex
	spoken []string
	stops  int
	closes int
}

func (m *AvatarMedia) Speak(ctx context.Context, markup string) error {
	text := TextOf(markup)
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()

	if m.cfg.SpeakErr != nil {
		return m.cfg.SpeakErr
	}
	if m.cfg.Hold {
		select {
		case <-m.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d := time.Duration(utf8.RuneCountInString(text)) * m.cfg.CharDuration
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release finishes one held Speak call.
func (m *AvatarMedia) Release() {
	m.release <- struct{}{}
}

func (m *AvatarMedia) StopSpeaking(ctx context.Context) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *AvatarMedia) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

// Spoken returns the plain text of every Speak call in order.
func (m *AvatarMedia) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.spoken))
	copy(out, m.spoken)
	return out
}

func (m *AvatarMedia) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// TextOf extracts the spoken text from speech markup built by avatar.BuildMarkup.
func TextOf(markup string) string {
	const open, end = "/>", "</voice>"
	i := strings.Index(markup, open)
	j := strings.LastIndex(markup, end)
	if i < 0 || j < i {
		return markup
	}
	text := markup[i+len(open) : j]
	r := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'", "&#xA;", "\n")
	return r.Replace(text)
}

var (
	_ avatar.Backend = (*AvatarBackend)(nil)
	_ avatar.Media   = (*AvatarMedia)(nil)
)
