// Package webrtcavatar implements avatar.Backend against a rendering service
// that signals over a websocket and streams the avatar over WebRTC.
//
// Signalling messages are JSON objects with a "type" field:
//
//	session.start   → {session_id, character, style, sdp}
//	session.answer  ← {sdp}
//	speak           → {id, ssml}
//	speak.completed ← {id}
//	speak.failed    ← {id, message}
//	speak.stop      → {}
//	speak.stopped   ← {}
//	error           ← {code, message}
package webrtcavatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/redact"
	"github.com/harunnryd/avatartalk/pkg/relay"
	"github.com/harunnryd/avatartalk/pkg/resilience"
)

type Config struct {
	SignalURL string `mapstructure:"signal_url"`
	APIKey    string `mapstructure:"api_key"`
	// Video requests a video track next to audio. Defaults to true.
	Video     *bool `mapstructure:"video"`
	TimeoutMS int   `mapstructure:"timeout_ms"`
}

type message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Character string `json:"character,omitempty"`
	Style     string `json:"style,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	SSML      string `json:"ssml,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Backend opens avatar media sessions.
type Backend struct {
	cfg     Config
	relay   relay.Provider
	dialer  websocket.Dialer
	newPeer peerFactory
	logger  *slog.Logger
}

func New(cfg Config, relays relay.Provider) *Backend {
	timeout := 20 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Backend{
		cfg:     cfg,
		relay:   relays,
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: timeout},
		newPeer: newPionPeer,
		logger:  logging.NewComponentLogger(slog.Default(), "webrtc_avatar"),
	}
}

func (b *Backend) FetchRelay(ctx context.Context) (relay.Credentials, error) {
	if b.relay == nil {
		return relay.Credentials{}, nil
	}
	creds, err := b.relay.Fetch(ctx)
	if err != nil {
		return relay.Credentials{}, fmt.Errorf("%s relay: %w", b.relay.Name(), err)
	}
	return creds, nil
}

func (b *Backend) Negotiate(ctx context.Context, creds relay.Credentials, appearance avatar.Appearance, onState func(avatar.ConnectionState)) (avatar.Media, error) {
	if b.cfg.SignalURL == "" {
		return nil, errors.New("webrtc avatar: signal_url is required")
	}
	header := http.Header{}
	if b.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	b.logger.Debug("avatar_signalling_dial",
		slog.String("url", redact.URL(b.cfg.SignalURL)),
		slog.String("character", appearance.Character))
	conn, resp, err := b.dialer.DialContext(ctx, b.cfg.SignalURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.RateLimitError{Provider: "webrtc_avatar", Message: resp.Status}
		}
		return nil, fmt.Errorf("webrtc avatar: dial signalling: %w", err)
	}

	video := b.cfg.Video == nil || *b.cfg.Video
	p, err := b.newPeer(creds, video, b.logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	m := newMedia(conn, p, uuid.NewString(), b.logger)
	m.onState = onState
	connected := make(chan avatar.ConnectionState, 1)
	p.OnState(func(state avatar.ConnectionState) {
		if state == avatar.ConnectionConnected || state == avatar.ConnectionFailed || state == avatar.ConnectionClosed {
			select {
			case connected <- state:
			default:
			}
		}
		if onState != nil {
			onState(state)
		}
	})
	go m.readLoop()

	fail := func(err error) (avatar.Media, error) {
		_ = m.Close()
		return nil, err
	}

	offer, err := p.Offer(ctx)
	if err != nil {
		return fail(err)
	}
	if err := m.send(message{
		Type:      "session.start",
		SessionID: m.sessionID,
		Character: appearance.Character,
		Style:     appearance.Style,
		SDP:       offer,
	}); err != nil {
		return fail(fmt.Errorf("webrtc avatar: send offer: %w", err))
	}

	var answer string
	select {
	case answer = <-m.answers:
	case err := <-m.failed:
		return fail(err)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	if err := p.Accept(answer); err != nil {
		return fail(err)
	}

	select {
	case state := <-connected:
		if state != avatar.ConnectionConnected {
			return fail(fmt.Errorf("webrtc avatar: connection %s", state))
		}
	case err := <-m.failed:
		return fail(err)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	b.logger.Info("avatar_media_connected",
		slog.String("session_id", m.sessionID),
		slog.String("appearance", appearance.String()))
	return m, nil
}

var _ avatar.Backend = (*Backend)(nil)
