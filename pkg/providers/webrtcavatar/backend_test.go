package webrtcavatar

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/relay"
	"github.com/harunnryd/avatartalk/pkg/resilience"
)

type fakePeer struct {
	failConnect bool

	mu      sync.Mutex
	onState func(avatar.ConnectionState)
	answer  string
	closed  bool
}

func (p *fakePeer) Offer(context.Context) (string, error) { return "offer-sdp", nil }

func (p *fakePeer) Accept(answer string) error {
	p.mu.Lock()
	p.answer = answer
	fn := p.onState
	p.mu.Unlock()
	go func() {
		fn(avatar.ConnectionConnecting)
		if p.failConnect {
			fn(avatar.ConnectionFailed)
			return
		}
		fn(avatar.ConnectionConnected)
	}()
	return nil
}

func (p *fakePeer) OnState(fn func(avatar.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// renderer is a scripted signalling server.
type renderer struct {
	upgrader websocket.Upgrader
	// speak decides the reply to a speak request; empty means no reply.
	speak func(msg message) message
	// refuse answers session.start with an error instead of an answer.
	refuse string
	// onSpeak runs before speak; returning false drops the connection.
	onSpeak func(conn *websocket.Conn, msg message) bool

	mu       sync.Mutex
	received []message
	auth     string
}

func (r *renderer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.auth = req.Header.Get("Authorization")
	r.mu.Unlock()
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, msg)
		r.mu.Unlock()

		switch msg.Type {
		case "session.start":
			if r.refuse != "" {
				_ = conn.WriteJSON(message{Type: "error", Code: r.refuse, Message: "refused"})
				continue
			}
			_ = conn.WriteJSON(message{Type: "session.answer", SDP: "answer-sdp"})
		case "speak":
			if r.onSpeak != nil && !r.onSpeak(conn, msg) {
				return
			}
			if r.speak != nil {
				if reply := r.speak(msg); reply.Type != "" {
					_ = conn.WriteJSON(reply)
				}
			}
		case "speak.stop":
			_ = conn.WriteJSON(message{Type: "speak.stopped"})
		}
	}
}

func (r *renderer) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.received...)
}

func newTestBackend(t *testing.T, r *renderer, p *fakePeer) *Backend {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	b := New(Config{SignalURL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "k"}, relay.NewStatic([]string{"turn:relay:3478"}, "u", "p"))
	b.newPeer = func(relay.Credentials, bool, *slog.Logger) (peer, error) { return p, nil }
	return b
}

type stateLog struct {
	mu     sync.Mutex
	states []avatar.ConnectionState
}

func (s *stateLog) add(state avatar.ConnectionState) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *stateLog) snapshot() []avatar.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]avatar.ConnectionState(nil), s.states...)
}

func TestNegotiateExchangesSDPAndReportsConnected(t *testing.T) {
	r := &renderer{}
	p := &fakePeer{}
	b := newTestBackend(t, r, p)
	states := &stateLog{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := b.Negotiate(ctx, relay.Credentials{}, avatar.Appearance{Character: "lisa", Style: "casual-sitting"}, states.add)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer m.Close()

	got := r.messages()
	if len(got) != 1 || got[0].Type != "session.start" || got[0].SDP != "offer-sdp" || got[0].Character != "lisa" || got[0].Style != "casual-sitting" {
		t.Fatalf("unexpected start message %+v", got)
	}
	if got[0].SessionID == "" {
		t.Fatalf("expected a session id")
	}
	r.mu.Lock()
	auth := r.auth
	r.mu.Unlock()
	if auth != "Bearer k" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	p.mu.Lock()
	answer := p.answer
	p.mu.Unlock()
	if answer != "answer-sdp" {
		t.Fatalf("expected answer applied, got %q", answer)
	}
	s := states.snapshot()
	if len(s) < 2 || s[len(s)-1] != avatar.ConnectionConnected {
		t.Fatalf("expected connected last, got %v", s)
	}
}

func TestNegotiateFailedConnection(t *testing.T) {
	p := &fakePeer{failConnect: true}
	b := newTestBackend(t, &renderer{}, p)

	_, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected failed connection error, got %v", err)
	}
	if !p.isClosed() {
		t.Fatalf("expected peer closed after failure")
	}
}

func TestNegotiateRateLimitedByRenderer(t *testing.T) {
	b := newTestBackend(t, &renderer{refuse: "rate_limited"}, &fakePeer{})

	_, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestNegotiateRateLimitedAtHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	b := New(Config{SignalURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)

	_, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestSpeakCompletesAndFails(t *testing.T) {
	r := &renderer{speak: func(msg message) message {
		if strings.Contains(msg.SSML, "bad") {
			return message{Type: "speak.failed", ID: msg.ID, Message: "voice unavailable"}
		}
		return message{Type: "speak.completed", ID: msg.ID}
	}}
	b := newTestBackend(t, r, &fakePeer{})
	m, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer m.Close()

	if err := m.Speak(context.Background(), "<speak>hi</speak>"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	err = m.Speak(context.Background(), "<speak>bad</speak>")
	if err == nil || err.Error() != "voice unavailable" {
		t.Fatalf("expected speak failure, got %v", err)
	}
}

func TestMalformedSignalIsSkipped(t *testing.T) {
	r := &renderer{
		onSpeak: func(conn *websocket.Conn, _ message) bool {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
			return true
		},
		speak: func(msg message) message { return message{Type: "speak.completed", ID: msg.ID} },
	}
	b := newTestBackend(t, r, &fakePeer{})
	m, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer m.Close()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.Speak(ctx, "<speak>hi</speak>")
		cancel()
		if err != nil {
			t.Fatalf("speak %d after malformed frame: %v", i, err)
		}
	}
}

func TestSignallingLossSettlesSpeakAndReportsFailure(t *testing.T) {
	r := &renderer{onSpeak: func(*websocket.Conn, message) bool { return false }}
	b := newTestBackend(t, r, &fakePeer{})
	states := &stateLog{}
	m, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, states.add)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Speak(context.Background(), "<speak>hi</speak>") }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "signalling") {
			t.Fatalf("expected signalling error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("speak still blocked after the signalling socket closed")
	}

	later := make(chan error, 1)
	go func() { later <- m.Speak(context.Background(), "<speak>again</speak>") }()
	select {
	case err := <-later:
		if err == nil {
			t.Fatalf("expected later speak to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("later speak blocked on a lost signalling socket")
	}

	s := states.snapshot()
	if len(s) == 0 || s[len(s)-1] != avatar.ConnectionFailed {
		t.Fatalf("expected failed state after signalling loss, got %v", s)
	}
}

func TestSpeakCancelledByContextAndStop(t *testing.T) {
	b := newTestBackend(t, &renderer{}, &fakePeer{})
	m, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Speak(ctx, "<speak>long</speak>") }()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := m.StopSpeaking(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("speak did not return")
	}
}

func TestCloseFailsPendingSpeak(t *testing.T) {
	p := &fakePeer{}
	b := newTestBackend(t, &renderer{}, p)
	m, err := b.Negotiate(context.Background(), relay.Credentials{}, avatar.Appearance{Character: "a", Style: "b"}, nil)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Speak(context.Background(), "<speak>x</speak>") }()
	time.Sleep(50 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected pending speak to fail on close")
		}
	case <-time.After(time.Second):
		t.Fatalf("speak did not return after close")
	}
	if !p.isClosed() {
		t.Fatalf("expected peer closed")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := m.Speak(context.Background(), "x"); !errors.Is(err, errMediaClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestFetchRelayDelegates(t *testing.T) {
	b := New(Config{}, relay.NewStatic([]string{"turn:a"}, "u", "p"))
	creds, err := b.FetchRelay(context.Background())
	if err != nil || len(creds.URLs) != 1 || creds.Username != "u" {
		t.Fatalf("unexpected creds %+v err=%v", creds, err)
	}
	if _, err := New(Config{}, relay.Static{}).FetchRelay(context.Background()); !errors.Is(err, relay.ErrNoServers) {
		t.Fatalf("expected no servers, got %v", err)
	}
}

func TestICEServersAndStateMapping(t *testing.T) {
	if got := iceServers(relay.Credentials{}); got != nil {
		t.Fatalf("expected no servers, got %v", got)
	}
	servers := iceServers(relay.Credentials{URLs: []string{"turn:a", "stun:b"}, Username: "u", Credential: "c"})
	if len(servers) != 1 || len(servers[0].URLs) != 2 || servers[0].Username != "u" || servers[0].Credential != "c" {
		t.Fatalf("unexpected servers %+v", servers)
	}
	if mapState(webrtc.PeerConnectionStateConnected) != avatar.ConnectionConnected ||
		mapState(webrtc.PeerConnectionStateFailed) != avatar.ConnectionFailed ||
		mapState(webrtc.PeerConnectionStateNew) != avatar.ConnectionNew {
		t.Fatalf("unexpected state mapping")
	}
}

func TestPionPeerCreatesRecvOnlyOffer(t *testing.T) {
	p, err := newPionPeer(relay.Credentials{}, true, slog.Default())
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sdp, err := p.Offer(ctx)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !strings.Contains(sdp, "m=audio") || !strings.Contains(sdp, "m=video") || !strings.Contains(sdp, "a=recvonly") {
		t.Fatalf("unexpected offer:\n%s", sdp)
	}
}
