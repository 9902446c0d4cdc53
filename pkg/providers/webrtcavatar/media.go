package webrtcavatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/resilience"
)

var errMediaClosed = errors.New("webrtc avatar: media closed")

type media struct {
	conn      *websocket.Conn
	peer      peer
	sessionID string
	logger    *slog.Logger
	// onState hears ConnectionFailed when the signalling socket is lost.
	onState func(avatar.ConnectionState)

	writeMu sync.Mutex

	answers chan string
	failed  chan error
	stopped chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool
	lost    error
}

func newMedia(conn *websocket.Conn, p peer, sessionID string, logger *slog.Logger) *media {
	return &media{
		conn:      conn,
		peer:      p,
		sessionID: sessionID,
		logger:    logger,
		answers:   make(chan string, 1),
		failed:    make(chan error, 1),
		stopped:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		pending:   make(map[string]chan error),
	}
}

func (m *media) send(msg message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(msg)
}

// readLoop owns the signalling socket for the life of the media session.
// Frames that are not valid JSON are skipped.
func (m *media) readLoop() {
	defer close(m.done)
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.signallingLost(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("avatar_signal_malformed", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case "session.answer":
			select {
			case m.answers <- msg.SDP:
			default:
			}
		case "speak.completed":
			m.settle(msg.ID, nil)
		case "speak.failed":
			m.settle(msg.ID, errors.New(msg.Message))
		case "speak.stopped":
			select {
			case m.stopped <- struct{}{}:
			default:
			}
		case "error":
			err := errors.New(msg.Message)
			if msg.Code == "rate_limited" {
				err = resilience.RateLimitError{Provider: "webrtc_avatar", Message: msg.Message}
			}
			if msg.ID != "" {
				m.settle(msg.ID, err)
				continue
			}
			select {
			case m.failed <- err:
			default:
			}
		default:
			m.logger.Debug("avatar_signal_ignored", slog.String("type", msg.Type))
		}
	}
}

func (m *media) signallingLost(err error) {
	lost := fmt.Errorf("webrtc avatar: signalling: %w", err)
	m.mu.Lock()
	closed := m.closed
	m.lost = lost
	m.mu.Unlock()
	if !closed {
		m.logger.Warn("avatar_signalling_lost", slog.String("error", err.Error()))
		if m.onState != nil {
			m.onState(avatar.ConnectionFailed)
		}
	}
	m.failAll(lost)
}

func (m *media) settle(id string, err error) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (m *media) failAll(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan error)
	m.mu.Unlock()
	for _, ch := range pending {
		ch <- err
	}
	select {
	case m.failed <- err:
	default:
	}
}

func (m *media) Speak(ctx context.Context, markup string) error {
	id := uuid.NewString()
	result := make(chan error, 1)

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return errMediaClosed
	case m.lost != nil:
		lost := m.lost
		m.mu.Unlock()
		return lost
	}
	m.pending[id] = result
	m.mu.Unlock()

	if err := m.send(message{Type: "speak", ID: id, SSML: markup}); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return fmt.Errorf("webrtc avatar: send speak: %w", err)
	}

	select {
	case err := <-result:
		return err
	case <-m.done:
		// failAll may have raced the registration above.
		select {
		case err := <-result:
			return err
		default:
		}
		m.mu.Lock()
		delete(m.pending, id)
		lost, closed := m.lost, m.closed
		m.mu.Unlock()
		if closed || lost == nil {
			return errMediaClosed
		}
		return lost
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *media) StopSpeaking(ctx context.Context) error {
	select {
	case <-m.stopped:
	default:
	}
	if err := m.send(message{Type: "speak.stop"}); err != nil {
		return fmt.Errorf("webrtc avatar: send stop: %w", err)
	}
	select {
	case <-m.stopped:
		return nil
	case <-m.done:
		return errMediaClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *media) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.writeMu.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	err := m.conn.Close()
	<-m.done
	if perr := m.peer.Close(); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

var _ avatar.Media = (*media)(nil)
