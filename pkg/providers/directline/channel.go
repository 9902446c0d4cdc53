// Package directline implements chat.Channel on the Bot Framework Direct
// Line 3.0 API: REST for sending and a websocket stream for replies.
package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/avatartalk/pkg/chat"
	"github.com/harunnryd/avatartalk/pkg/errorsx"
	"github.com/harunnryd/avatartalk/pkg/logging"
	"github.com/harunnryd/avatartalk/pkg/redact"
	"github.com/harunnryd/avatartalk/pkg/resilience"
)

const defaultBaseURL = "https://directline.botframework.com"

type Config struct {
	Secret           string `mapstructure:"secret"`
	Token            string `mapstructure:"token"`
	BaseURL          string `mapstructure:"base_url"`
	UserID           string `mapstructure:"user_id"`
	UserName         string `mapstructure:"user_name"`
	Locale           string `mapstructure:"locale"`
	ReconnectRetries int    `mapstructure:"reconnect_retries"`
	TimeoutMS        int    `mapstructure:"timeout_ms"`
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type activity struct {
	Type      string  `json:"type"`
	ID        string  `json:"id,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	From      account `json:"from"`
	Text      string  `json:"text,omitempty"`
	Locale    string  `json:"locale,omitempty"`
	ReplyToID string  `json:"replyToId,omitempty"`
}

type activitySet struct {
	Activities []activity `json:"activities"`
	Watermark  string     `json:"watermark"`
}

type conversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	StreamURL      string `json:"streamUrl"`
	ExpiresIn      int    `json:"expires_in"`
}

// Channel is a Direct Line conversation.
type Channel struct {
	cfg    Config
	http   *http.Client
	dialer websocket.Dialer
	retry  resilience.RetryPolicy
	logger *slog.Logger

	replies      chan chat.Reply
	closeReplies sync.Once

	mu             sync.Mutex
	conversationID string
	token          string
	watermark      string
	conn           *websocket.Conn
	cancel         context.CancelFunc
	done           chan struct{}
	closed         bool
}

func New(cfg Config) *Channel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserID == "" {
		cfg.UserID = "user-" + uuid.NewString()
	}
	if cfg.UserName == "" {
		cfg.UserName = "user"
	}
	if cfg.ReconnectRetries == 0 {
		cfg.ReconnectRetries = 3
	}
	timeout := 15 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Channel{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: timeout},
		retry:   resilience.NewRetryPolicy(cfg.ReconnectRetries, time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "directline"),
		replies: make(chan chat.Reply, 64),
	}
}

func (c *Channel) Name() string { return "directline" }

func (c *Channel) Replies() <-chan chat.Reply { return c.replies }

// Connect starts a conversation and opens the activity stream.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chat.NewConnectError(c.Name(), errors.New("channel closed"))
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	auth := c.cfg.Token
	if auth == "" {
		auth = c.cfg.Secret
	}
	if auth == "" {
		return chat.NewConnectError(c.Name(), errors.New("secret or token is required"))
	}

	var conv conversation
	if err := c.do(ctx, http.MethodPost, "/v3/directline/conversations", auth, nil, &conv); err != nil {
		return chat.NewConnectError(c.Name(), err)
	}
	if conv.Token != "" {
		auth = conv.Token
	}
	conn, err := c.dial(ctx, conv.StreamURL)
	if err != nil {
		return chat.NewConnectError(c.Name(), err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conversationID = conv.ConversationID
	c.token = auth
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(streamCtx, done)
	c.logger.Info("directline_connected",
		slog.String("conversation_id", conv.ConversationID),
		slog.String("user_id", c.cfg.UserID))
	return nil
}

// SendMessage posts a message activity. Failures are not retried.
func (c *Channel) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	id, token := c.conversationID, c.token
	c.mu.Unlock()
	if id == "" {
		return chat.NewSendError(c.Name(), errors.New("not connected"))
	}
	body := activity{
		Type:   "message",
		From:   account{ID: c.cfg.UserID, Name: c.cfg.UserName},
		Text:   text,
		Locale: c.cfg.Locale,
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v3/directline/conversations/"+id+"/activities", token, body, &ack); err != nil {
		return chat.NewSendError(c.Name(), err)
	}
	c.logger.Debug("directline_activity_sent", slog.String("activity_id", ack.ID))
	return nil
}

// Close ends the stream and closes Replies.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn, done := c.cancel, c.conn, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.closeReplies.Do(func() { close(c.replies) })
	c.logger.Info("directline_closed")
	return err
}

func (c *Channel) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("directline_stream_dropped", slog.String("error", err.Error()))
			if rerr := c.reconnect(ctx); rerr != nil {
				if ctx.Err() == nil {
					c.logger.Error("directline_stream_lost",
						slog.String("reason", string(errorsx.ReasonChannelStream)),
						slog.String("error", rerr.Error()))
					c.closeReplies.Do(func() { close(c.replies) })
				}
				return
			}
			continue
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *Channel) handle(ctx context.Context, data []byte) {
	var set activitySet
	if err := json.Unmarshal(data, &set); err != nil {
		c.logger.Warn("directline_bad_payload", slog.String("error", err.Error()))
		return
	}
	if set.Watermark != "" {
		c.mu.Lock()
		c.watermark = set.Watermark
		c.mu.Unlock()
	}
	for _, a := range set.Activities {
		if a.Type != "message" || a.From.ID == c.cfg.UserID || strings.TrimSpace(a.Text) == "" {
			continue
		}
		reply := chat.Reply{ID: a.ID, Text: a.Text, Sender: a.From.ID, Timestamp: time.Now()}
		if ts, err := time.Parse(time.RFC3339Nano, a.Timestamp); err == nil {
			reply.Timestamp = ts
		}
		select {
		case c.replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// reconnect asks for a fresh stream URL from the last watermark.
func (c *Channel) reconnect(ctx context.Context) error {
	return c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		c.mu.Lock()
		id, token, watermark := c.conversationID, c.token, c.watermark
		c.mu.Unlock()

		path := "/v3/directline/conversations/" + id
		if watermark != "" {
			path += "?watermark=" + watermark
		}
		var conv conversation
		if err := c.do(ctx, http.MethodGet, path, token, nil, &conv); err != nil {
			return err
		}
		conn, err := c.dial(ctx, conv.StreamURL)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return context.Canceled
		}
		old := c.conn
		c.conn = conn
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		c.logger.Info("directline_reconnected", slog.Int("attempt", attempt))
		return nil
	})
}

func (c *Channel) dial(ctx context.Context, streamURL string) (*websocket.Conn, error) {
	if streamURL == "" {
		return nil, errors.New("directline: empty stream url")
	}
	c.logger.Debug("directline_stream_dial", slog.String("url", redact.URL(streamURL)))
	conn, resp, err := c.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.RateLimitError{Provider: "directline", Message: resp.Status}
		}
		return nil, fmt.Errorf("directline: open stream: %w", err)
	}
	return conn, nil
}

func (c *Channel) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "directline", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directline: %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("directline: decode response: %w", err)
	}
	return nil
}

var _ chat.Channel = (*Channel)(nil)
