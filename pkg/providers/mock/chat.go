package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatartalk/pkg/chat"
)

type ChatConfig struct {
	// Reply builds the bot answer; nil echoes with Prefix.
	Reply      func(text string) string
	Prefix     string
	Greeting   string
	Delay      time.Duration
	ConnectErr error
}

// ChatChannel is an in-memory bot that answers every message.
type ChatChannel struct {
	cfg     ChatConfig
	replies chan chat.Reply

	mu        sync.Mutex
	connected bool
	closed    bool
	sendErr   error
	gate      chan struct{}
	sent      []string
}

func NewChatChannel(cfg ChatConfig) *ChatChannel {
	if cfg.Reply == nil {
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "You said: "
		}
		cfg.Reply = func(text string) string { return prefix + text }
	}
	return &ChatChannel{cfg: cfg, replies: make(chan chat.Reply, 64)}
}

func (c *ChatChannel) Name() string { return "mock_chat" }

func (c *ChatChannel) Connect(ctx context.Context) error {
	if c.cfg.ConnectErr != nil {
		return c.cfg.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.cfg.Greeting != "" {
		c.Push(c.cfg.Greeting)
	}
	return nil
}

func (c *ChatChannel) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return errors.New("mock chat: not connected")
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	gate := c.gate
	c.sent = append(c.sent, text)
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	reply := c.cfg.Reply(text)
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	if c.cfg.Delay <= 0 {
		c.Push(reply)
		return nil
	}
	time.AfterFunc(c.cfg.Delay, func() { c.Push(reply) })
	return nil
}

// Push delivers a bot message as if the bot sent it unprompted.
func (c *ChatChannel) Push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.replies <- chat.Reply{ID: uuid.NewString(), Text: text, Sender: "bot", Timestamp: time.Now()}:
	default:
	}
}

func (c *ChatChannel) Replies() <-chan chat.Reply { return c.replies }

func (c *ChatChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.replies)
	return nil
}

// SetSendError makes every following SendMessage fail with err.
func (c *ChatChannel) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// HoldSends blocks SendMessage until the returned func is called.
func (c *ChatChannel) HoldSends() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Sent returns every message accepted so far.
func (c *ChatChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

var _ chat.Channel = (*ChatChannel)(nil)
