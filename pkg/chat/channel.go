// Package chat defines the bot conversation channel.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/avatartalk/pkg/errorsx"
)

// Reply is one message received from the bot.
type Reply struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is a bidirectional conversation with a bot.
type Channel interface {
	Name() string
	// Connect opens the conversation. Replies are delivered once it returns.
	Connect(ctx context.Context) error
	// SendMessage posts user text. A sent message is not retractable.
	SendMessage(ctx context.Context, text string) error
	// Replies streams bot messages in arrival order. It is closed by Close.
	Replies() <-chan Reply
	Close() error
}

// SendError reports a message the channel did not accept. It is not retried.
type SendError struct {
	Channel string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chat: %s send failed: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError tags err with the channel_send reason unless it already has one.
func NewSendError(channel string, err error) *SendError {
	return &SendError{Channel: channel, Err: errorsx.Wrap(err, errorsx.ReasonChannelSend)}
}

// ConnectError reports a conversation that could not be opened.
type ConnectError struct {
	Channel string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("chat: %s connect failed: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func NewConnectError(channel string, err error) *ConnectError {
	return &ConnectError{Channel: channel, Err: errorsx.Wrap(err, errorsx.ReasonChannelConnect)}
}
