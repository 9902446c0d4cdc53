package avatar

import (
	"context"
	"strings"

	"github.com/harunnryd/avatartalk/pkg/relay"
)

// Appearance selects the rendered character and its pose/style.
type Appearance struct {
	Character string `mapstructure:"character" json:"character"`
	Style     string `mapstructure:"style" json:"style"`
}

// Valid reports whether both character and style are set.
func (a Appearance) Valid() bool {
	return strings.TrimSpace(a.Character) != "" && strings.TrimSpace(a.Style) != ""
}

func (a Appearance) String() string {
	return a.Character + "/" + a.Style
}

// ConnectionState mirrors the media transport connection states.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Backend negotiates avatar media sessions with a rendering service.
type Backend interface {
	// FetchRelay returns the relay credentials the media transport needs.
	FetchRelay(ctx context.Context) (relay.Credentials, error)
	// Negotiate opens a media session and returns once it first reports
	// connected. onState receives every later connection state change.
	Negotiate(ctx context.Context, creds relay.Credentials, appearance Appearance, onState func(ConnectionState)) (Media, error)
}

// Media is one negotiated avatar session.
type Media interface {
	// Speak renders markup and returns when playback completes, fails, or
	// ctx is cancelled.
	Speak(ctx context.Context, markup string) error
	// StopSpeaking interrupts the current playback.
	StopSpeaking(ctx context.Context) error
	Close() error
}
