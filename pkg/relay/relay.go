// Package relay fetches the ICE/TURN relay credentials an avatar media
// session needs before it can negotiate.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoServers is returned when a provider yields no usable relay URL.
var ErrNoServers = errors.New("relay: no servers")

// Credentials describe one TURN/STUN relay set.
type Credentials struct {
	URLs       []string
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// Empty reports whether no relay URL is present.
func (c Credentials) Empty() bool {
	for _, u := range c.URLs {
		if strings.TrimSpace(u) != "" {
			return false
		}
	}
	return true
}

// Expired reports whether the credentials carry an expiry already in the past.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Provider fetches relay credentials.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials.
type Static struct {
	Creds Credentials
}

func NewStatic(urls []string, username, credential string) Static {
	return Static{Creds: Credentials{URLs: urls, Username: username, Credential: credential}}
}

func (Static) Name() string { return "static" }

func (s Static) Fetch(context.Context) (Credentials, error) {
	if s.Creds.Empty() {
		return Credentials{}, ErrNoServers
	}
	return s.Creds, nil
}

func splitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
