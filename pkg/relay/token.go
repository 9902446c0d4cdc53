package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/avatartalk/pkg/resilience"
)

// TokenEndpointConfig configures an HTTP relay token endpoint, such as the
// speech service "avatar/relay/token/v1" route.
type TokenEndpointConfig struct {
	URL       string
	Key       string
	KeyHeader string
	Timeout   time.Duration
}

// TokenEndpoint fetches relay credentials with one authenticated GET.
type TokenEndpoint struct {
	cfg    TokenEndpointConfig
	client *http.Client
}

func NewTokenEndpoint(cfg TokenEndpointConfig) *TokenEndpoint {
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "Ocp-Apim-Subscription-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TokenEndpoint{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *TokenEndpoint) Name() string { return "token_endpoint" }

type tokenResponse struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

func (p *TokenEndpoint) Fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("relay token request: %w", err)
	}
	if p.cfg.Key != "" {
		req.Header.Set(p.cfg.KeyHeader, p.cfg.Key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("relay token fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Credentials{}, resilience.RateLimitError{Provider: "relay", Message: resp.Status}
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credentials{}, fmt.Errorf("relay token fetch: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credentials{}, fmt.Errorf("relay token decode: %w", err)
	}
	creds := Credentials{URLs: tr.URLs, Username: tr.Username, Credential: tr.Password}
	if creds.Empty() {
		return Credentials{}, ErrNoServers
	}
	return creds, nil
}
