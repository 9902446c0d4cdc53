package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type tokenCreator interface {
	CreateToken(params *api.CreateTokenParams) (*api.ApiV2010Token, error)
}

// TwilioConfig holds Network Traversal Service credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	TTL        time.Duration
}

// Twilio mints short-lived TURN credentials from the Network Traversal Service.
type Twilio struct {
	cfg    TwilioConfig
	client tokenCreator
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Twilio{cfg: cfg}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Fetch(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return Credentials{}, errors.New("missing twilio credentials")
	}
	client := t.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateTokenParams{}
	params.SetTtl(int(t.cfg.TTL.Seconds()))

	token, err := client.CreateToken(params)
	if err != nil {
		return Credentials{}, fmt.Errorf("twilio token: %w", err)
	}
	return credentialsFromToken(token, time.Now())
}

func credentialsFromToken(token *api.ApiV2010Token, now time.Time) (Credentials, error) {
	if token == nil || token.IceServers == nil {
		return Credentials{}, ErrNoServers
	}
	var creds Credentials
	for _, server := range *token.IceServers {
		url := server.Urls
		if url == "" {
			url = server.Url
		}
		creds.URLs = append(creds.URLs, splitURLs(url)...)
		if creds.Username == "" && server.Username != "" {
			creds.Username = server.Username
			creds.Credential = server.Credential
		}
	}
	if creds.Username == "" && token.Username != nil {
		creds.Username = *token.Username
	}
	if creds.Credential == "" && token.Password != nil {
		creds.Credential = *token.Password
	}
	if token.Ttl != nil {
		if secs, err := strconv.Atoi(*token.Ttl); err == nil && secs > 0 {
			creds.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
		}
	}
	if creds.Empty() {
		return Credentials{}, ErrNoServers
	}
	return creds, nil
}
