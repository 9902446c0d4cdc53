package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/chat"
	"github.com/harunnryd/avatartalk/pkg/config"
	"github.com/harunnryd/avatartalk/pkg/providers/deepgram"
	"github.com/harunnryd/avatartalk/pkg/providers/directline"
	"github.com/harunnryd/avatartalk/pkg/providers/mock"
	"github.com/harunnryd/avatartalk/pkg/providers/webrtcavatar"
	"github.com/harunnryd/avatartalk/pkg/relay"
	"github.com/harunnryd/avatartalk/pkg/transcript"
)

type TranscriptFactory func(vc config.VendorConfig, cfg config.Config) (transcript.Source, error)
type ChatFactory func(vc config.VendorConfig, cfg config.Config) (chat.Channel, error)
type AvatarFactory func(vc config.VendorConfig, cfg config.Config, relays relay.Provider) (avatar.Backend, error)
type RelayFactory func(vc config.VendorConfig, cfg config.Config) (relay.Provider, error)

// Registry maps provider names to constructors.
type Registry struct {
	transcript map[string]TranscriptFactory
	chat       map[string]ChatFactory
	avatar     map[string]AvatarFactory
	relay      map[string]RelayFactory
}

func NewRegistry() *Registry {
	return &Registry{
		transcript: make(map[string]TranscriptFactory),
		chat:       make(map[string]ChatFactory),
		avatar:     make(map[string]AvatarFactory),
		relay:      make(map[string]RelayFactory),
	}
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterTranscript("mock", buildMockTranscript)
	r.RegisterTranscript("deepgram", buildDeepgram)
	r.RegisterChat("mock", buildMockChat)
	r.RegisterChat("directline", buildDirectLine)
	r.RegisterAvatar("mock", buildMockAvatar)
	r.RegisterAvatar("webrtc", buildWebRTCAvatar)
	r.RegisterRelay("static", buildStaticRelay)
	r.RegisterRelay("token_endpoint", buildTokenRelay)
	r.RegisterRelay("twilio", buildTwilioRelay)
	return r
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) RegisterTranscript(name string, f TranscriptFactory) { r.transcript[key(name)] = f }
func (r *Registry) RegisterChat(name string, f ChatFactory)             { r.chat[key(name)] = f }
func (r *Registry) RegisterAvatar(name string, f AvatarFactory)         { r.avatar[key(name)] = f }
func (r *Registry) RegisterRelay(name string, f RelayFactory)           { r.relay[key(name)] = f }

func (r *Registry) BuildTranscript(cfg config.Config) (transcript.Source, error) {
	vc := cfg.Vendors.Transcript
	fn := r.transcript[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcript provider not registered: %s", vc.Provider)
	}
	return fn(vc, cfg)
}

func (r *Registry) BuildChat(cfg config.Config) (chat.Channel, error) {
	vc := cfg.Vendors.Chat
	fn := r.chat[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("chat provider not registered: %s", vc.Provider)
	}
	return fn(vc, cfg)
}

func (r *Registry) BuildRelay(cfg config.Config) (relay.Provider, error) {
	vc := cfg.Relay
	if key(vc.Provider) == "" {
		return nil, nil
	}
	fn := r.relay[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("relay provider not registered: %s", vc.Provider)
	}
	return fn(vc, cfg)
}

func (r *Registry) BuildAvatar(cfg config.Config, relays relay.Provider) (avatar.Backend, error) {
	vc := cfg.Vendors.Avatar
	fn := r.avatar[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("avatar provider not registered: %s", vc.Provider)
	}
	return fn(vc, cfg, relays)
}

// Names lists the registered providers per kind, sorted.
func (r *Registry) Names() map[string][]string {
	return map[string][]string{
		"transcript": sortedKeys(r.transcript),
		"chat":       sortedKeys(r.chat),
		"avatar":     sortedKeys(r.avatar),
		"relay":      sortedKeys(r.relay),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	deepgramSchema = config.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms", "audio_path", "realtime"},
	}
	directLineSchema = config.Schema{
		Optional: []string{"secret", "token", "base_url", "user_id", "user_name", "locale", "reconnect_retries", "timeout_ms"},
	}
	webrtcSchema = config.Schema{
		Required: []string{"signal_url"},
		Optional: []string{"api_key", "video", "timeout_ms"},
	}
	staticRelaySchema = config.Schema{Required: []string{"urls"}, Optional: []string{"username", "credential"}}
	tokenRelaySchema  = config.Schema{Required: []string{"url"}, Optional: []string{"key", "key_header", "timeout_ms"}}
	twilioRelaySchema = config.Schema{Required: []string{"account_sid", "auth_token"}, Optional: []string{"ttl_seconds"}}
	mockSchema        = config.Schema{AllowUnknown: true}
)

func buildDeepgram(vc config.VendorConfig, cfg config.Config) (transcript.Source, error) {
	var dc deepgram.Config
	if err := vc.Decode(deepgramSchema, &dc); err != nil {
		return nil, err
	}
	if dc.Language == "" {
		dc.Language = cfg.Turn.Language
	}
	return deepgram.New(dc), nil
}

func buildDirectLine(vc config.VendorConfig, cfg config.Config) (chat.Channel, error) {
	var dc directline.Config
	if err := vc.Decode(directLineSchema, &dc); err != nil {
		return nil, err
	}
	if dc.Secret == "" && dc.Token == "" {
		return nil, fmt.Errorf("directline settings: secret or token is required")
	}
	if dc.Locale == "" {
		dc.Locale = cfg.Turn.Language
	}
	return directline.New(dc), nil
}

func buildWebRTCAvatar(vc config.VendorConfig, _ config.Config, relays relay.Provider) (avatar.Backend, error) {
	var wc webrtcavatar.Config
	if err := vc.Decode(webrtcSchema, &wc); err != nil {
		return nil, err
	}
	return webrtcavatar.New(wc, relays), nil
}

func buildStaticRelay(vc config.VendorConfig, _ config.Config) (relay.Provider, error) {
	if len(vc.Settings) == 0 {
		return nil, nil
	}
	var sc struct {
		URLs       []string `mapstructure:"urls"`
		Username   string   `mapstructure:"username"`
		Credential string   `mapstructure:"credential"`
	}
	if err := vc.Decode(staticRelaySchema, &sc); err != nil {
		return nil, err
	}
	return relay.NewStatic(sc.URLs, sc.Username, sc.Credential), nil
}

func buildTokenRelay(vc config.VendorConfig, _ config.Config) (relay.Provider, error) {
	var tc struct {
		URL       string `mapstructure:"url"`
		Key       string `mapstructure:"key"`
		KeyHeader string `mapstructure:"key_header"`
		TimeoutMS int    `mapstructure:"timeout_ms"`
	}
	if err := vc.Decode(tokenRelaySchema, &tc); err != nil {
		return nil, err
	}
	return relay.NewTokenEndpoint(relay.TokenEndpointConfig{
		URL:       tc.URL,
		Key:       tc.Key,
		KeyHeader: tc.KeyHeader,
		Timeout:   time.Duration(tc.TimeoutMS) * time.Millisecond,
	}), nil
}

func buildTwilioRelay(vc config.VendorConfig, _ config.Config) (relay.Provider, error) {
	var tc struct {
		AccountSID string `mapstructure:"account_sid"`
		AuthToken  string `mapstructure:"auth_token"`
		TTLSeconds int    `mapstructure:"ttl_seconds"`
	}
	if err := vc.Decode(twilioRelaySchema, &tc); err != nil {
		return nil, err
	}
	return relay.NewTwilio(relay.TwilioConfig{
		AccountSID: tc.AccountSID,
		AuthToken:  tc.AuthToken,
		TTL:        time.Duration(tc.TTLSeconds) * time.Second,
	}), nil
}

func buildMockTranscript(vc config.VendorConfig, _ config.Config) (transcript.Source, error) {
	var mc struct {
		Script         []string `mapstructure:"script"`
		IntervalMS     int      `mapstructure:"interval_ms"`
		MicUnavailable bool     `mapstructure:"mic_unavailable"`
	}
	if err := vc.Decode(mockSchema, &mc); err != nil {
		return nil, err
	}
	return mock.NewTranscriptSource(mock.TranscriptConfig{
		Script:         mc.Script,
		Interval:       time.Duration(mc.IntervalMS) * time.Millisecond,
		MicUnavailable: mc.MicUnavailable,
	}), nil
}

func buildMockChat(vc config.VendorConfig, _ config.Config) (chat.Channel, error) {
	var mc struct {
		Prefix   string `mapstructure:"prefix"`
		Greeting string `mapstructure:"greeting"`
		DelayMS  int    `mapstructure:"delay_ms"`
	}
	if err := vc.Decode(mockSchema, &mc); err != nil {
		return nil, err
	}
	return mock.NewChatChannel(mock.ChatConfig{
		Prefix:   mc.Prefix,
		Greeting: mc.Greeting,
		Delay:    time.Duration(mc.DelayMS) * time.Millisecond,
	}), nil
}

func buildMockAvatar(vc config.VendorConfig, _ config.Config, _ relay.Provider) (avatar.Backend, error) {
	var mc struct {
		CharDurationMS   int `mapstructure:"char_duration_ms"`
		FailNegotiations int `mapstructure:"fail_negotiations"`
	}
	if err := vc.Decode(mockSchema, &mc); err != nil {
		return nil, err
	}
	return mock.NewAvatarBackend(mock.AvatarConfig{
		CharDuration:     time.Duration(mc.CharDurationMS) * time.Millisecond,
		FailNegotiations: mc.FailNegotiations,
	}), nil
}
