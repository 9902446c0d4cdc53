package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/turn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("DIRECTLINE_SECRET", "s3cret")
	t.Setenv("AVATAR_CHARACTER", "harry")
	path := writeConfig(t, `
avatar:
  character: ${AVATAR_CHARACTER}
  style: business
  fallbacks:
    - {character: lisa, style: casual-sitting}
vendors:
  chat:
    provider: directline
    settings:
      secret: ${DIRECTLINE_SECRET}
      nested: {inner: "${DIRECTLINE_SECRET}"}
turn:
  mode: barge_in
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Avatar.Character != "harry" || cfg.Avatar.Style != "business" {
		t.Fatalf("unexpected appearance %+v", cfg.Avatar.Appearance())
	}
	if len(cfg.Avatar.Fallbacks) != 1 || cfg.Avatar.Fallbacks[0] != (avatar.Appearance{Character: "lisa", Style: "casual-sitting"}) {
		t.Fatalf("unexpected fallbacks %+v", cfg.Avatar.Fallbacks)
	}
	if cfg.Vendors.Chat.Settings["secret"] != "s3cret" {
		t.Fatalf("expected expanded secret, got %v", cfg.Vendors.Chat.Settings["secret"])
	}
	nested, _ := cfg.Vendors.Chat.Settings["nested"].(map[string]any)
	if nested["inner"] != "s3cret" {
		t.Fatalf("expected nested expansion, got %v", cfg.Vendors.Chat.Settings["nested"])
	}
	if cfg.Turn.Policy() != turn.BargeInAllowed {
		t.Fatalf("expected barge-in policy")
	}
	if cfg.Vendors.Transcript.Provider != "mock" || cfg.Avatar.StartRetries != 3 || cfg.Avatar.StartBackoffMS != 2000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Turn.DebounceMS != 150 || cfg.Turn.NearDuplicateChars != 5 || !cfg.Privacy.RedactPII {
		t.Fatalf("turn/privacy defaults not applied: %+v %+v", cfg.Turn, cfg.Privacy)
	}
	if cfg.Avatar.DefaultVoice != avatar.DefaultVoice {
		t.Fatalf("unexpected default voice %q", cfg.Avatar.DefaultVoice)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":     "turn: {mode: shout}\n",
		"fallback": "avatar: {fallbacks: [{character: x}]}\n",
		"provider": "vendors: {chat: {provider: \"\"}}\n",
		"retries":  "avatar: {start_retries: -1}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Turn.Policy() != turn.SuspendMicWhileSpeaking || cfg.Turn.StartMuted {
		t.Fatalf("unexpected turn defaults %+v", cfg.Turn)
	}
}

func TestVendorDecode(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
		Interim    bool   `mapstructure:"interim"`
	}
	vc := VendorConfig{Provider: "deepgram", Settings: map[string]any{
		"API-Key":    "k",
		"sampleRate": "16000",
		"interim":    "true",
	}}
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"sample_rate", "interim"}}
	if err := vc.Decode(schema, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.SampleRate != 16000 || !out.Interim {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestSchemaCheck(t *testing.T) {
	schema := Schema{Required: []string{"secret"}, Optional: []string{"base_url"}}
	err := schema.Check(map[string]any{"secret": "  ", "colour": "blue"})
	if err == nil || !strings.Contains(err.Error(), "missing: secret") || !strings.Contains(err.Error(), "unknown: colour") {
		t.Fatalf("unexpected error %v", err)
	}
	if err := schema.Check(nil); err == nil || !strings.Contains(err.Error(), "missing: secret") {
		t.Fatalf("expected missing secret, got %v", err)
	}
	loose := Schema{AllowUnknown: true}
	if err := loose.Check(map[string]any{"anything": 1}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("DIRECTLINE_SECRET", "dl-secret")
	t.Setenv("AVATAR_SIGNAL_URL", "wss://render.example.com/ws")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "tw-token")

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Vendors.Transcript.Provider != "deepgram" || cfg.Vendors.Chat.Provider != "directline" || cfg.Vendors.Avatar.Provider != "webrtc" {
		t.Fatalf("unexpected vendors %+v", cfg.Vendors)
	}
	if cfg.Relay.Provider != "twilio" || cfg.Relay.Settings["auth_token"] != "tw-token" {
		t.Fatalf("unexpected relay %+v", cfg.Relay)
	}
	if cfg.Vendors.Avatar.Settings["signal_url"] != "wss://render.example.com/ws" {
		t.Fatalf("expected expanded signal url, got %v", cfg.Vendors.Avatar.Settings["signal_url"])
	}
	if len(cfg.Avatar.Fallbacks) != 1 || cfg.Avatar.Fallbacks[0].Character != "harry" {
		t.Fatalf("unexpected fallbacks %+v", cfg.Avatar.Fallbacks)
	}
	if cfg.Turn.Policy() != turn.SuspendMicWhileSpeaking || cfg.Avatar.BreakerThreshold != 3 {
		t.Fatalf("unexpected turn/breaker settings %+v %+v", cfg.Turn, cfg.Avatar)
	}
}
