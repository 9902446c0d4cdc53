// Package config loads the avatartalk YAML configuration.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/avatartalk/pkg/avatar"
	"github.com/harunnryd/avatartalk/pkg/turn"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Avatar        AvatarConfig        `mapstructure:"avatar"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Relay         VendorConfig        `mapstructure:"relay"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type AvatarConfig struct {
	Character      string              `mapstructure:"character"`
	Style          string              `mapstructure:"style"`
	DefaultVoice   string              `mapstructure:"default_voice"`
	StopTimeoutMS  int                 `mapstructure:"stop_timeout_ms"`
	StartRetries   int                 `mapstructure:"start_retries"`
	StartBackoffMS int                 `mapstructure:"start_backoff_ms"`
	Fallbacks      []avatar.Appearance `mapstructure:"fallbacks"`
	// BreakerThreshold opens the rate-limit breaker after that many
	// consecutive rate-limited starts. Zero disables it.
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

func (a AvatarConfig) Appearance() avatar.Appearance {
	return avatar.Appearance{Character: a.Character, Style: a.Style}
}

func (a AvatarConfig) StopTimeout() time.Duration {
	return time.Duration(a.StopTimeoutMS) * time.Millisecond
}

func (a AvatarConfig) StartBackoff() time.Duration {
	return time.Duration(a.StartBackoffMS) * time.Millisecond
}

type VendorsConfig struct {
	Transcript VendorConfig `mapstructure:"transcript"`
	Chat       VendorConfig `mapstructure:"chat"`
	Avatar     VendorConfig `mapstructure:"avatar"`
}

type TurnConfig struct {
	Mode               string `mapstructure:"mode"`
	StartMuted         bool   `mapstructure:"start_muted"`
	DebounceMS         int    `mapstructure:"debounce_ms"`
	NearDuplicateChars int    `mapstructure:"near_duplicate_chars"`
	Language           string `mapstructure:"language"`
	InterruptOnBargeIn bool   `mapstructure:"interrupt_on_barge_in"`
	HistoryLimit       int    `mapstructure:"history_limit"`
}

// Policy parses Mode. Validate has already rejected unknown modes.
func (t TurnConfig) Policy() turn.InterlockPolicy {
	p, _ := turn.ParseInterlockPolicy(t.Mode)
	return p
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	EventTopic    string `mapstructure:"event_topic"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("avatar.character", "lisa")
	v.SetDefault("avatar.style", "casual-sitting")
	v.SetDefault("avatar.default_voice", avatar.DefaultVoice)
	v.SetDefault("avatar.stop_timeout_ms", 1000)
	v.SetDefault("avatar.start_retries", 3)
	v.SetDefault("avatar.start_backoff_ms", 2000)
	v.SetDefault("avatar.breaker_threshold", 3)
	v.SetDefault("avatar.breaker_cooldown_ms", 30000)
	v.SetDefault("vendors.transcript.provider", "mock")
	v.SetDefault("vendors.chat.provider", "mock")
	v.SetDefault("vendors.avatar.provider", "mock")
	v.SetDefault("relay.provider", "static")
	v.SetDefault("turn.mode", "suspend_mic")
	v.SetDefault("turn.start_muted", false)
	v.SetDefault("turn.debounce_ms", int(turn.DefaultDebounce/time.Millisecond))
	v.SetDefault("turn.near_duplicate_chars", turn.DefaultNearDuplicateChars)
	v.SetDefault("turn.language", "en-US")
	v.SetDefault("turn.interrupt_on_barge_in", true)
	v.SetDefault("turn.history_limit", 200)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.event_topic", "avatar.events")
	v.SetDefault("privacy.redact_pii", true)
}

// Default returns the configuration used when no file is given: every
// vendor is the in-memory mock.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !c.Avatar.Appearance().Valid() {
		return fmt.Errorf("avatar.character and avatar.style are required")
	}
	for i, fb := range c.Avatar.Fallbacks {
		if !fb.Valid() {
			return fmt.Errorf("avatar.fallbacks[%d] needs character and style", i)
		}
	}
	if c.Avatar.StartRetries < 0 {
		return fmt.Errorf("avatar.start_retries must not be negative")
	}
	vendors := map[string]VendorConfig{
		"vendors.transcript": c.Vendors.Transcript,
		"vendors.chat":       c.Vendors.Chat,
		"vendors.avatar":     c.Vendors.Avatar,
	}
	for path, vc := range vendors {
		if strings.TrimSpace(vc.Provider) == "" {
			return fmt.Errorf("%s.provider is required", path)
		}
	}
	if _, err := turn.ParseInterlockPolicy(c.Turn.Mode); err != nil {
		return fmt.Errorf("turn.mode: %w", err)
	}
	if c.Turn.DebounceMS < 0 {
		return fmt.Errorf("turn.debounce_ms must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.Transcript.Settings = expandSettings(cfg.Vendors.Transcript.Settings)
	cfg.Vendors.Chat.Settings = expandSettings(cfg.Vendors.Chat.Settings)
	cfg.Vendors.Avatar.Settings = expandSettings(cfg.Vendors.Avatar.Settings)
	cfg.Relay.Settings = expandSettings(cfg.Relay.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		return expandSettings(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(v)
			}
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
