package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// VendorConfig selects a provider and carries its free-form settings.
type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// Schema lists the settings keys a provider understands.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// Decode checks the settings against schema and decodes them into out.
// Keys match case, underscore and hyphen insensitively.
func (v VendorConfig) Decode(schema Schema, out any) error {
	if err := schema.Check(v.Settings); err != nil {
		return fmt.Errorf("%s settings: %w", v.Provider, err)
	}
	if len(v.Settings) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(v.Settings); err != nil {
		return fmt.Errorf("%s settings: %w", v.Provider, err)
	}
	return nil
}

// Check reports missing required keys and, unless AllowUnknown, keys the
// schema does not name.
func (s Schema) Check(settings map[string]any) error {
	required := make(map[string]string, len(s.Required))
	allowed := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(settings))
	for k, v := range settings {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !s.AllowUnknown {
			unknown = append(unknown, k)
		}
		if name, ok := required[nk]; ok && isEmpty(v) {
			missing = append(missing, name)
		}
	}
	for nk, name := range required {
		if !seen[nk] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}
