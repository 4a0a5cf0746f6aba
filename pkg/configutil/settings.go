// Package configutil decodes the free-form settings block each provider vendor takes.
package configutil

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema names the keys a settings block must and may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError lists what is wrong with a settings block.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// Decode validates input against schema and decodes it into out. Keys match ignoring
// case, underscores and hyphens, so api_key, apiKey and API-KEY land on the same field.
func Decode(input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(input, schema); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

// ValidateSettings returns a *SettingsError when a required key is absent or blank, or
// when a key is outside the schema.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = true
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
	}
	present := make(map[string]bool, len(input))
	e := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		if !blank(v) {
			present[nk] = true
		}
		if !known[nk] && !schema.AllowUnknown {
			e.Unknown = append(e.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			e.Missing = append(e.Missing, k)
		}
	}
	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	slices.Sort(e.Missing)
	slices.Sort(e.Unknown)
	return e
}

// DecodeSettings decodes input into out without validating it. Strings convert to
// numbers, bools and durations.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName:        func(key, field string) bool { return normalizeKey(key) == normalizeKey(field) },
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// RequireString fails when value is blank, naming the config path in the error.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

func blank(v any) bool {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return v == nil
}

var keyFolder = strings.NewReplacer("_", "", "-", "")

func normalizeKey(k string) string { return keyFolder.Replace(strings.ToLower(k)) }
