package configutil

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
)

// DecodeSettings decodes a free-form settings map into a typed struct.
// Keys match fields ignoring case, underscores and hyphens; durations and
// comma separated lists are accepted as strings.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode settings: %w", err), errorsx.ReasonConfig)
	}
	return nil
}

// ExpandEnv replaces ${VAR} references in every string value of a settings
// tree, descending into nested maps and lists.
func ExpandEnv(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case map[string]any:
		return ExpandEnv(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = expandValue(item)
		}
		return items
	default:
		return v
	}
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return errorsx.Newf(errorsx.ReasonConfig, "%s is required", path)
	}
	return nil
}

// OneOf ensures value is one of allowed.
func OneOf(value, path string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return errorsx.Newf(errorsx.ReasonConfig, "%s must be one of %s, got %q", path, strings.Join(allowed, ", "), value)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
