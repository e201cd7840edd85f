package configutil

import (
	"strings"
	"testing"
	"time"
)

type voskSettings struct {
	ModelPath   string `mapstructure:"model_path"`
	MaxAlts     *int   `mapstructure:"max_alternatives"`
	Words       *bool  `mapstructure:"words"`
	SpeakerPath string `mapstructure:"speaker_model_path"`
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"model-path": " ", "colour": "red"}, Schema{
		Required: []string{"model_path"},
		Optional: []string{"words"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: model_path") || !strings.Contains(msg, "unknown: colour") {
		t.Fatalf("expected missing and unknown keys, got %q", msg)
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"model_path": "m", "extra": 1}, Schema{
		Required:     []string{"model_path"},
		AllowUnknown: true,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestDecodeNormalizesKeysAndWeakTypes(t *testing.T) {
	var out voskSettings
	err := Decode("recognizer.settings", map[string]any{
		"Model-Path":       "model",
		"max_alternatives": "3",
		"words":            "true",
	}, Schema{Required: []string{"model_path"}, Optional: []string{"max_alternatives", "words", "speaker_model_path"}}, &out)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.ModelPath != "model" {
		t.Fatalf("expected model path, got %q", out.ModelPath)
	}
	if IntValue(out.MaxAlts, 0) != 3 || !BoolValue(out.Words, false) {
		t.Fatalf("expected weakly typed values, got %+v", out)
	}
}

func TestDecodePrefixesPath(t *testing.T) {
	var out voskSettings
	err := Decode("recognizer.settings", map[string]any{}, Schema{Required: []string{"model_path"}}, &out)
	if err == nil || !strings.HasPrefix(err.Error(), "recognizer.settings: ") {
		t.Fatalf("expected prefixed error, got %v", err)
	}
}

func TestHelpers(t *testing.T) {
	if err := RequireString("  ", "a.b"); err == nil || err.Error() != "a.b is required" {
		t.Fatalf("expected required error, got %v", err)
	}
	if Millis(0, time.Second) != time.Second || Millis(250, time.Second) != 250*time.Millisecond {
		t.Fatalf("unexpected Millis conversion")
	}
}
