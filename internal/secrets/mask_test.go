package secrets

import (
	"strings"
	"testing"
)

const sampleKey = "sk-abcdefghijklmnopqrstuvwxyz1234567890abcdef"

func TestMask_PreservesEdges(t *testing.T) {
	masked := Mask(sampleKey)

	if !strings.HasPrefix(masked, "sk-a") {
		t.Errorf("mask should preserve first 4 chars, got %q", masked)
	}
	if !strings.HasSuffix(masked, "cdef") {
		t.Errorf("mask should preserve last 4 chars, got %q", masked)
	}
	if !strings.Contains(masked, "*") {
		t.Errorf("mask should contain at least one asterisk, got %q", masked)
	}
	if strings.Contains(masked, sampleKey[4:len(sampleKey)-4]) {
		t.Error("mask must not contain the key body")
	}
}

func TestMask_ShortValuesFullyRedacted(t *testing.T) {
	for _, v := range []string{"", "x", "12345678"} {
		if got := Mask(v); got != "***REDACTED***" {
			t.Errorf("Mask(%q) = %q, want ***REDACTED***", v, got)
		}
	}
}

func TestMaskedDisplay(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "[NOT SET]"},
		{"short", "***"},
		{sampleKey, "sk-a...cdef"},
	}
	for _, tt := range tests {
		if got := MaskedDisplay(tt.in); got != tt.want {
			t.Errorf("MaskedDisplay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskString_ReplacesEmbeddedKeys(t *testing.T) {
	msg := "HTTP 401: Unauthorized - invalid key " + sampleKey + " supplied"
	out := MaskString(msg)

	if strings.Contains(out, sampleKey) {
		t.Error("raw key must not survive MaskString")
	}
	if !strings.Contains(out, "sk-a") {
		t.Errorf("masked key should keep its prefix, got %q", out)
	}
}

func TestContainsSecrets_KeyBased(t *testing.T) {
	obj := map[string]any{
		"api_key": sampleKey,
		"prompt":  "hello",
	}

	has, paths := ContainsSecrets(obj)
	if !has {
		t.Fatal("expected secrets to be detected")
	}
	if len(paths) != 1 || paths[0] != "api_key" {
		t.Errorf("expected [api_key], got %v", paths)
	}
}

func TestContainsSecrets_ValueBased(t *testing.T) {
	obj := map[string]any{
		"note": "use " + sampleKey + " for auth",
	}
	if has, _ := ContainsSecrets(obj); !has {
		t.Error("secret-shaped value should be detected regardless of key name")
	}
}

func TestContainsSecrets_Clean(t *testing.T) {
	obj := map[string]any{
		"prompt":      "describe this artwork",
		"temperature": 0.7,
		"tags":        []any{"impressionism", "oil"},
	}
	if has, paths := ContainsSecrets(obj); has {
		t.Errorf("no secrets expected, got paths %v", paths)
	}
}

func TestSanitizeForLogging(t *testing.T) {
	obj := map[string]any{
		"api_key": sampleKey,
		"nested": map[string]any{
			"authorization": "Bearer " + sampleKey,
		},
		"prompt": "hello",
	}

	out, ok := SanitizeForLogging(obj).(map[string]any)
	if !ok {
		t.Fatal("expected a map back")
	}

	if v := out["api_key"].(string); !strings.Contains(v, "*") || strings.Contains(v, sampleKey) {
		t.Errorf("api_key not masked: %q", v)
	}
	nested := out["nested"].(map[string]any)
	if v := nested["authorization"].(string); strings.Contains(v, sampleKey) {
		t.Errorf("nested authorization not masked: %q", v)
	}
	if out["prompt"] != "hello" {
		t.Errorf("non-secret value must be untouched, got %v", out["prompt"])
	}

	// Original must not be modified.
	if obj["api_key"] != sampleKey {
		t.Error("input map was mutated")
	}
}
