package engine

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

func TestResolvePath(t *testing.T) {
	body := decode(t, `{
		"choices": [{"message": {"content": "hello"}}],
		"data": [{"url": "https://img/1.png"}, {"url": "https://img/2.png"}],
		"meta": {"nested": {"deep": 42}}
	}`)

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"choices[0].message.content", "hello", true},
		{"data[1].url", "https://img/2.png", true},
		{"meta.nested.deep", float64(42), true},
		{"choices[5].message.content", nil, false},
		{"missing.path", nil, false},
		{"choices[x]", nil, false},
	}
	for _, tc := range cases {
		got, ok := resolvePath(body, tc.path)
		if ok != tc.ok {
			t.Errorf("%s: ok=%v, want %v", tc.path, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestExtractContent_MappedPath(t *testing.T) {
	body := decode(t, `{"choices": [{"message": {"content": "mapped"}}]}`)
	got, err := extractContent(body, map[string]string{"content": "choices[0].message.content"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mapped" {
		t.Errorf("got %v", got)
	}
}

func TestExtractContent_ArtworkFallback(t *testing.T) {
	body := decode(t, `{"result": {"image": "https://img/a.png"}}`)
	got, err := extractContent(body, map[string]string{
		"content":    "result.text",
		"artworkUrl": "result.image",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://img/a.png" {
		t.Errorf("got %v", got)
	}
}

func TestExtractContent_AudioFallback(t *testing.T) {
	body := decode(t, `{"result": {"audio": "  https://a/x.mp3  "}}`)
	got, err := extractContent(body, map[string]string{
		"content":  "result.text",
		"audioUrl": "result.audio",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "  https://a/x.mp3  " {
		t.Errorf("got %v", got)
	}
}

func TestExtractContent_WellKnownProbes(t *testing.T) {
	body := decode(t, `{"text": "probed"}`)
	got, err := extractContent(body, map[string]string{"content": "nowhere"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "probed" {
		t.Errorf("got %v", got)
	}
}

func TestExtractContent_StringifiesUnknownShape(t *testing.T) {
	body := decode(t, `{"weird": {"shape": true}}`)
	got, err := extractContent(body, map[string]string{"content": "nowhere"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := got.(string)
	if !ok || s == "" {
		t.Errorf("expected stringified body, got %v", got)
	}
}

func TestExtractContent_EmptyBodyStringifiesAsLiteral(t *testing.T) {
	// `{}` is a structured JSON literal, not empty content.
	got, err := extractContent(map[string]any{}, map[string]string{"content": "nowhere"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "{}" {
		t.Errorf("got %v", got)
	}
}

func TestExtractUsage_OpenAI(t *testing.T) {
	body := decode(t, `{"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}}`)
	u := extractUsage(body)
	if u == nil || u.Prompt != 10 || u.Completion != 20 || u.Total != 30 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_Anthropic(t *testing.T) {
	body := decode(t, `{"usage": {"input_tokens": 5, "output_tokens": 7}}`)
	u := extractUsage(body)
	if u == nil || u.Prompt != 5 || u.Completion != 7 || u.Total != 12 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_Absent(t *testing.T) {
	if u := extractUsage(decode(t, `{"choices": []}`)); u != nil {
		t.Errorf("expected nil, got %+v", u)
	}
	if u := extractUsage(decode(t, `{"usage": {}}`)); u != nil {
		t.Errorf("expected nil for empty usage, got %+v", u)
	}
}
