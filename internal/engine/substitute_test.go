package engine

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/museflow/ai-gateway/internal/providers"
)

func TestSubstitutionContext(t *testing.T) {
	req := &providers.ProviderRequest{
		Payload: map[string]any{"prompt": "write a haiku"},
		Options: &providers.RequestOptions{
			Model:       "gpt-4o",
			Temperature: 0.7,
			MaxTokens:   256,
			Extra:       map[string]any{"style": "vivid"},
		},
	}
	ctx := substitutionContext(req)

	if ctx["prompt"] != "write a haiku" {
		t.Errorf("prompt = %v", ctx["prompt"])
	}
	if ctx["model"] != "gpt-4o" {
		t.Errorf("model = %v", ctx["model"])
	}
	if ctx["temperature"] != 0.7 {
		t.Errorf("temperature = %v", ctx["temperature"])
	}
	if ctx["maxTokens"] != 256 || ctx["max_tokens"] != 256 {
		t.Errorf("maxTokens = %v / %v", ctx["maxTokens"], ctx["max_tokens"])
	}
	if ctx["style"] != "vivid" {
		t.Errorf("extra option missing: %v", ctx["style"])
	}
}

func TestSubstitutionContext_Modality(t *testing.T) {
	cases := []struct {
		op   providers.Operation
		want string
	}{
		{providers.OpTextGeneration, "text"},
		{providers.OpTextAnalysis, "text"},
		{providers.OpMusicGeneration, "music"},
		{providers.OpImageGeneration, "image"},
		{providers.OpAudioTranscription, "audio"},
	}
	for _, tc := range cases {
		req := &providers.ProviderRequest{
			Operation: tc.op,
			Payload:   map[string]any{"prompt": "x"},
		}
		if got := substitutionContext(req)["modality"]; got != tc.want {
			t.Errorf("%s: modality = %v, want %s", tc.op, got, tc.want)
		}
	}

	// An explicit payload value wins over the derived one.
	req := &providers.ProviderRequest{
		Operation: providers.OpMusicGeneration,
		Payload:   map[string]any{"modality": "instrumental"},
	}
	if got := substitutionContext(req)["modality"]; got != "instrumental" {
		t.Errorf("payload override lost: %v", got)
	}
}

func TestRenderString(t *testing.T) {
	ctx := map[string]any{"model": "claude-3", "n": 3, "ratio": 0.5}

	cases := []struct {
		in, want string
	}{
		{"https://api.x.com/v1/${model}", "https://api.x.com/v1/claude-3"},
		{"count=${n} ratio=${ratio}", "count=3 ratio=0.5"},
		{"missing: [${nope}]", "missing: []"},
		{"no placeholders", "no placeholders"},
	}
	for _, tc := range cases {
		if got := renderString(tc.in, ctx); got != tc.want {
			t.Errorf("renderString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderTemplate_PreservesTypes(t *testing.T) {
	tpl := map[string]any{
		"model":       "${model}",
		"temperature": "${temperature}",
		"stream":      "${stream}",
		"prompt":      "User said: ${prompt}",
		"stop":        []any{"${stopWord}", "END"},
		"nested":      map[string]any{"max_tokens": "${maxTokens}"},
		"static":      float64(42),
	}
	ctx := map[string]any{
		"model":       "gpt-4o",
		"temperature": 0.2,
		"stream":      false,
		"prompt":      "hi",
		"stopWord":    "STOP",
		"maxTokens":   100,
	}

	got := renderTemplate(tpl, ctx).(map[string]any)

	if got["temperature"] != 0.2 {
		t.Errorf("temperature lost its type: %T %v", got["temperature"], got["temperature"])
	}
	if got["stream"] != false {
		t.Errorf("stream = %v", got["stream"])
	}
	if got["prompt"] != "User said: hi" {
		t.Errorf("prompt = %v", got["prompt"])
	}
	want := []any{"STOP", "END"}
	if !reflect.DeepEqual(got["stop"], want) {
		t.Errorf("stop = %v", got["stop"])
	}
	nested := got["nested"].(map[string]any)
	if nested["max_tokens"] != 100 {
		t.Errorf("nested max_tokens = %T %v", nested["max_tokens"], nested["max_tokens"])
	}
	if got["static"] != float64(42) {
		t.Errorf("static = %v", got["static"])
	}

	// The rendered document must survive JSON encoding with numbers intact.
	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(raw, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round["temperature"] != 0.2 {
		t.Errorf("temperature on the wire = %v", round["temperature"])
	}
}

func TestRenderTemplate_UnknownPlaceholderBecomesEmpty(t *testing.T) {
	got := renderTemplate(map[string]any{"v": "${missing}"}, map[string]any{}).(map[string]any)
	if got["v"] != "" {
		t.Errorf("got %v", got["v"])
	}
}

func TestVisionBody(t *testing.T) {
	req := &providers.ProviderRequest{Operation: providers.OpImageAnalysis}
	ctx := map[string]any{
		"prompt":       "describe this cover",
		"artworkUrl":   "https://img/cover.png",
		"systemPrompt": "You are an art critic.",
		"model":        "gpt-4o",
		"maxTokens":    300,
	}

	body := visionBody(req, ctx)

	if body["model"] != "gpt-4o" || body["max_tokens"] != 300 {
		t.Errorf("model/max_tokens = %v / %v", body["model"], body["max_tokens"])
	}
	messages := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(messages))
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" || system["content"] != "You are an art critic." {
		t.Errorf("system message = %v", system)
	}
	user := messages[1].(map[string]any)
	content := user["content"].([]any)
	image := content[1].(map[string]any)["image_url"].(map[string]any)
	if image["url"] != "https://img/cover.png" {
		t.Errorf("image url = %v", image["url"])
	}
	if image["detail"] != "low" {
		t.Errorf("default detail = %v, want low", image["detail"])
	}
}

func TestVisionBody_DetailOverride(t *testing.T) {
	ctx := map[string]any{
		"prompt":      "look closely",
		"artworkUrl":  "https://img/x.png",
		"imageDetail": "high",
	}
	body := visionBody(&providers.ProviderRequest{}, ctx)
	messages := body["messages"].([]any)
	user := messages[0].(map[string]any)
	image := user["content"].([]any)[1].(map[string]any)["image_url"].(map[string]any)
	if image["detail"] != "high" {
		t.Errorf("detail = %v", image["detail"])
	}
}

func TestIsVisionRequest(t *testing.T) {
	if isVisionRequest(map[string]any{"artworkUrl": "  "}) {
		t.Error("blank artworkUrl should not trigger vision")
	}
	if !isVisionRequest(map[string]any{"artworkUrl": "https://img/a.png"}) {
		t.Error("artworkUrl should trigger vision")
	}
	if isVisionRequest(map[string]any{"prompt": "hi"}) {
		t.Error("no artworkUrl should not trigger vision")
	}
}
