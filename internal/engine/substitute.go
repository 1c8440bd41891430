package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/museflow/ai-gateway/internal/providers"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][\w.]*)\}`)

// substitutionContext builds the variable map fed to template rendering:
// the request payload plus the per-request options. Credentials are never
// part of this map; they are attached separately as headers or query
// parameters.
func substitutionContext(req *providers.ProviderRequest) map[string]any {
	ctx := make(map[string]any, len(req.Payload)+8)
	ctx["modality"] = modalityFor(req.Operation)
	for k, v := range req.Payload {
		ctx[k] = v
	}

	if opts := req.Options; opts != nil {
		if opts.Model != "" {
			ctx["model"] = opts.Model
		}
		if opts.Temperature != 0 {
			ctx["temperature"] = opts.Temperature
		}
		if opts.MaxTokens != 0 {
			ctx["maxTokens"] = opts.MaxTokens
			ctx["max_tokens"] = opts.MaxTokens
		}
		for k, v := range opts.Extra {
			ctx[k] = v
		}
	}
	return ctx
}

// modalityFor names the output modality of an operation, so templates
// can reference ${modality} without the caller repeating it in the
// payload. Payload values with the same key win.
func modalityFor(op providers.Operation) string {
	switch op {
	case providers.OpMusicGeneration:
		return "music"
	case providers.OpImageGeneration:
		return "image"
	case providers.OpAudioTranscription:
		return "audio"
	}
	return "text"
}

// renderString replaces every ${name} occurrence with the context value.
// Unknown names render as empty strings.
func renderString(s string, ctx map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := ctx[name]
		if !ok {
			return ""
		}
		return valueString(v)
	})
}

// renderTemplate recursively renders a requestTemplate document: arrays
// stay arrays, objects stay objects, string leaves are substituted. A
// string that is exactly one placeholder resolving to a non-string value
// keeps that value's type, so `"temperature": "${temperature}"` stays
// numeric on the wire.
func renderTemplate(node any, ctx map[string]any) any {
	switch t := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = renderTemplate(v, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = renderTemplate(v, ctx)
		}
		return out
	case string:
		if m := placeholder.FindStringSubmatch(t); m != nil && m[0] == t {
			if v, ok := ctx[m[1]]; ok {
				return v
			}
			return ""
		}
		return renderString(t, ctx)
	}
	return node
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// visionBody builds the OpenAI-style vision request used when the payload
// carries an artwork URL. The image detail defaults to "low" to keep
// token costs down unless the caller overrides it.
func visionBody(req *providers.ProviderRequest, ctx map[string]any) map[string]any {
	detail := "low"
	if d, ok := ctx["imageDetail"].(string); ok && d != "" {
		detail = d
	}

	prompt, _ := ctx["prompt"].(string)
	artworkURL, _ := ctx["artworkUrl"].(string)

	messages := make([]any, 0, 2)
	if system, ok := ctx["systemPrompt"].(string); ok && system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	messages = append(messages, map[string]any{
		"role": "user",
		"content": []any{
			map[string]any{"type": "text", "text": prompt},
			map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": artworkURL, "detail": detail},
			},
		},
	})

	body := map[string]any{"messages": messages}
	if model, ok := ctx["model"]; ok {
		body["model"] = model
	}
	if maxTokens, ok := ctx["maxTokens"]; ok {
		body["max_tokens"] = maxTokens
	}
	if rf, ok := ctx["responseFormat"]; ok {
		body["response_format"] = rf
	}
	return body
}

// isVisionRequest reports whether the payload asks for image analysis of
// a concrete artwork URL.
func isVisionRequest(ctx map[string]any) bool {
	u, ok := ctx["artworkUrl"].(string)
	return ok && strings.TrimSpace(u) != ""
}
