package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/museflow/ai-gateway/internal/providers"
)

// wellKnownPaths are probed, in order, when the configured responseMapping
// yields nothing usable.
var wellKnownPaths = []string{
	"choices[0].message.content",
	"content",
	"text",
	"output",
	"data[0].url",
}

// extractContent resolves the mapped content out of a decoded provider
// response. Mapping order: content path, then artworkUrl, then audioUrl
// (both must be non-empty after trimming), then the well-known probes,
// and finally the stringified response. A final result that is empty and
// not a structured JSON literal fails as empty content.
func extractContent(body map[string]any, mapping map[string]string) (any, error) {
	if path := mapping["content"]; path != "" {
		if v, ok := resolvePath(body, path); ok && !isEmptyValue(v) {
			return v, nil
		}
	}
	for _, field := range []string{"artworkUrl", "audioUrl"} {
		if path := mapping[field]; path != "" {
			if v, ok := resolvePath(body, path); ok {
				if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
					return s, nil
				}
			}
		}
	}
	for _, path := range wellKnownPaths {
		if v, ok := resolvePath(body, path); ok && !isEmptyValue(v) {
			return v, nil
		}
	}
	raw, err := json.Marshal(body)
	if err != nil || isEmptyValue(string(raw)) {
		return nil, providers.NewError(providers.CodeInvocationFailed,
			"provider returned empty content", 502)
	}
	return string(raw), nil
}

// resolvePath walks a dotted path with bracketed array indices, e.g.
// "choices[0].message.content". Returns (nil, false) when any segment is
// missing or the wrong shape.
func resolvePath(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		name, indices, ok := parseSegment(seg)
		if !ok {
			return nil, false
		}
		if name != "" {
			m, isMap := cur.(map[string]any)
			if !isMap {
				return nil, false
			}
			cur, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indices {
			arr, isArr := cur.([]any)
			if !isArr || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// parseSegment splits "choices[0]" into ("choices", [0]). A bare "[0]"
// segment indexes the current value directly.
func parseSegment(seg string) (name string, indices []int, ok bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil, seg != ""
	}
	name = seg[:open]
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indices = append(indices, idx)
		rest = rest[close+1:]
	}
	return name, indices, true
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// extractUsage pulls token accounting out of a response body. Both the
// OpenAI shape (usage.prompt_tokens/completion_tokens/total_tokens) and
// the Anthropic shape (usage.input_tokens/output_tokens) are recognized.
func extractUsage(body map[string]any) *providers.TokensUsed {
	usage, ok := body["usage"].(map[string]any)
	if !ok {
		return nil
	}

	tokens := &providers.TokensUsed{}
	if v, ok := numberField(usage, "prompt_tokens"); ok {
		tokens.Prompt = v
	} else if v, ok := numberField(usage, "input_tokens"); ok {
		tokens.Prompt = v
	}
	if v, ok := numberField(usage, "completion_tokens"); ok {
		tokens.Completion = v
	} else if v, ok := numberField(usage, "output_tokens"); ok {
		tokens.Completion = v
	}
	if v, ok := numberField(usage, "total_tokens"); ok {
		tokens.Total = v
	} else {
		tokens.Total = tokens.Prompt + tokens.Completion
	}

	if tokens.Total == 0 && tokens.Prompt == 0 && tokens.Completion == 0 {
		return nil
	}
	return tokens
}

func numberField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
