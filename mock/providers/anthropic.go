package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
)

// newAnthropicHandler returns an http.Handler that simulates the Anthropic
// Messages API.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.Header.Get("x-api-key") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"type": "error",
				"error": map[string]string{
					"type":    "authentication_error",
					"message": "x-api-key header is required",
				},
			})
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"type": "error",
				"error": map[string]string{
					"type":    "api_error",
					"message": "mock internal server error",
				},
			})
			return
		}

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content any    `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"type": "error",
				"error": map[string]string{
					"type":    "invalid_request_error",
					"message": "invalid request body",
				},
			})
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":    fmt.Sprintf("msg_mock%x", rand.Int64()),
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"content": []map[string]string{
				{"type": "text", "text": fakeSentence(cfg.Words)},
			},
			"stop_reason": "end_turn",
			"usage": map[string]int{
				"input_tokens":  8,
				"output_tokens": cfg.Words,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    "not_found_error",
				"message": fmt.Sprintf("mock: unknown path %s", r.URL.Path),
			},
		})
	})

	return mux
}
