package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
)

// newStabilityHandler returns an http.Handler that simulates the Stability
// AI image generation API.
func newStabilityHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/generation/stable-diffusion-xl-1024-v1-0/text-to-image",
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
				return
			}

			var req struct {
				TextPrompts []struct {
					Text string `json:"text"`
				} `json:"text_prompts"`
				Samples int `json:"samples"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
				return
			}
			if len(req.TextPrompts) == 0 {
				writeError(w, http.StatusBadRequest, "text_prompts is required", "invalid_request")
				return
			}
			n := req.Samples
			if n <= 0 {
				n = 1
			}

			artifacts := make([]map[string]any, n)
			for i := range artifacts {
				artifacts[i] = map[string]any{
					"url":           fmt.Sprintf("https://mock.images.local/sdxl-%x.png", rand.Int64()),
					"seed":          rand.Uint32(),
					"finish_reason": "SUCCESS",
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
		})

	// Account balance (used as the free health endpoint)
	mux.HandleFunc("/v1/user/balance", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credits": 1234.5})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
