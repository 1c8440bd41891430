package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newElevenLabsHandler returns an http.Handler that simulates the
// ElevenLabs text-to-speech API. Instead of streaming MP3 bytes it returns
// a JSON body with a hosted audio URL, which is the shape the gateway's
// response mapping extracts.
func newElevenLabsHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/text-to-speech/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if r.Header.Get("xi-api-key") == "" {
			writeError(w, http.StatusUnauthorized, "xi-api-key header is required", "authentication_error")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		voiceID := strings.TrimPrefix(r.URL.Path, "/v1/text-to-speech/")
		if voiceID == "" {
			writeError(w, http.StatusBadRequest, "voice id is required", "invalid_request")
			return
		}

		var req struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required", "invalid_request")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"audio_url":  fmt.Sprintf("https://mock.audio.local/%x.mp3", rand.Int64()),
			"voice_id":   voiceID,
			"model_id":   req.ModelID,
			"characters": len(req.Text),
		})
	})

	// Voices list (used as the free health endpoint)
	mux.HandleFunc("/v1/voices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"voices": []map[string]string{
				{"voice_id": "21m00Tcm4TlvDq8ikWAM", "name": "Rachel"},
				{"voice_id": "AZnzlk1XvdvUeBnXmlld", "name": "Domi"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
