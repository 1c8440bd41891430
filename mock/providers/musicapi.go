package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
)

// musicTask tracks one submitted generation and how many times it has been
// polled. Tasks progress pending → running → completed; the audio URL
// appears one poll before completion to exercise the gateway's early
// playback path.
type musicTask struct {
	id    string
	polls int
}

// newMusicAPIHandler returns an http.Handler that simulates a task-based
// music generation API: POST submits a task, GET /task/{id} polls it.
func newMusicAPIHandler(cfg Config) http.Handler {
	var (
		mu    sync.Mutex
		tasks = map[string]*musicTask{}
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/generate", func(w http.ResponseWriter, r *http.Request) {
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
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, "prompt is required", "invalid_request")
			return
		}

		task := &musicTask{id: fmt.Sprintf("task-%x", rand.Int64())}
		mu.Lock()
		tasks[task.id] = task
		mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"code":    200,
			"task_id": task.id,
			"message": "submitted",
		})
	})

	mux.HandleFunc("/api/v1/task/", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)

		id := strings.TrimPrefix(r.URL.Path, "/api/v1/task/")
		mu.Lock()
		task, ok := tasks[id]
		if ok {
			task.polls++
		}
		mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "unknown task "+id, "not_found")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200,
			"data": taskClips(task, cfg.MusicPolls),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// taskClips renders the task's clip list for its current poll count. The
// audio URL shows up one poll before the terminal state so the streaming
// URL is briefly observable while the clip still reports "running".
func taskClips(task *musicTask, donePolls int) []map[string]any {
	clip := map[string]any{
		"clip_id": task.id + "-clip-0",
		"state":   "pending",
	}
	switch {
	case task.polls >= donePolls:
		clip["state"] = "completed"
		clip["audio_url"] = fmt.Sprintf("https://mock.music.local/%s.mp3", task.id)
		clip["image_url"] = fmt.Sprintf("https://mock.music.local/%s.jpg", task.id)
		clip["duration"] = 187.4
	case task.polls == donePolls-1:
		clip["state"] = "running"
		clip["audio_url"] = fmt.Sprintf("https://mock.music.local/%s.mp3", task.id)
	case task.polls > 1:
		clip["state"] = "running"
	}
	return []map[string]any{clip}
}
