package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
)

func musicCfg(endpoint string) *providers.ProviderConfiguration {
	return &providers.ProviderConfiguration{
		ProviderID:   "musicapi",
		ProviderName: "MusicAPI",
		ProviderType: providers.TypeMusic,
		IsActive:     true,
		CostPerUnit:  "0.05",
		Config: providers.Configuration{
			Endpoint: endpoint,
			RequestTemplate: map[string]any{
				"prompt": "${prompt}",
				"style":  "${style}",
			},
			ResponseMapping: map[string]string{
				"taskId":   "task_id",
				"audioUrl": "data[0].audio_url",
			},
		},
	}
}

func musicReq() *providers.ProviderRequest {
	return &providers.ProviderRequest{
		Operation: providers.OpMusicGeneration,
		Payload:   map[string]any{"prompt": "lofi beats", "style": "chill"},
	}
}

// musicServer answers the submit POST with a task id and delegates each
// poll GET to the given handler.
func musicServer(t *testing.T, poll func(pollCount int32, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/task/") {
			if !strings.HasSuffix(r.URL.Path, "/task/t-1") {
				t.Errorf("unexpected poll path %s", r.URL.Path)
			}
			poll(polls.Add(1), w)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("submit method = %s", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "lofi beats" {
			t.Errorf("submit body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t-1"})
	}))
}

func TestMusic_EarlyPlayback(t *testing.T) {
	srv := musicServer(t, func(_ int32, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{
				"state":     "running",
				"clip_id":   "c-1",
				"audio_url": "https://cdn/x.mp3",
			}},
		})
	})
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "https://cdn/x.mp3" {
		t.Errorf("result = %v", resp.Result)
	}
	if !resp.Metadata.IsEarlyPlayback {
		t.Error("expected early playback flag")
	}
}

func TestMusic_WaitsForAudio(t *testing.T) {
	srv := musicServer(t, func(n int32, w http.ResponseWriter) {
		if n < 3 {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{"state": "running", "clip_id": "c-1"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{
				"state":     "complete",
				"clip_id":   "c-1",
				"audio_url": "https://cdn/final.mp3",
				"duration":  42.5,
			}},
		})
	})
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "https://cdn/final.mp3" {
		t.Errorf("result = %v", resp.Result)
	}
	if resp.Metadata.IsEarlyPlayback {
		t.Error("completed clip must not be flagged as early playback")
	}
}

func TestMusic_MultipleClips(t *testing.T) {
	srv := musicServer(t, func(_ int32, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"state": "complete", "clip_id": "c-1", "audio_url": "https://cdn/1.mp3"},
				map[string]any{"state": "complete", "clip_id": "c-2", "audio_url": "https://cdn/2.mp3", "image_url": "https://cdn/2.png"},
			},
		})
	})
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	clips, ok := resp.Result.([]any)
	if !ok || len(clips) != 2 {
		t.Fatalf("result = %v", resp.Result)
	}
	second := clips[1].(map[string]any)
	if second["audioUrl"] != "https://cdn/2.mp3" || second["imageUrl"] != "https://cdn/2.png" {
		t.Errorf("second clip = %v", second)
	}
}

func TestMusic_FailedClipIsTerminal(t *testing.T) {
	var polls atomic.Int32
	srv := musicServer(t, func(n int32, w http.ResponseWriter) {
		polls.Store(n)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"state": "failed", "clip_id": "c-1", "error": "content policy rejection"}},
		})
	})
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	pe := asProviderError(t, err)
	if !strings.Contains(pe.Message, "content policy rejection") {
		t.Errorf("message = %q", pe.Message)
	}
	if polls.Load() != 1 {
		t.Errorf("polls = %d, failed clip must stop the loop", polls.Load())
	}
}

func TestMusic_AbortsOnRefund(t *testing.T) {
	var polls atomic.Int32
	srv := musicServer(t, func(n int32, w http.ResponseWriter) {
		polls.Store(n)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"already_refunded": true})
	})
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	pe := asProviderError(t, err)
	if !strings.Contains(pe.Message, "aborted") {
		t.Errorf("message = %q", pe.Message)
	}
	if polls.Load() != 1 {
		t.Errorf("polls = %d, refunded task must not be re-polled", polls.Load())
	}
}

func TestMusic_AbortsOnAPIError(t *testing.T) {
	srv := musicServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"type": "api_error"})
	})
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	pe := asProviderError(t, err)
	if !strings.Contains(pe.Message, "aborted") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestMusic_TransientFailureBudget(t *testing.T) {
	var polls atomic.Int32
	srv := musicServer(t, func(n int32, w http.ResponseWriter) {
		polls.Store(n)
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	pe := asProviderError(t, err)
	if !strings.Contains(pe.Message, "consecutive poll failures") {
		t.Errorf("message = %q", pe.Message)
	}
	if polls.Load() != musicMaxTransientFailures {
		t.Errorf("polls = %d, want %d", polls.Load(), musicMaxTransientFailures)
	}
}

func TestMusic_TransientCounterResets(t *testing.T) {
	srv := musicServer(t, func(n int32, w http.ResponseWriter) {
		// Alternate failures with empty-but-OK polls; the budget must not
		// accumulate across successes.
		if n%2 == 1 && n < 12 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if n < 12 {
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"state": "complete", "audio_url": "https://cdn/done.mp3"}},
		})
	})
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "https://cdn/done.mp3" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestMusic_MissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), musicReq(), bearerCreds("mk"))
	pe := asProviderError(t, err)
	if !strings.Contains(pe.Message, "no task id") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestMusic_DeadlineExceeded(t *testing.T) {
	srv := musicServer(t, func(_ int32, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	defer srv.Close()

	e := newTestEngine(t)
	req := musicReq()
	req.Options = &providers.RequestOptions{Timeout: 50 * time.Millisecond}
	_, err := e.Invoke(context.Background(), musicCfg(srv.URL+"/generate"), req, bearerCreds("mk"))
	pe := asProviderError(t, err)
	if pe.Kind != providers.KindTimeout {
		t.Errorf("kind = %s", pe.Kind)
	}
}

func TestMusicTaskURL(t *testing.T) {
	cases := []struct{ endpoint, want string }{
		{"https://api.m/v1/generate", "https://api.m/v1/generate/task/t-1"},
		{"https://api.m/v1/generate/", "https://api.m/v1/generate/task/t-1"},
		{"https://api.m/v1/generate?key=abc", "https://api.m/v1/generate/task/t-1"},
	}
	for _, tc := range cases {
		if got := musicTaskURL(tc.endpoint, "t-1"); got != tc.want {
			t.Errorf("musicTaskURL(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}
