package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/secrets"
)

// Music generation is asynchronous on task-based providers: the submit
// call returns a task id and the result is collected by polling. A clip
// whose audio URL appears while the task is still running is returned
// immediately (early playback) instead of waiting for completion.
const (
	musicFirstPollDelay = 15 * time.Second
	musicPollInterval   = 20 * time.Second
	musicDefaultTimeout = 300 * time.Second

	// musicMaxTransientFailures bounds consecutive non-OK/network poll
	// results before the task is abandoned.
	musicMaxTransientFailures = 5
)

// musicPollResponse is the provider's poll envelope.
type musicPollResponse struct {
	Data    []musicClip `json:"data"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

type musicClip struct {
	State    string  `json:"state"`
	ClipID   string  `json:"clip_id"`
	AudioURL string  `json:"audio_url"`
	ImageURL string  `json:"image_url"`
	VideoURL string  `json:"video_url"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

// musicAbortBody marks poll errors that must not be retried: the task was
// refunded or rejected outright.
type musicAbortBody struct {
	AlreadyRefunded bool   `json:"already_refunded"`
	Type            string `json:"type"`
}

func (e *Engine) runMusicTask(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials) (*providers.ProviderResponse, error) {
	start := time.Now()

	taskID, endpoint, headers, err := e.submitMusicTask(ctx, cfg, req, creds)
	if err != nil {
		return nil, err
	}

	total := musicDefaultTimeout
	if opts := req.Options; opts != nil && opts.Timeout > 0 {
		total = opts.Timeout
	}
	deadline := start.Add(total)

	pollURL := musicTaskURL(endpoint, taskID)
	delay := musicFirstPollDelay
	transientFailures := 0

	for {
		if time.Now().Add(delay).After(deadline) {
			return nil, &providers.Error{
				Code:    providers.CodeInvocationFailed,
				Message: fmt.Sprintf("music task %s timed out after %s", taskID, total),
				Kind:    providers.KindTimeout,
			}
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, e.timeoutError(cfg, total)
		}
		delay = musicPollInterval

		status, body, err := e.pollOnce(ctx, cfg, pollURL, headers)
		if err != nil || status < 200 || status >= 300 {
			if abort, reason := musicAbortError(body); abort {
				return nil, providers.NewError(providers.CodeInvocationFailed,
					fmt.Sprintf("music task %s aborted: %s", taskID, reason), status)
			}
			transientFailures++
			if transientFailures >= musicMaxTransientFailures {
				if err == nil {
					err = fmt.Errorf("HTTP %d", status)
				}
				return nil, providers.NewError(providers.CodeInvocationFailed,
					fmt.Sprintf("music task %s: %d consecutive poll failures, last: %v",
						taskID, transientFailures, err), status)
			}
			e.log.Warn("music_poll_transient_failure",
				slog.String("provider_id", cfg.ProviderID),
				slog.String("task_id", taskID),
				slog.Int("consecutive", transientFailures),
			)
			continue
		}
		transientFailures = 0

		var poll musicPollResponse
		if err := json.Unmarshal(body, &poll); err != nil {
			transientFailures++
			continue
		}

		// Any failed clip terminates the whole task.
		for _, clip := range poll.Data {
			if clip.State == "failed" {
				reason := clip.Error
				if reason == "" {
					reason = poll.Message
				}
				if reason == "" {
					reason = "music generation failed"
				}
				return nil, providers.NewError(providers.CodeInvocationFailed, reason, 0)
			}
		}

		ready := clipsWithAudio(poll.Data)
		if len(ready) == 0 {
			continue
		}

		early := false
		for _, clip := range ready {
			if clip.State == "running" || clip.State == "pending" {
				early = true
			}
		}

		resp := &providers.ProviderResponse{
			ProviderID:   cfg.ProviderID,
			ProviderName: cfg.ProviderName,
			Success:      true,
			Result:       musicResult(ready),
			Metadata: providers.ResponseMetadata{
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				Cost:             cfg.Cost(),
				IsEarlyPlayback:  early,
			},
		}
		return resp, nil
	}
}

// submitMusicTask POSTs the rendered template and extracts the task id.
func (e *Engine) submitMusicTask(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials) (taskID, endpoint string, headers map[string]string, err error) {
	subCtx := substitutionContext(req)

	endpoint, headers, body, err := e.buildRequest(cfg, req, creds, subCtx)
	if err != nil {
		return "", "", nil, err
	}

	timeout := e.resolveTimeout(cfg, req)
	_, respBody, _, err := e.execute(ctx, cfg, endpoint, headers, body, timeout, req.SuppressLogging)
	if err != nil {
		return "", "", nil, err
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", "", nil, providers.NewError(providers.CodeInvocationFailed,
			fmt.Sprintf("music submit to %s returned a non-JSON body", cfg.ProviderID), 0)
	}

	path := cfg.Config.ResponseMapping["taskId"]
	if path == "" {
		path = "task_id"
	}
	v, ok := resolvePath(decoded, path)
	if !ok {
		v = decoded["task_id"]
	}
	id, _ := v.(string)
	if strings.TrimSpace(id) == "" {
		return "", "", nil, providers.NewError(providers.CodeInvocationFailed,
			fmt.Sprintf("music submit to %s returned no task id", cfg.ProviderID), 0)
	}
	return id, endpoint, headers, nil
}

// pollOnce GETs the task status without the engine retry loop; the poll
// loop has its own transient-failure budget.
func (e *Engine) pollOnce(ctx context.Context, cfg *providers.ProviderConfiguration, pollURL string, headers map[string]string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pollURL, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		if k == "Content-Type" {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// musicTaskURL derives the poll URL from the submit endpoint:
// <base>/task/<id>, where base is the endpoint without its last segment's
// query string.
func musicTaskURL(endpoint, taskID string) string {
	base := endpoint
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimRight(base, "/") + "/task/" + taskID
}

func clipsWithAudio(clips []musicClip) []musicClip {
	out := make([]musicClip, 0, len(clips))
	for _, c := range clips {
		if strings.TrimSpace(c.AudioURL) != "" {
			out = append(out, c)
		}
	}
	return out
}

// musicResult flattens a single ready clip to its audio URL; multiple
// clips are returned as a list with their media URLs.
func musicResult(clips []musicClip) any {
	if len(clips) == 1 {
		return clips[0].AudioURL
	}
	out := make([]any, len(clips))
	for i, c := range clips {
		entry := map[string]any{
			"clipId":   c.ClipID,
			"audioUrl": c.AudioURL,
			"state":    c.State,
		}
		if c.ImageURL != "" {
			entry["imageUrl"] = c.ImageURL
		}
		if c.VideoURL != "" {
			entry["videoUrl"] = c.VideoURL
		}
		if c.Duration > 0 {
			entry["duration"] = c.Duration
		}
		out[i] = entry
	}
	return out
}

func musicAbortError(body []byte) (bool, string) {
	if len(body) == 0 {
		return false, ""
	}
	var ab musicAbortBody
	if err := json.Unmarshal(body, &ab); err != nil {
		return false, ""
	}
	if ab.AlreadyRefunded {
		return true, "task already refunded"
	}
	if ab.Type == "api_error" {
		return true, "provider api error"
	}
	return false, ""
}
