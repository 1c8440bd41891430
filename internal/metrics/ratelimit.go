package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitInfo is what a provider response reveals about the caller's
// remaining quota.
type RateLimitInfo struct {
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit,omitempty"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
}

// ParseRateLimitHeaders extracts rate-limit hints from provider response
// headers. The x-ratelimit-* family is preferred; the bare variants some
// providers send are the fallback. Returns nil when no hint is present.
func ParseRateLimitHeaders(h http.Header) *RateLimitInfo {
	remaining, okRemaining := headerInt(h, "x-ratelimit-remaining", "ratelimit-remaining")
	limit, okLimit := headerInt(h, "x-ratelimit-limit", "ratelimit-limit")
	resetSecs, okReset := headerInt(h, "x-ratelimit-reset", "ratelimit-reset")

	if !okRemaining && !okLimit && !okReset {
		return nil
	}

	info := &RateLimitInfo{Remaining: remaining, Limit: limit}
	if okReset {
		// Reset arrives as seconds-until-reset; convert to an absolute time.
		t := time.Now().Add(time.Duration(resetSecs) * time.Second)
		info.ResetTime = &t
	}
	return info
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		v := h.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}
