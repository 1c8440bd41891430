package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Default tier parameters.
const (
	TemplateTTL      = 30 * time.Minute
	TemplateMaxSize  = 500
	ExecutionTTL     = 5 * time.Minute
	ExecutionMaxSize = 1000

	// CleanupInterval is the cron cadence for expired-entry sweeps.
	CleanupInterval = 10 * time.Minute
)

// ExecutionKey returns the deterministic cache key for a template
// execution: variables are serialized with sorted keys so two maps with
// the same contents in different insertion order produce the same key,
// then hashed to a 32-bit signed value rendered in base-36.
func ExecutionKey(templateID string, variables map[string]any) string {
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Canonical serialization: ordered key/value pairs.
	parts := make([][2]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(variables[k])
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprint(variables[k]))
		}
		parts = append(parts, [2]json.RawMessage{kb, vb})
	}
	canonical, _ := json.Marshal(parts)

	return "exec_" + templateID + "_" + hash36(canonical)
}

// hash36 computes a 31-multiplier rolling hash truncated to int32 and
// renders it in base 36.
func hash36(data []byte) string {
	var h int32
	for _, b := range data {
		h = h*31 + int32(b)
	}
	return strconv.FormatInt(int64(h), 36)
}
