// Package metadata provides structured parsing and validation for security
// event payloads stored as JSON.
//
// Known fields are typed; anything else is preserved in Extra so that payloads
// written by newer event kinds survive a round trip through older readers.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MaxPayloadBytes bounds the serialized size of a payload.
const MaxPayloadBytes = 16 * 1024

// EventData is the payload of a security event.
type EventData struct {
	Identifier string   `json:"identifier,omitempty"` // rate-limit identifier (user id, ip, api key id)
	Endpoint   string   `json:"endpoint,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Count      int      `json:"count,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Patterns   []string `json:"patterns,omitempty"` // event types seen from the same source
	Until      int64    `json:"until,omitempty"`    // unix seconds, for blocks

	Extra map[string]interface{} `json:"-"`
}

var knownKeys = map[string]struct{}{
	"identifier": {}, "endpoint": {}, "session_id": {}, "user_id": {},
	"reason": {}, "count": {}, "limit": {}, "patterns": {}, "until": {},
}

// Parse parses a JSON payload. An empty string yields an empty payload.
func Parse(jsonStr string) (*EventData, error) {
	if jsonStr == "" {
		return &EventData{}, nil
	}

	type plain EventData
	var d plain
	if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
		return nil, fmt.Errorf("failed to parse event payload JSON: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse event payload JSON: %w", err)
	}
	for k, v := range raw {
		if _, ok := knownKeys[k]; ok {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]interface{})
		}
		d.Extra[k] = v
	}

	out := EventData(d)
	return &out, nil
}

// MarshalJSON merges Extra into the typed fields. Typed fields win on conflict.
func (d EventData) MarshalJSON() ([]byte, error) {
	type plain EventData
	base, err := json.Marshal(plain(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]interface{}, len(d.Extra)+8)
	for k, v := range d.Extra {
		merged[k] = v
	}
	var typed map[string]interface{}
	if err := json.Unmarshal(base, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// String serializes the payload; an empty payload serializes to "{}".
func (d *EventData) String() string {
	if d == nil {
		return "{}"
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// IsEmpty reports whether the payload carries no data.
func (d *EventData) IsEmpty() bool {
	return d.Identifier == "" && d.Endpoint == "" && d.SessionID == "" && d.UserID == "" &&
		d.Reason == "" && d.Count == 0 && d.Limit == 0 && len(d.Patterns) == 0 &&
		d.Until == 0 && len(d.Extra) == 0
}

// Set stores an extension value.
func (d *EventData) Set(key string, value interface{}) *EventData {
	if d.Extra == nil {
		d.Extra = make(map[string]interface{})
	}
	d.Extra[key] = value
	return d
}

// Validate checks payload bounds.
// Validation rules:
// - serialized payload at most MaxPayloadBytes
// - at most 20 patterns, none empty
// - count and limit non-negative
func (d *EventData) Validate() error {
	if d.Count < 0 || d.Limit < 0 {
		return fmt.Errorf("count and limit must be non-negative")
	}
	if len(d.Patterns) > 20 {
		return fmt.Errorf("too many patterns: max 20 allowed, got %d", len(d.Patterns))
	}
	for i, p := range d.Patterns {
		if p == "" {
			return fmt.Errorf("pattern[%d] is empty", i)
		}
	}
	if n := len(d.String()); n > MaxPayloadBytes {
		return fmt.Errorf("payload too large: max %d bytes, got %d", MaxPayloadBytes, n)
	}
	return nil
}

// MaskSensitive returns a copy with the session id shortened for display on
// dashboards.
func (d *EventData) MaskSensitive() *EventData {
	masked := *d
	if len(masked.SessionID) > 8 {
		masked.SessionID = masked.SessionID[:8] + "…"
	}
	if d.Extra != nil {
		masked.Extra = make(map[string]interface{}, len(d.Extra))
		for k, v := range d.Extra {
			masked.Extra[k] = v
		}
	}
	return &masked
}

// SortedPatterns returns a sorted, de-duplicated copy of patterns.
func SortedPatterns(patterns []string) []string {
	seen := make(map[string]struct{}, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
