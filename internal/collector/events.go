package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/errkind"
)

// Event kinds accepted on the wire.
const (
	EventSessionStart = "session_start"
	EventMessage      = "message"
	EventToolCall     = "tool_call"
	EventToolResult   = "tool_result"
	EventThinking     = "thinking"
	EventError        = "error"
	EventMetadata     = "metadata"
	EventSessionEnd   = "session_end"
)

var eventTypes = map[string]bool{
	EventSessionStart: true,
	EventMessage:      true,
	EventToolCall:     true,
	EventToolResult:   true,
	EventThinking:     true,
	EventError:        true,
	EventMetadata:     true,
	EventSessionEnd:   true,
}

// Event is one wire event in a collector batch.
type Event struct {
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	EmittedAt  string          `json:"emitted_at"`
	ObservedAt string          `json:"observed_at,omitempty"`
	EventHash  string          `json:"event_hash,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Validate checks the wire shape of one event.
func (e *Event) Validate() error {
	if e.Sequence <= 0 {
		return errkind.Newf(errkind.InvalidArgument, "event sequence %d must be positive", e.Sequence)
	}
	if !eventTypes[e.Type] {
		return errkind.Newf(errkind.InvalidArgument, "unknown event type %q", e.Type)
	}
	if e.EmittedAt == "" {
		return errkind.New(errkind.InvalidArgument, "event missing emitted_at")
	}
	return nil
}

// Hash returns the event's stable hash, computing it when the wire did not
// carry one: SHA-256 over `type | emitted_at | canonical-JSON(data)`,
// truncated to 32 hex characters.
func (e *Event) Hash() string {
	if e.EventHash != "" {
		return e.EventHash
	}
	sum := sha256.Sum256([]byte(e.Type + "|" + e.EmittedAt + "|" + canonicalJSON(e.Data)))
	return hex.EncodeToString(sum[:])[:32]
}

// dataStr reads one string field from the event payload.
func (e *Event) dataStr(field string) string {
	return gjson.GetBytes(e.Data, field).Str
}

// dataInt reads one integer field from the event payload.
func (e *Event) dataInt(field string) int64 {
	return gjson.GetBytes(e.Data, field).Int()
}

// dataBool reads one boolean field from the event payload.
func (e *Event) dataBool(field string) bool {
	return gjson.GetBytes(e.Data, field).Bool()
}

// canonicalJSON renders a JSON value with object keys sorted recursively so
// semantically equal payloads hash identically regardless of field order.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		data, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(b, "%v", val)
			return
		}
		b.Write(data)
	}
}
