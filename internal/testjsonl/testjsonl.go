// Package testjsonl provides shared JSONL fixture builders for
// Claude Code and Codex session test data. Used by the parser,
// ingest, and collector test packages.
package testjsonl

import (
	"encoding/json"
	"strings"
)

// TextBlock builds a text content block.
func TextBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(text string) map[string]any {
	return map[string]any{"type": "thinking", "thinking": text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) map[string]any {
	return map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": input,
	}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(id, content string, isError bool) map[string]any {
	m := map[string]any{
		"type":        "tool_result",
		"tool_use_id": id,
		"content":     content,
	}
	if isError {
		m["is_error"] = true
	}
	return m
}

// ClaudeUserJSON returns a Claude user record as a JSON string.
func ClaudeUserJSON(content any, timestamp string, cwd ...string) string {
	m := map[string]any{
		"type":      "user",
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	if len(cwd) > 0 {
		m["cwd"] = cwd[0]
	}
	return mustMarshal(m)
}

// ClaudeUserWithSessionIDJSON returns a Claude user record with a
// sessionId field as a JSON string.
func ClaudeUserWithSessionIDJSON(content, timestamp, sessionID string, cwd ...string) string {
	m := map[string]any{
		"type":      "user",
		"timestamp": timestamp,
		"sessionId": sessionID,
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	if len(cwd) > 0 {
		m["cwd"] = cwd[0]
	}
	return mustMarshal(m)
}

// ClaudeMetaUserJSON returns a Claude user record with optional isMeta
// and isCompactSummary flags as a JSON string.
func ClaudeMetaUserJSON(content, timestamp string, meta, compact bool) string {
	m := map[string]any{
		"type":      "user",
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	if meta {
		m["isMeta"] = true
	}
	if compact {
		m["isCompactSummary"] = true
	}
	return mustMarshal(m)
}

// ClaudeAssistantJSON returns a Claude assistant record as a JSON string.
// Content may be a string or a slice of content blocks.
func ClaudeAssistantJSON(content any, timestamp string) string {
	m := map[string]any{
		"type":      "assistant",
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    "assistant",
			"content": content,
		},
	}
	return mustMarshal(m)
}

// ClaudeAssistantUsageJSON returns a Claude assistant record carrying a
// model name and token usage.
func ClaudeAssistantUsageJSON(text, timestamp, model string, in, out int) string {
	m := map[string]any{
		"type":      "assistant",
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{TextBlock(text)},
			"model":   model,
			"usage": map[string]any{
				"input_tokens":  in,
				"output_tokens": out,
			},
		},
	}
	return mustMarshal(m)
}

// ClaudeThreadedJSON returns a Claude record with uuid and parentUuid
// thread pointers. Content may be a string or a slice of blocks.
func ClaudeThreadedJSON(entryType, uuid, parentUUID, timestamp string, content any) string {
	m := map[string]any{
		"type":      entryType,
		"uuid":      uuid,
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    entryType,
			"content": content,
		},
	}
	if parentUUID != "" {
		m["parentUuid"] = parentUUID
	}
	return mustMarshal(m)
}

// ClaudeSummaryJSON returns a Claude summary record as a JSON string.
func ClaudeSummaryJSON(summary, leafUUID string) string {
	return mustMarshal(map[string]any{
		"type":     "summary",
		"summary":  summary,
		"leafUuid": leafUUID,
	})
}

// ClaudeSnapshotJSON returns a Claude file-history-snapshot record as a
// JSON string.
func ClaudeSnapshotJSON(timestamp string) string {
	return mustMarshal(map[string]any{
		"type":      "file-history-snapshot",
		"timestamp": timestamp,
		"snapshot":  map[string]any{"messageId": "msg-1"},
	})
}

// CodexSessionMetaJSON returns a Codex session_meta record as a JSON
// string.
func CodexSessionMetaJSON(id, cwd, originator, timestamp string) string {
	return mustMarshal(map[string]any{
		"type":      "session_meta",
		"timestamp": timestamp,
		"payload": map[string]any{
			"id":         id,
			"cwd":        cwd,
			"originator": originator,
		},
	})
}

// CodexSessionMetaFullJSON returns a Codex session_meta record with git
// branch and CLI version fields.
func CodexSessionMetaFullJSON(id, cwd, branch, cliVersion, timestamp string) string {
	return mustMarshal(map[string]any{
		"type":      "session_meta",
		"timestamp": timestamp,
		"payload": map[string]any{
			"id":          id,
			"cwd":         cwd,
			"cli_version": cliVersion,
			"git":         map[string]any{"branch": branch},
		},
	})
}

// CodexMsgJSON returns a Codex response_item message record as a JSON
// string.
func CodexMsgJSON(role, text, timestamp string) string {
	contentType := "output_text"
	if role == "user" {
		contentType = "input_text"
	}
	return mustMarshal(map[string]any{
		"type":      "response_item",
		"timestamp": timestamp,
		"payload": map[string]any{
			"type": "message",
			"role": role,
			"content": []map[string]string{
				{"type": contentType, "text": text},
			},
		},
	})
}

// CodexFunctionCallJSON returns a Codex function_call record with a call
// id and JSON-encoded arguments.
func CodexFunctionCallJSON(callID, name string, arguments any, timestamp string) string {
	payload := map[string]any{
		"type":    "function_call",
		"name":    name,
		"call_id": callID,
	}
	if arguments != nil {
		payload["arguments"] = arguments
	}
	return mustMarshal(map[string]any{
		"type":      "response_item",
		"timestamp": timestamp,
		"payload":   payload,
	})
}

// CodexFunctionOutputJSON returns a Codex function_call_output record
// paired to a call id.
func CodexFunctionOutputJSON(callID, output, timestamp string) string {
	return mustMarshal(map[string]any{
		"type":      "response_item",
		"timestamp": timestamp,
		"payload": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CodexReasoningJSON returns a Codex reasoning record with one summary
// text block.
func CodexReasoningJSON(text, timestamp string) string {
	return mustMarshal(map[string]any{
		"type":      "response_item",
		"timestamp": timestamp,
		"payload": map[string]any{
			"type": "reasoning",
			"summary": []map[string]string{
				{"type": "summary_text", "text": text},
			},
		},
	})
}

// JoinJSONL joins JSON lines with newlines and appends a trailing
// newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// SessionBuilder constructs JSONL session content using a fluent API.
type SessionBuilder struct {
	lines []string
}

// NewSessionBuilder returns a new empty SessionBuilder.
func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{}
}

// AddClaudeUser appends a Claude user record line.
func (b *SessionBuilder) AddClaudeUser(timestamp, content string, cwd ...string) *SessionBuilder {
	b.lines = append(b.lines, ClaudeUserJSON(content, timestamp, cwd...))
	return b
}

// AddClaudeUserWithSessionID appends a Claude user record line with a
// sessionId field.
func (b *SessionBuilder) AddClaudeUserWithSessionID(timestamp, content, sessionID string, cwd ...string) *SessionBuilder {
	b.lines = append(b.lines, ClaudeUserWithSessionIDJSON(content, timestamp, sessionID, cwd...))
	return b
}

// AddClaudeMetaUser appends a Claude user record line with isMeta and/or
// isCompactSummary flags.
func (b *SessionBuilder) AddClaudeMetaUser(timestamp, content string, meta, compact bool) *SessionBuilder {
	b.lines = append(b.lines, ClaudeMetaUserJSON(content, timestamp, meta, compact))
	return b
}

// AddClaudeAssistant appends a Claude assistant record line with one text
// block.
func (b *SessionBuilder) AddClaudeAssistant(timestamp, text string) *SessionBuilder {
	b.lines = append(b.lines, ClaudeAssistantJSON(
		[]map[string]any{TextBlock(text)}, timestamp,
	))
	return b
}

// AddClaudeBlocks appends a Claude record with arbitrary content blocks.
func (b *SessionBuilder) AddClaudeBlocks(timestamp, entryType string, blocks ...map[string]any) *SessionBuilder {
	m := map[string]any{
		"type":      entryType,
		"timestamp": timestamp,
		"message": map[string]any{
			"role":    entryType,
			"content": blocks,
		},
	}
	b.lines = append(b.lines, mustMarshal(m))
	return b
}

// AddCodexMeta appends a Codex session_meta line.
func (b *SessionBuilder) AddCodexMeta(timestamp, id, cwd, originator string) *SessionBuilder {
	b.lines = append(b.lines, CodexSessionMetaJSON(id, cwd, originator, timestamp))
	return b
}

// AddCodexMessage appends a Codex response_item message line.
func (b *SessionBuilder) AddCodexMessage(timestamp, role, text string) *SessionBuilder {
	b.lines = append(b.lines, CodexMsgJSON(role, text, timestamp))
	return b
}

// AddCodexFunctionCall appends a Codex function_call line.
func (b *SessionBuilder) AddCodexFunctionCall(timestamp, callID, name string, arguments any) *SessionBuilder {
	b.lines = append(b.lines, CodexFunctionCallJSON(callID, name, arguments, timestamp))
	return b
}

// AddCodexFunctionOutput appends a Codex function_call_output line.
func (b *SessionBuilder) AddCodexFunctionOutput(timestamp, callID, output string) *SessionBuilder {
	b.lines = append(b.lines, CodexFunctionOutputJSON(callID, output, timestamp))
	return b
}

// AddRaw appends an arbitrary raw line.
func (b *SessionBuilder) AddRaw(line string) *SessionBuilder {
	b.lines = append(b.lines, line)
	return b
}

// String returns the JSONL content with a trailing newline.
func (b *SessionBuilder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// StringNoTrailingNewline returns the JSONL content without a trailing
// newline.
func (b *SessionBuilder) StringNoTrailingNewline() string {
	return strings.Join(b.lines, "\n")
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
