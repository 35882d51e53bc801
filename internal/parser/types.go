package parser

import (
	"context"
	"time"
)

// Role identifies a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ConversationType classifies what a parsed file contains. Files that hold
// zero conversational messages after filtering are metadata-only and the
// pipeline skips them.
type ConversationType string

const (
	TypeMain     ConversationType = "main"
	TypeAgent    ConversationType = "agent"
	TypeMetadata ConversationType = "metadata"
)

// Capability flags an optional parse path a parser supports.
type Capability string

const (
	CapChunked     Capability = "chunked"
	CapIncremental Capability = "incremental"
)

// DefaultPriority is assigned to parsers that do not declare one.
const DefaultPriority = 50

// Metadata describes a parser to the registry.
type Metadata struct {
	Name             string
	Version          string
	SupportedFormats []string // dot-prefixed lowercase extensions
	Priority         int
	Capabilities     []Capability
}

// Has reports whether the parser declares the capability.
func (m Metadata) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ProbeResult is the verdict of a cheap format inspection over at most the
// first ten lines of a file.
type ProbeResult struct {
	CanParse   bool
	Confidence float64
	Reasons    []string
}

// ConversationMetadata is the session-level metadata carried by the first
// lines of a log file.
type ConversationMetadata struct {
	SessionID        string
	ParentSessionID  string
	AgentVersion     string
	WorkingDirectory string
	GitBranch        string
	StartedAt        time.Time
}

// ToolCall is a single tool invocation extracted from a message. Success
// stays nil until a result record is paired by tool-use id.
type ToolCall struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Name      string `json:"name"`
	InputJSON string `json:"input,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// ToolResult is the response to a prior tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// CodeChange records a file mutation detected from a well-known tool call.
type CodeChange struct {
	FilePath     string `json:"file_path"`
	ChangeType   string `json:"change_type"` // "edit" or "create"
	OldContent   string `json:"old_content,omitempty"`
	NewContent   string `json:"new_content,omitempty"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Message is one conversational message in file order. Persisted sequence
// numbers are assigned by the pipeline, not the parser. Epoch starts at 0
// and increments at each context-compaction boundary.
type Message struct {
	Role         Role
	Content      string
	Thinking     string
	Model        string
	Timestamp    time.Time
	Epoch        int
	ToolCalls    []ToolCall
	ToolResults  []ToolResult
	CodeChanges  []CodeChange
	TokensInput  int64
	TokensOutput int64
}

// Warning is a non-fatal parse issue, attached to the ingestion job's
// metrics rather than raised.
type Warning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ParsedConversation is the complete output of a full parse. EndOffset,
// EndLine, and PartialHash describe the cursor after the last byte consumed
// and seed the raw-log row.
type ParsedConversation struct {
	Metadata    ConversationMetadata
	Type        ConversationType
	Messages    []Message
	Plans       []Plan
	Warnings    []Warning
	FileSize    int64
	EndOffset   int64
	EndLine     int
	PartialHash string
}

// MessageChunk is one bounded batch from the chunked parse path. LinesRead
// counts physical lines consumed by this chunk alone; the caller keeps the
// running total.
type MessageChunk struct {
	Messages    []Message
	Warnings    []Warning
	NextOffset  int64
	LinesRead   int
	IsLast      bool
	PartialHash string
	FileSize    int64
}

// IncrementalResult carries only messages appended after a stored cursor.
type IncrementalResult struct {
	Messages    []Message
	Warnings    []Warning
	NextOffset  int64
	NextLine    int
	PartialHash string
	FileSize    int64
}

// Parser turns one source file into a ParsedConversation.
type Parser interface {
	Metadata() Metadata

	// Probe inspects at most the first ten lines; it never reads the
	// whole file.
	Probe(path string) (ProbeResult, error)

	// Parse reads the complete file.
	Parse(ctx context.Context, path string) (*ParsedConversation, error)
}

// ChunkedParser additionally parses bounded message batches with resumable
// byte cursors. Chunked parsing is the preferred ingest path: iteration
// starts at offset 0 and continues until IsLast.
type ChunkedParser interface {
	Parser
	ParseMetadata(path string) (*ConversationMetadata, error)
	ParseMessages(ctx context.Context, path string, offset int64, limit int) (*MessageChunk, error)
}

// IncrementalParser additionally parses only the suffix appended after a
// stored cursor. Results apply the same conversational-record filter as the
// full path.
type IncrementalParser interface {
	Parser
	SupportsIncremental(path string) bool
	ParseIncremental(ctx context.Context, path string, lastOffset int64, lastLine int) (*IncrementalResult, error)
}

// PairToolResults matches every ToolResult against the ToolCall with the
// same tool-use id across the message list, setting Success from the
// result's error flag. Unmatched results are left in place.
func PairToolResults(messages []Message) {
	calls := make(map[string]*ToolCall)
	for i := range messages {
		for j := range messages[i].ToolCalls {
			tc := &messages[i].ToolCalls[j]
			if tc.ToolUseID != "" {
				calls[tc.ToolUseID] = tc
			}
		}
	}
	for i := range messages {
		for _, tr := range messages[i].ToolResults {
			if tc, found := calls[tr.ToolUseID]; found {
				success := !tr.IsError
				tc.Success = &success
			}
		}
	}
}

// ClassifyConversation returns TypeMetadata for message-less parses,
// TypeAgent when the session has a parent pointer, and TypeMain otherwise.
func ClassifyConversation(meta ConversationMetadata, messageCount int) ConversationType {
	if messageCount == 0 {
		return TypeMetadata
	}
	if meta.ParentSessionID != "" {
		return TypeAgent
	}
	return TypeMain
}

// parseTimestamp accepts RFC 3339 with or without sub-second precision and
// epoch milliseconds.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
