package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/changedetect"
	"github.com/stenohq/steno/internal/errkind"
)

// Codex JSONL envelope types.
const (
	codexTypeSessionMeta  = "session_meta"
	codexTypeResponseItem = "response_item"
)

// CodexParser reads the Codex CLI JSONL dialect: a session_meta envelope
// followed by response_item envelopes holding messages, function calls,
// function call outputs, and reasoning summaries.
type CodexParser struct{}

func NewCodexParser() *CodexParser { return &CodexParser{} }

func (p *CodexParser) Metadata() Metadata {
	return Metadata{
		Name:             "codex",
		Version:          "1.0.0",
		SupportedFormats: []string{".jsonl"},
		Priority:         DefaultPriority,
		Capabilities:     []Capability{CapChunked, CapIncremental},
	}
}

func (p *CodexParser) Probe(path string) (ProbeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		result   ProbeResult
		valid    bool
		envelope bool
		meta     bool
	)
	lr := newLineReader(f, maxScanTokenSize)
	for i := 0; i < probeLineLimit; i++ {
		line, ok := lr.next()
		if !ok {
			break
		}
		if !gjson.Valid(line) {
			continue
		}
		valid = true
		switch gjson.Get(line, "type").Str {
		case codexTypeSessionMeta:
			envelope = true
			if gjson.Get(line, "payload.id").Exists() {
				meta = true
			}
		case codexTypeResponseItem:
			envelope = true
		}
	}
	if err := lr.Err(); err != nil {
		return ProbeResult{}, fmt.Errorf("probing %s: %w", path, err)
	}

	if valid {
		result.Confidence += 0.2
		result.Reasons = append(result.Reasons, "valid JSONL")
	}
	if envelope {
		result.Confidence += 0.5
		result.Reasons = append(result.Reasons, "codex envelope types")
	}
	if meta {
		result.Confidence += 0.3
		result.Reasons = append(result.Reasons, "session_meta payload")
	}
	result.CanParse = result.Confidence >= 0.5
	return result, nil
}

// ParseMetadata reads the session_meta envelope, which Codex writes first.
func (p *CodexParser) ParseMetadata(path string) (*ConversationMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b := newCodexBuilder()
	lr := newLineReader(f, maxScanTokenSize)
	for i := 0; i < probeLineLimit; i++ {
		line, ok := lr.next()
		if !ok {
			break
		}
		if !gjson.Valid(line) {
			continue
		}
		if gjson.Get(line, "type").Str == codexTypeSessionMeta {
			b.handleSessionMeta(line)
			break
		}
	}
	if err := lr.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	meta := b.meta
	return &meta, nil
}

func (p *CodexParser) Parse(ctx context.Context, path string) (*ParsedConversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b := newCodexBuilder()
	lr := newLineReader(f, maxScanTokenSize)
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		if lr.Lines()%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b.processLine(line, lr.Lines())
	}
	if err := lr.Err(); err != nil {
		return nil, errkind.Wrap(errkind.ParseError, fmt.Sprintf("scanning %s", path), err)
	}

	messages := b.finish()
	PairToolResults(messages)

	endOffset := lr.BytesRead()
	partial, err := changedetect.PartialHash(path, endOffset)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}

	return &ParsedConversation{
		Metadata:    b.meta,
		Type:        ClassifyConversation(b.meta, len(messages)),
		Messages:    messages,
		Plans:       ExtractPlans(messages),
		Warnings:    b.warnings,
		FileSize:    endOffset,
		EndOffset:   endOffset,
		EndLine:     lr.Lines(),
		PartialHash: partial,
	}, nil
}

func (p *CodexParser) ParseMessages(ctx context.Context, path string, offset int64, limit int) (*MessageChunk, error) {
	if limit <= 0 {
		return nil, errkind.Newf(errkind.InvalidArgument, "chunk limit %d must be positive", limit)
	}
	f, size, err := openAt(path, offset)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := newCodexBuilder()
	lr := newLineReader(f, maxScanTokenSize)
	isLast := true
	for len(b.messages) < limit {
		line, ok := lr.next()
		if !ok {
			break
		}
		if lr.Lines()%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b.processLine(line, lr.Lines())
	}
	if err := lr.Err(); err != nil {
		return nil, errkind.Wrap(errkind.ParseError, fmt.Sprintf("scanning %s", path), err)
	}
	if len(b.messages) >= limit {
		isLast = lr.BytesRead()+offset >= size
	}

	nextOffset := offset + lr.BytesRead()
	partial, err := changedetect.PartialHash(path, nextOffset)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	if nextOffset > size {
		size = nextOffset
	}

	return &MessageChunk{
		Messages:    b.finish(),
		Warnings:    b.warnings,
		NextOffset:  nextOffset,
		LinesRead:   lr.Lines(),
		IsLast:      isLast,
		PartialHash: partial,
		FileSize:    size,
	}, nil
}

func (p *CodexParser) SupportsIncremental(string) bool { return true }

func (p *CodexParser) ParseIncremental(ctx context.Context, path string, lastOffset int64, lastLine int) (*IncrementalResult, error) {
	f, _, err := openAt(path, lastOffset)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := newCodexBuilder()
	lr := newLineReader(f, maxScanTokenSize)
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		if lr.Lines()%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b.processLine(line, lastLine+lr.Lines())
	}
	if err := lr.Err(); err != nil {
		return nil, errkind.Wrap(errkind.ParseError, fmt.Sprintf("scanning %s", path), err)
	}

	nextOffset := lastOffset + lr.BytesRead()
	partial, err := changedetect.PartialHash(path, nextOffset)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}

	return &IncrementalResult{
		Messages:    b.finish(),
		Warnings:    b.warnings,
		NextOffset:  nextOffset,
		NextLine:    lastLine + lr.Lines(),
		PartialHash: partial,
		FileSize:    nextOffset,
	}, nil
}

// codexBuilder accumulates messages while scanning a Codex session file
// line by line.
type codexBuilder struct {
	meta     ConversationMetadata
	messages []Message
	warnings []Warning

	// pendingThinking holds a reasoning summary until the assistant
	// message it precedes arrives.
	pendingThinking string
	lastTimestamp   time.Time
}

func newCodexBuilder() *codexBuilder { return &codexBuilder{} }

func (b *codexBuilder) processLine(line string, lineNo int) {
	if !gjson.Valid(line) {
		b.warnings = append(b.warnings, Warning{Line: lineNo, Message: "skipping malformed line"})
		return
	}

	ts := parseTimestamp(gjson.Get(line, "timestamp").Str)
	if !ts.IsZero() {
		if b.meta.StartedAt.IsZero() {
			b.meta.StartedAt = ts
		}
		b.lastTimestamp = ts
	} else {
		ts = b.lastTimestamp
	}

	switch gjson.Get(line, "type").Str {
	case codexTypeSessionMeta:
		b.handleSessionMeta(line)
	case codexTypeResponseItem:
		b.handleResponseItem(gjson.Get(line, "payload"), ts)
	}
}

func (b *codexBuilder) handleSessionMeta(line string) {
	payload := gjson.Get(line, "payload")
	if b.meta.SessionID == "" {
		b.meta.SessionID = payload.Get("id").Str
	}
	if b.meta.AgentVersion == "" {
		b.meta.AgentVersion = payload.Get("cli_version").Str
	}
	if b.meta.WorkingDirectory == "" {
		b.meta.WorkingDirectory = payload.Get("cwd").Str
	}
	if b.meta.GitBranch == "" {
		b.meta.GitBranch = payload.Get("git.branch").Str
	}
	if b.meta.StartedAt.IsZero() {
		b.meta.StartedAt = parseTimestamp(payload.Get("timestamp").Str)
	}
}

func (b *codexBuilder) handleResponseItem(payload gjson.Result, ts time.Time) {
	switch payload.Get("type").Str {
	case "function_call":
		b.handleFunctionCall(payload, ts)
		return
	case "function_call_output":
		b.handleFunctionCallOutput(payload, ts)
		return
	case "reasoning":
		b.pendingThinking = joinSummaryText(payload)
		return
	}

	role := payload.Get("role").Str
	if role != "user" && role != "assistant" {
		return
	}
	content := extractCodexContent(payload)
	if strings.TrimSpace(content) == "" {
		return
	}
	if role == "user" && isCodexSystemMessage(content) {
		return
	}

	msg := Message{
		Role:      Role(role),
		Content:   content,
		Timestamp: ts,
	}
	if role == "assistant" {
		msg.Thinking = b.takeThinking()
	}
	b.messages = append(b.messages, msg)
}

func (b *codexBuilder) handleFunctionCall(payload gjson.Result, ts time.Time) {
	name := payload.Get("name").Str
	if name == "" {
		return
	}
	inputJSON := functionCallArgs(payload)

	msg := Message{
		Role:      RoleAssistant,
		Content:   formatToolHeader(name, toolCallDetail(name, inputJSON)),
		Thinking:  b.takeThinking(),
		Timestamp: ts,
		ToolCalls: []ToolCall{{
			ToolUseID: payload.Get("call_id").Str,
			Name:      name,
			InputJSON: inputJSON,
		}},
	}
	if name == "apply_patch" {
		msg.CodeChanges = parseApplyPatch(gjson.Get(inputJSON, "patch").Str)
	}
	b.messages = append(b.messages, msg)
}

func (b *codexBuilder) handleFunctionCallOutput(payload gjson.Result, ts time.Time) {
	callID := payload.Get("call_id").Str
	output := payload.Get("output").Str
	isError := false
	// Newer files wrap the output in JSON with exit metadata.
	if gjson.Valid(output) {
		parsed := gjson.Parse(output)
		if text := parsed.Get("output"); text.Exists() {
			isError = parsed.Get("metadata.exit_code").Int() != 0
			output = text.Str
		}
	}
	b.messages = append(b.messages, Message{
		Role:      RoleTool,
		Timestamp: ts,
		ToolResults: []ToolResult{{
			ToolUseID: callID,
			Content:   output,
			IsError:   isError,
		}},
	})
}

// takeThinking consumes a pending reasoning summary, if any.
func (b *codexBuilder) takeThinking() string {
	t := b.pendingThinking
	b.pendingThinking = ""
	return t
}

// finish flushes a dangling reasoning summary and returns the accumulated
// messages. Codex files are already in chronological order.
func (b *codexBuilder) finish() []Message {
	if b.pendingThinking != "" {
		b.messages = append(b.messages, Message{
			Role:      RoleAssistant,
			Thinking:  b.takeThinking(),
			Timestamp: b.lastTimestamp,
		})
	}
	msgs := b.messages
	b.messages = nil
	return msgs
}

// functionCallArgs normalizes the arguments field, which Codex writes as a
// JSON-encoded string, to raw JSON.
func functionCallArgs(payload gjson.Result) string {
	for _, key := range []string{"arguments", "input"} {
		arg := payload.Get(key)
		if !arg.Exists() {
			continue
		}
		if arg.Type == gjson.String {
			s := strings.TrimSpace(arg.Str)
			if s == "" {
				continue
			}
			if gjson.Valid(s) {
				return s
			}
			// Bare command strings become a wrapped object.
			return fmt.Sprintf(`{"command":%q}`, s)
		}
		raw := strings.TrimSpace(arg.Raw)
		if raw != "" && raw != "null" {
			return raw
		}
	}
	return ""
}

// toolCallDetail picks a short human-readable detail for the message body.
func toolCallDetail(name, inputJSON string) string {
	if inputJSON == "" {
		return ""
	}
	args := gjson.Parse(inputJSON)
	switch name {
	case "exec_command", "shell_command", "shell":
		if cmd := firstField(args, "cmd", "command"); cmd != "" {
			return truncate(cmd, 120)
		}
	case "apply_patch":
		files := patchedFiles(args.Get("patch").Str)
		switch len(files) {
		case 0:
		case 1:
			return files[0].FilePath
		default:
			return fmt.Sprintf("%s (+%d more)", files[0].FilePath, len(files)-1)
		}
	case "read_file", "write_file", "view":
		if p := firstField(args, "file_path", "path"); p != "" {
			return p
		}
	}
	return ""
}

// joinSummaryText concatenates the summary_text blocks of a reasoning item.
func joinSummaryText(payload gjson.Result) string {
	var parts []string
	payload.Get("summary").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").Str == "summary_text" {
			if t := block.Get("text").Str; t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// extractCodexContent joins all text blocks from a response item's content
// array.
func extractCodexContent(payload gjson.Result) string {
	var texts []string
	payload.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "input_text", "output_text", "text":
			if t := block.Get("text").Str; t != "" {
				texts = append(texts, t)
			}
		}
		return true
	})
	return strings.Join(texts, "\n")
}

func isCodexSystemMessage(content string) bool {
	return strings.HasPrefix(content, "# AGENTS.md") ||
		strings.HasPrefix(content, "<environment_context>") ||
		strings.HasPrefix(content, "<INSTRUCTIONS>")
}

// patchHunk is one file section of an apply_patch payload.
type patchHunk struct {
	FilePath   string
	ChangeType string
}

// patchedFiles lists the files named by an apply_patch envelope in order.
func patchedFiles(patch string) []patchHunk {
	if patch == "" {
		return nil
	}
	var hunks []patchHunk
	seen := make(map[string]struct{})
	for _, line := range strings.Split(patch, "\n") {
		var kind, file string
		switch {
		case strings.HasPrefix(line, "*** Add File: "):
			kind, file = "create", strings.TrimPrefix(line, "*** Add File: ")
		case strings.HasPrefix(line, "*** Update File: "):
			kind, file = "edit", strings.TrimPrefix(line, "*** Update File: ")
		case strings.HasPrefix(line, "*** Delete File: "):
			kind, file = "delete", strings.TrimPrefix(line, "*** Delete File: ")
		default:
			continue
		}
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		hunks = append(hunks, patchHunk{FilePath: file, ChangeType: kind})
	}
	return hunks
}

// parseApplyPatch converts a patch envelope into code changes, counting
// added and removed lines per file and capturing new content for additions.
func parseApplyPatch(patch string) []CodeChange {
	hunks := patchedFiles(patch)
	if len(hunks) == 0 {
		return nil
	}
	changes := make([]CodeChange, len(hunks))
	byPath := make(map[string]*CodeChange, len(hunks))
	for i, h := range hunks {
		changes[i] = CodeChange{FilePath: h.FilePath, ChangeType: h.ChangeType}
		byPath[h.FilePath] = &changes[i]
	}

	var current *CodeChange
	var added []string
	flush := func() {
		if current != nil && current.ChangeType == "create" {
			current.NewContent = strings.Join(added, "\n")
		}
		added = nil
	}
	for _, line := range strings.Split(patch, "\n") {
		for _, prefix := range [...]string{"*** Add File: ", "*** Update File: ", "*** Delete File: "} {
			if strings.HasPrefix(line, prefix) {
				flush()
				current = byPath[strings.TrimSpace(strings.TrimPrefix(line, prefix))]
				break
			}
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			current.LinesAdded++
			if current.ChangeType == "create" {
				added = append(added, strings.TrimPrefix(line, "+"))
			}
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			current.LinesRemoved++
		}
	}
	flush()
	return changes
}

// formatToolHeader renders a compact one-line label for a tool invocation.
func formatToolHeader(label, detail string) string {
	label = sanitizeToolLabel(label)
	if label == "" {
		label = "Tool"
	}
	detail = sanitizeToolLabel(detail)
	if detail != "" {
		return fmt.Sprintf("[%s: %s]", label, detail)
	}
	return fmt.Sprintf("[%s]", label)
}

// sanitizeToolLabel collapses whitespace and strips bracket closers so the
// label cannot break the header format.
func sanitizeToolLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "]", ")")
	return strings.Join(strings.Fields(s), " ")
}
