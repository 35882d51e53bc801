package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/changedetect"
	"github.com/stenohq/steno/internal/errkind"
)

// probeLineLimit caps how many lines a probe or metadata pass may inspect.
const probeLineLimit = 10

// ctxCheckInterval is how many lines a parse consumes between cancellation
// checks.
const ctxCheckInterval = 256

// ClaudeParser reads the Claude Code JSONL dialect: one JSON object per
// line with type user/assistant records carrying message payloads, uuid and
// parentUuid thread pointers, and session metadata on the first records.
type ClaudeParser struct{}

func NewClaudeParser() *ClaudeParser { return &ClaudeParser{} }

func (p *ClaudeParser) Metadata() Metadata {
	return Metadata{
		Name:             "claude-code",
		Version:          "1.2.0",
		SupportedFormats: []string{".jsonl"},
		Priority:         60,
		Capabilities:     []Capability{CapChunked, CapIncremental},
	}
}

// Probe inspects at most the first ten lines for dialect markers.
func (p *ClaudeParser) Probe(path string) (ProbeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		result  ProbeResult
		valid   bool
		convo   bool
		session bool
		threads bool
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
		case "user", "assistant":
			if gjson.Get(line, "message.role").Exists() {
				convo = true
			}
		case "summary", "file-history-snapshot":
			convo = true
		}
		if gjson.Get(line, "sessionId").Str != "" {
			session = true
		}
		if gjson.Get(line, "uuid").Exists() || gjson.Get(line, "parentUuid").Exists() {
			threads = true
		}
	}
	if err := lr.Err(); err != nil {
		return ProbeResult{}, fmt.Errorf("probing %s: %w", path, err)
	}

	if valid {
		result.Confidence += 0.2
		result.Reasons = append(result.Reasons, "valid JSONL")
	}
	if convo {
		result.Confidence += 0.4
		result.Reasons = append(result.Reasons, "typed conversation records")
	}
	if session {
		result.Confidence += 0.2
		result.Reasons = append(result.Reasons, "session id present")
	}
	if threads {
		result.Confidence += 0.2
		result.Reasons = append(result.Reasons, "thread pointers present")
	}
	result.CanParse = result.Confidence >= 0.5
	return result, nil
}

// ParseMetadata extracts session-level metadata from the first lines in
// which it appears.
func (p *ClaudeParser) ParseMetadata(path string) (*ConversationMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b := newClaudeBuilder(path)
	lr := newLineReader(f, maxScanTokenSize)
	for i := 0; i < probeLineLimit; i++ {
		line, ok := lr.next()
		if !ok {
			break
		}
		if !gjson.Valid(line) {
			continue
		}
		b.collectMetadata(line)
	}
	if err := lr.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	meta := b.meta
	return &meta, nil
}

// Parse reads the whole file, reconstructs the message thread from parent
// pointers, and sorts the result by timestamp ascending.
func (p *ClaudeParser) Parse(ctx context.Context, path string) (*ParsedConversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	b := newClaudeBuilder(path)
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

	messages := b.threadedMessages()
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

// ParseMessages reads a bounded batch starting at a byte offset. Messages
// come back in file order; threading is left to the full path.
func (p *ClaudeParser) ParseMessages(ctx context.Context, path string, offset int64, limit int) (*MessageChunk, error) {
	if limit <= 0 {
		return nil, errkind.Newf(errkind.InvalidArgument, "chunk limit %d must be positive", limit)
	}
	f, size, err := openAt(path, offset)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := newClaudeBuilder(path)
	lr := newLineReader(f, maxScanTokenSize)
	isLast := true
	for len(b.records) < limit {
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
	if len(b.records) == limit {
		// There may be more; peek is unnecessary, the next chunk decides.
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
		Messages:    b.fileOrderMessages(),
		Warnings:    b.warnings,
		NextOffset:  nextOffset,
		LinesRead:   lr.Lines(),
		IsLast:      isLast,
		PartialHash: partial,
		FileSize:    size,
	}, nil
}

// SupportsIncremental reports whether appended suffixes of the file can be
// parsed independently. The dialect is line-oriented and append-only, so
// this is always true.
func (p *ClaudeParser) SupportsIncremental(string) bool { return true }

// ParseIncremental reads only the records appended after the stored cursor,
// applying the same conversational filter as the full path.
func (p *ClaudeParser) ParseIncremental(ctx context.Context, path string, lastOffset int64, lastLine int) (*IncrementalResult, error) {
	f, _, err := openAt(path, lastOffset)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := newClaudeBuilder(path)
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
		Messages:    b.fileOrderMessages(),
		Warnings:    b.warnings,
		NextOffset:  nextOffset,
		NextLine:    lastLine + lr.Lines(),
		PartialHash: partial,
		FileSize:    nextOffset,
	}, nil
}

// openAt opens the file and seeks to offset, validating the offset against
// the current size.
func openAt(path string, offset int64) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if offset < 0 || offset > info.Size() {
		f.Close()
		return nil, 0, errkind.Newf(errkind.InvalidArgument,
			"offset %d outside file of %d bytes", offset, info.Size())
	}
	if _, err := f.Seek(offset, 0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("seek %s to %d: %w", path, offset, err)
	}
	return f, info.Size(), nil
}

// claudeRecord is one conversational record plus its thread pointers.
type claudeRecord struct {
	msg        Message
	uuid       string
	parentUUID string
}

// claudeBuilder accumulates state while scanning a session file line by
// line, mirroring the shape of the codex builder.
type claudeBuilder struct {
	meta        ConversationMetadata
	records     []claudeRecord
	warnings    []Warning
	stem        string
	foundParent bool
	epoch       int
}

func newClaudeBuilder(path string) *claudeBuilder {
	return &claudeBuilder{
		stem: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
}

// collectMetadata pulls session-level fields from one record, keeping the
// first value seen for each.
func (b *claudeBuilder) collectMetadata(line string) {
	if b.meta.SessionID == "" {
		b.meta.SessionID = b.stem
	}
	if b.meta.AgentVersion == "" {
		b.meta.AgentVersion = gjson.Get(line, "version").Str
	}
	if b.meta.WorkingDirectory == "" {
		b.meta.WorkingDirectory = gjson.Get(line, "cwd").Str
	}
	if b.meta.GitBranch == "" {
		b.meta.GitBranch = gjson.Get(line, "gitBranch").Str
	}
	if b.meta.StartedAt.IsZero() {
		b.meta.StartedAt = parseTimestamp(gjson.Get(line, "timestamp").Str)
	}
	if b.meta.ParentSessionID == "" {
		if psid := gjson.Get(line, "parentSessionId").Str; psid != "" {
			b.meta.ParentSessionID = psid
			b.foundParent = true
		}
	}

	entryType := gjson.Get(line, "type").Str
	if !b.foundParent && (entryType == "user" || entryType == "assistant") {
		if sid := gjson.Get(line, "sessionId").Str; sid != "" {
			b.foundParent = true
			if sid != b.stem {
				b.meta.ParentSessionID = sid
			}
		}
	}
}

// processLine handles one non-empty line: metadata collection, the
// conversational-record filter, and message extraction.
func (b *claudeBuilder) processLine(line string, lineNo int) {
	if !gjson.Valid(line) {
		b.warnings = append(b.warnings, Warning{Line: lineNo, Message: "skipping malformed line"})
		return
	}
	b.collectMetadata(line)

	entryType := gjson.Get(line, "type").Str
	if entryType != "user" && entryType != "assistant" {
		// Summaries, file-history snapshots, and records without a role
		// are not conversational.
		return
	}
	if entryType == "user" {
		if gjson.Get(line, "isCompactSummary").Bool() {
			// A compaction boundary opens a new epoch.
			b.epoch++
			return
		}
		if gjson.Get(line, "isMeta").Bool() {
			return
		}
	}

	bc := extractContent(gjson.Get(line, "message.content"))
	if strings.TrimSpace(bc.Text) == "" && bc.Thinking == "" && len(bc.ToolResults) == 0 {
		return
	}
	if entryType == "user" && isClaudeSystemMessage(bc.Text) {
		return
	}

	msg := Message{
		Role:         Role(entryType),
		Content:      bc.Text,
		Thinking:     bc.Thinking,
		Model:        gjson.Get(line, "message.model").Str,
		Timestamp:    parseTimestamp(gjson.Get(line, "timestamp").Str),
		Epoch:        b.epoch,
		ToolCalls:    bc.ToolCalls,
		ToolResults:  bc.ToolResults,
		CodeChanges:  bc.CodeChanges,
		TokensInput:  gjson.Get(line, "message.usage.input_tokens").Int(),
		TokensOutput: gjson.Get(line, "message.usage.output_tokens").Int(),
	}
	b.records = append(b.records, claudeRecord{
		msg:        msg,
		uuid:       gjson.Get(line, "uuid").Str,
		parentUUID: gjson.Get(line, "parentUuid").Str,
	})
}

// fileOrderMessages returns the messages in file order with carried-forward
// timestamps, for the chunked and incremental paths.
func (b *claudeBuilder) fileOrderMessages() []Message {
	msgs := make([]Message, len(b.records))
	var last time.Time
	for i, r := range b.records {
		msgs[i] = r.msg
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = last
		} else {
			last = msgs[i].Timestamp
		}
	}
	return msgs
}

// threadedMessages orders records by parent-pointer depth where pointers
// exist, then sorts by timestamp ascending. Records without timestamps
// inherit the previous record's, keeping the sort total and stable.
func (b *claudeBuilder) threadedMessages() []Message {
	idx := make(map[string]int, len(b.records))
	for i, r := range b.records {
		if r.uuid != "" {
			idx[r.uuid] = i
		}
	}

	depth := make([]int, len(b.records))
	var resolve func(i int, seen map[int]bool) int
	resolve = func(i int, seen map[int]bool) int {
		if depth[i] != 0 {
			return depth[i]
		}
		parent, ok := idx[b.records[i].parentUUID]
		if !ok || b.records[i].parentUUID == "" || seen[i] {
			depth[i] = 1
			return 1
		}
		seen[i] = true
		depth[i] = resolve(parent, seen) + 1
		return depth[i]
	}
	for i := range b.records {
		resolve(i, map[int]bool{})
	}

	order := make([]int, len(b.records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return depth[order[a]] < depth[order[c]]
	})

	msgs := make([]Message, 0, len(b.records))
	var last time.Time
	for _, i := range order {
		m := b.records[i].msg
		if m.Timestamp.IsZero() {
			m.Timestamp = last
		} else {
			last = m.Timestamp
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}

// isClaudeSystemMessage reports whether user content matches a known
// system-injected pattern.
func isClaudeSystemMessage(content string) bool {
	trimmed := strings.TrimSpace(content)
	prefixes := [...]string{
		"This session is being continued",
		"[Request interrupted",
		"<task-notification>",
		"<command-message>",
		"<command-name>",
		"<local-command-",
		"Stop hook feedback:",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
