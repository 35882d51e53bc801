// Package ingest turns log files into persisted conversations. The pipeline
// runs one file at a time: dedup by content hash, classify the change since
// the last observation, parse (full, chunked, or incremental), then persist
// under a single transaction. Every attempt leaves an ingestion job row,
// including attempts whose transaction rolled back.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os/user"
	"sort"
	"time"

	"github.com/stenohq/steno/internal/changedetect"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/parser"
)

// Source types recorded on ingestion jobs.
const (
	SourceWatch     = "watch"
	SourceCLI       = "cli"
	SourceUpload    = "upload"
	SourceCollector = "collector"
)

// chunkLimit bounds one batch on the chunked parse path.
const chunkLimit = 500

// Pipeline ingests log files for one database.
type Pipeline struct {
	db       *db.DB
	registry *parser.Registry
	logger   *slog.Logger
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(database *db.DB, registry *parser.Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{db: database, registry: registry, logger: logger}
}

// Options tune one ingest call.
type Options struct {
	SourceType     string // watch, cli, upload, collector
	SourceConfigID string
	Caller         string
	SkipDuplicates bool
	// AgentTypeHint short-circuits parser probing when the caller already
	// knows the dialect (e.g. from a watch config).
	AgentTypeHint string
}

// Outcome reports what one ingest call did.
type Outcome struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ChangeClass    changedetect.Class `json:"change_class,omitempty"`
	MessagesAdded  int               `json:"messages_added"`
	Warnings       []parser.Warning  `json:"warnings,omitempty"`
}

// stageMetrics is the per-stage timing breakdown attached to the job row.
type stageMetrics struct {
	DedupMS   int64 `json:"dedup_ms"`
	ParseMS   int64 `json:"parse_ms"`
	PersistMS int64 `json:"persist_ms"`
	FileBytes int64 `json:"file_bytes"`
	Lines     int   `json:"lines"`
}

// IngestLogFile is the single pipeline entry point. The returned error
// carries the same kind recorded on the failed job.
func (p *Pipeline) IngestLogFile(ctx context.Context, workspaceID, filePath string, opts Options) (Outcome, error) {
	if opts.SourceType == "" {
		opts.SourceType = SourceCLI
	}

	job, err := p.db.CreateJob(db.IngestionJob{
		WorkspaceID:    workspaceID,
		SourceType:     opts.SourceType,
		SourceConfigID: optional(opts.SourceConfigID),
		Caller:         optional(opts.Caller),
		FilePath:       &filePath,
	})
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := p.run(ctx, workspaceID, filePath, opts, &job)
	outcome.JobID = job.ID

	if err != nil {
		kind := string(errkind.KindOf(err))
		msg := err.Error()
		job.Status = db.JobFailed
		job.ErrorKind = &kind
		job.Error = &msg
		outcome.Status = db.JobFailed
	}
	if closeErr := p.db.CloseJob(job); closeErr != nil {
		p.logger.Error("closing ingestion job",
			"job_id", job.ID, "error", closeErr.Error())
	}
	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, workspaceID, filePath string, opts Options, job *db.IngestionJob) (Outcome, error) {
	var metrics stageMetrics
	defer func() {
		if data, err := json.Marshal(metrics); err == nil {
			job.StageMetrics = string(data)
		}
	}()

	// Content dedup.
	start := time.Now()
	fileHash, err := changedetect.ComputeFileHash(filePath)
	if err != nil {
		return Outcome{}, errkind.Wrap(errkind.InvalidArgument, "hashing file", err)
	}
	existing, err := p.db.FindRawLogByHash(ctx, workspaceID, fileHash)
	metrics.DedupMS = time.Since(start).Milliseconds()
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil && existing.FilePath != filePath {
		if !opts.SkipDuplicates {
			return Outcome{}, errkind.Newf(errkind.DuplicateFile,
				"content of %s already ingested from %s", filePath, existing.FilePath)
		}
		job.Status = db.JobDuplicate
		job.ConversationID = existing.ConversationID
		out := Outcome{Status: db.JobDuplicate}
		if existing.ConversationID != nil {
			out.ConversationID = *existing.ConversationID
		}
		return out, nil
	}

	// Change classification against the path's stored cursor.
	rawLog, err := p.db.FindRawLogByPath(ctx, workspaceID, filePath)
	if err != nil {
		return Outcome{}, err
	}
	change := changedetect.Result{Class: changedetect.Rewrite}
	if rawLog != nil {
		prior := changedetect.State{
			Offset: rawLog.LastProcessedOffset,
			Size:   rawLog.FileSizeBytes,
		}
		if rawLog.PartialHash != nil {
			prior.PartialHash = *rawLog.PartialHash
		}
		change, err = changedetect.Classify(filePath, prior)
		if err != nil {
			return Outcome{}, err
		}
	}
	class := string(change.Class)
	job.ChangeClass = &class
	metrics.FileBytes = change.Size

	if rawLog != nil && change.Class == changedetect.Unchanged {
		job.Status = db.JobSkipped
		job.ConversationID = rawLog.ConversationID
		job.RawLogID = &rawLog.ID
		out := Outcome{Status: db.JobSkipped, ChangeClass: change.Class}
		if rawLog.ConversationID != nil {
			out.ConversationID = *rawLog.ConversationID
		}
		return out, nil
	}

	// Incremental path: only for APPEND, and only when the stored agent
	// type still matches a parser that supports it.
	if rawLog != nil && change.Class == changedetect.Append {
		if out, handled, err := p.tryIncremental(ctx, workspaceID, filePath, rawLog, fileHash, job, &metrics); handled {
			return out, err
		}
	}

	// Full parse with replace semantics.
	parsed, md, err := p.parseFull(ctx, filePath, opts, job, &metrics)
	if err != nil {
		return Outcome{}, err
	}
	job.Warnings = marshalWarnings(parsed.Warnings)

	// Metadata-only files never produce a conversation.
	if parsed.Type == parser.TypeMetadata {
		job.Status = db.JobSkipped
		return Outcome{
			Status:      db.JobSkipped,
			ChangeClass: change.Class,
			Warnings:    parsed.Warnings,
		}, nil
	}

	start = time.Now()
	convID, added, err := p.persistFull(ctx, workspaceID, filePath, fileHash, md, parsed, rawLog, opts)
	metrics.PersistMS = time.Since(start).Milliseconds()
	metrics.Lines = parsed.EndLine
	if err != nil {
		return Outcome{}, err
	}

	job.Status = db.JobSuccess
	job.ConversationID = &convID
	job.MessagesAdded = added
	return Outcome{
		Status:         db.JobSuccess,
		ConversationID: convID,
		ChangeClass:    change.Class,
		MessagesAdded:  added,
		Warnings:       parsed.Warnings,
	}, nil
}

// tryIncremental attempts the APPEND fast path. handled=false falls through
// to a full reparse; every downgrade (agent type changed, parser no longer
// incremental, cursor hash disagreement) lands there.
func (p *Pipeline) tryIncremental(ctx context.Context, workspaceID, filePath string, rawLog *db.RawLog, fileHash string, job *db.IngestionJob, metrics *stageMetrics) (Outcome, bool, error) {
	if rawLog.ParserName == nil || rawLog.ConversationID == nil {
		return Outcome{}, false, nil
	}
	found, ok := p.registry.Find(*rawLog.ParserName)
	if !ok {
		return Outcome{}, false, nil
	}
	inc, ok := found.(parser.IncrementalParser)
	if !ok || !inc.SupportsIncremental(filePath) {
		return Outcome{}, false, nil
	}
	if rawLog.AgentType != nil && *rawLog.AgentType != found.Metadata().Name {
		return Outcome{}, false, nil
	}

	start := time.Now()
	result, err := inc.ParseIncremental(ctx, filePath, rawLog.LastProcessedOffset, rawLog.LastProcessedLine)
	metrics.ParseMS = time.Since(start).Milliseconds()
	if err != nil {
		// Incremental parse trouble downgrades to a full reparse rather
		// than failing the ingest.
		p.logger.Warn("incremental parse failed, falling back to full",
			"path", filePath, "error", err.Error())
		return Outcome{}, false, nil
	}

	md := found.Metadata()
	recordParser(job, md, "incremental")
	job.Warnings = marshalWarnings(result.Warnings)

	start = time.Now()
	added, err := p.persistIncremental(workspaceID, fileHash, rawLog, md.Name, result)
	metrics.PersistMS = time.Since(start).Milliseconds()
	metrics.Lines = result.NextLine
	if err != nil {
		return Outcome{}, true, err
	}

	job.Status = db.JobSuccess
	job.ConversationID = rawLog.ConversationID
	job.RawLogID = &rawLog.ID
	job.MessagesAdded = added
	return Outcome{
		Status:         db.JobSuccess,
		ConversationID: *rawLog.ConversationID,
		ChangeClass:    changedetect.Append,
		MessagesAdded:  added,
		Warnings:       result.Warnings,
	}, true, nil
}

// parseFull runs the probe-selected parser, preferring the chunked loop when
// the parser supports it.
func (p *Pipeline) parseFull(ctx context.Context, filePath string, opts Options, job *db.IngestionJob, metrics *stageMetrics) (*parser.ParsedConversation, parser.Metadata, error) {
	var (
		chosen parser.Parser
		err    error
	)
	if opts.AgentTypeHint != "" {
		if found, ok := p.registry.Find(opts.AgentTypeHint); ok {
			if probe, probeErr := found.Probe(filePath); probeErr == nil && probe.CanParse {
				chosen = found
			}
		}
	}
	if chosen == nil {
		chosen, _, err = p.registry.ParserFor(filePath)
		if err != nil {
			return nil, parser.Metadata{}, err
		}
	}
	md := chosen.Metadata()

	start := time.Now()
	defer func() { metrics.ParseMS = time.Since(start).Milliseconds() }()

	if chunked, ok := chosen.(parser.ChunkedParser); ok && md.Has(parser.CapChunked) {
		recordParser(job, md, "chunked")
		parsed, err := parseChunked(ctx, chunked, filePath)
		return parsed, md, err
	}

	recordParser(job, md, "full")
	parsed, err := chosen.Parse(ctx, filePath)
	if err != nil {
		return nil, md, err
	}
	return parsed, md, nil
}

// parseChunked drives the bounded-batch loop until the parser reports the
// last chunk, accumulating into one ParsedConversation.
func parseChunked(ctx context.Context, cp parser.ChunkedParser, filePath string) (*parser.ParsedConversation, error) {
	meta, err := cp.ParseMetadata(filePath)
	if err != nil {
		return nil, err
	}

	parsed := &parser.ParsedConversation{Metadata: *meta}
	offset := int64(0)
	lines := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, errkind.Wrap(errkind.Cancelled, "chunked parse cancelled", err)
		}
		chunk, err := cp.ParseMessages(ctx, filePath, offset, chunkLimit)
		if err != nil {
			return nil, err
		}
		parsed.Messages = append(parsed.Messages, chunk.Messages...)
		parsed.Warnings = append(parsed.Warnings, chunk.Warnings...)
		offset = chunk.NextOffset
		lines += chunk.LinesRead
		if chunk.IsLast {
			parsed.FileSize = chunk.FileSize
			parsed.EndOffset = chunk.NextOffset
			parsed.EndLine = lines
			parsed.PartialHash = chunk.PartialHash
			break
		}
	}

	parser.PairToolResults(parsed.Messages)
	parsed.Plans = parser.ExtractPlans(parsed.Messages)
	parsed.Type = parser.ClassifyConversation(parsed.Metadata, len(parsed.Messages))
	return parsed, nil
}

// persistFull writes a fully parsed conversation with replace semantics
// under one transaction.
func (p *Pipeline) persistFull(ctx context.Context, workspaceID, filePath, fileHash string, md parser.Metadata, parsed *parser.ParsedConversation, rawLog *db.RawLog, opts Options) (string, int, error) {
	var convID string
	added := 0
	err := p.db.Update(func(tx *sql.Tx) error {
		conv, err := p.resolveConversation(tx, workspaceID, parsed, rawLog, md.Name)
		if err != nil {
			return err
		}
		convID = conv.ID

		if err := db.DeleteConversationMessagesTx(tx, conv.ID); err != nil {
			return err
		}

		epochs, err := ensureEpochs(tx, conv.ID, parsed.Messages)
		if err != nil {
			return err
		}
		msgs := toDBMessages(conv.ID, epochs, parsed.Messages, 1)
		if err := db.InsertMessagesTx(tx, msgs); err != nil {
			return err
		}
		added = len(msgs)

		applyParsedMetadata(conv, parsed, md)
		if err := db.UpdateConversationTx(tx, *conv); err != nil {
			return err
		}

		if err := p.upsertRawLog(tx, workspaceID, filePath, fileHash, conv.ID, md.Name, rawLog, parsed.FileSize, parsed.EndOffset, parsed.EndLine, parsed.PartialHash); err != nil {
			return err
		}
		if err := db.RecountConversationTx(tx, conv.ID); err != nil {
			return err
		}

		// Deferred hierarchy linkage: resolve the parent pointer if the
		// parent already exists; orphans wait for the sweep.
		return p.linkParentTx(tx, workspaceID, conv)
	})
	return convID, added, err
}

// persistIncremental appends new messages after the stored cursor.
func (p *Pipeline) persistIncremental(workspaceID, fileHash string, rawLog *db.RawLog, parserName string, result *parser.IncrementalResult) (int, error) {
	added := 0
	err := p.db.Update(func(tx *sql.Tx) error {
		convID := *rawLog.ConversationID
		maxSeq, err := db.MaxSequenceTx(tx, convID)
		if err != nil {
			return err
		}
		epochs, err := db.EpochsTx(tx, convID)
		if err != nil {
			return err
		}
		epochByIdx := make(map[int]string, len(epochs))
		highest := 0
		for _, e := range epochs {
			epochByIdx[e.Sequence] = e.ID
			if e.Sequence > highest {
				highest = e.Sequence
			}
		}
		for _, m := range result.Messages {
			if _, ok := epochByIdx[m.Epoch]; !ok {
				e, err := db.CreateEpochTx(tx, convID, m.Epoch, "")
				if err != nil {
					return err
				}
				epochByIdx[m.Epoch] = e.ID
			}
		}

		msgs := make([]db.Message, 0, len(result.Messages))
		seq := maxSeq + 1
		for _, m := range result.Messages {
			dm := toDBMessage(convID, epochByIdx[m.Epoch], seq, m)
			msgs = append(msgs, dm)
			seq++
		}
		if err := db.InsertMessagesTx(tx, msgs); err != nil {
			return err
		}
		added = len(msgs)

		updated := *rawLog
		updated.FileHash = fileHash
		updated.FileSizeBytes = result.FileSize
		updated.LastProcessedOffset = result.NextOffset
		updated.LastProcessedLine = result.NextLine
		if result.PartialHash != "" {
			updated.PartialHash = &result.PartialHash
		}
		if err := db.UpdateRawLogCursorTx(tx, updated); err != nil {
			return err
		}
		return db.RecountConversationTx(tx, convID)
	})
	return added, err
}

// resolveConversation finds the conversation this file belongs to, in
// precedence order: collector session id, raw-log mapping, native session
// id, then a fresh row.
func (p *Pipeline) resolveConversation(tx *sql.Tx, workspaceID string, parsed *parser.ParsedConversation, rawLog *db.RawLog, agentType string) (*db.Conversation, error) {
	meta := parsed.Metadata

	if meta.SessionID != "" {
		if conv, err := db.FindConversationByCollectorSessionTx(tx, workspaceID, meta.SessionID); err != nil {
			return nil, err
		} else if conv != nil {
			return conv, nil
		}
	}
	if rawLog != nil && rawLog.ConversationID != nil {
		conv, err := db.GetConversationTx(tx, workspaceID, *rawLog.ConversationID)
		if err == nil {
			return conv, nil
		}
		if !errkind.Is(err, errkind.NotFound) {
			return nil, err
		}
	}
	if meta.SessionID != "" {
		if conv, err := db.FindConversationBySessionTx(tx, workspaceID, meta.SessionID); err != nil {
			return nil, err
		} else if conv != nil {
			return conv, nil
		}
	}

	conv := &db.Conversation{
		ID:          db.NewID(),
		WorkspaceID: workspaceID,
		AgentType:   agentType,
		Type:        string(parsed.Type),
		Status:      "completed",
		SessionID:   optional(meta.SessionID),
	}
	if meta.WorkingDirectory != "" {
		name := parser.ProjectFromCwdAndBranch(meta.WorkingDirectory, meta.GitBranch)
		project, err := db.GetOrCreateProjectTx(tx, workspaceID, meta.WorkingDirectory, name)
		if err != nil {
			return nil, err
		}
		conv.ProjectID = &project.ID
		if err := db.TouchProjectTx(tx, project.ID); err != nil {
			return nil, err
		}
	}
	if username := currentUsername(); username != "" {
		dev, err := db.GetOrCreateDeveloperTx(tx, workspaceID, username)
		if err != nil {
			return nil, err
		}
		conv.DeveloperID = &dev.ID
	}
	if err := db.InsertConversationTx(tx, *conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// linkParentTx resolves parent_session_id against existing conversations in
// the same workspace. Missing parents stay orphaned without touching the
// linking attempt counter.
func (p *Pipeline) linkParentTx(tx *sql.Tx, workspaceID string, conv *db.Conversation) error {
	if conv.ParentSessionID == nil || conv.ParentConversationID != nil {
		return nil
	}
	parent, err := db.FindConversationBySessionTx(tx, workspaceID, *conv.ParentSessionID)
	if err != nil {
		return err
	}
	if parent == nil || parent.ID == conv.ID {
		return nil
	}
	return db.SetParentConversationTx(tx, workspaceID, conv.ID, parent.ID)
}

// upsertRawLog advances an existing cursor row or creates one for a file
// seen the first time.
func (p *Pipeline) upsertRawLog(tx *sql.Tx, workspaceID, filePath, fileHash, convID, parserName string, rawLog *db.RawLog, size, offset int64, line int, partialHash string) error {
	if rawLog != nil {
		updated := *rawLog
		updated.FileHash = fileHash
		updated.FileSizeBytes = size
		updated.LastProcessedOffset = offset
		updated.LastProcessedLine = line
		updated.AgentType = &parserName
		updated.ParserName = &parserName
		if partialHash != "" {
			updated.PartialHash = &partialHash
		}
		return db.UpdateRawLogCursorTx(tx, updated)
	}
	newLog := db.RawLog{
		ID:                  db.NewID(),
		WorkspaceID:         workspaceID,
		ConversationID:      &convID,
		FilePath:            filePath,
		FileHash:            fileHash,
		FileSizeBytes:       size,
		LastProcessedOffset: offset,
		LastProcessedLine:   line,
		AgentType:           &parserName,
		ParserName:          &parserName,
	}
	if partialHash != "" {
		newLog.PartialHash = &partialHash
	}
	return db.InsertRawLogTx(tx, newLog)
}

// applyParsedMetadata copies session metadata and plan data from the parse
// onto the conversation row.
func applyParsedMetadata(conv *db.Conversation, parsed *parser.ParsedConversation, md parser.Metadata) {
	meta := parsed.Metadata
	conv.AgentType = md.Name
	conv.Type = string(parsed.Type)
	if meta.SessionID != "" {
		conv.SessionID = &meta.SessionID
	}
	if meta.ParentSessionID != "" {
		conv.ParentSessionID = &meta.ParentSessionID
	}
	if meta.AgentVersion != "" {
		conv.AgentVersion = &meta.AgentVersion
	}
	if meta.WorkingDirectory != "" {
		conv.WorkingDirectory = &meta.WorkingDirectory
	}
	if meta.GitBranch != "" {
		conv.GitBranch = &meta.GitBranch
	}
	if !meta.StartedAt.IsZero() {
		s := db.FormatTime(meta.StartedAt)
		conv.StartedAt = &s
	}
	if n := len(parsed.Messages); n > 0 {
		if last := parsed.Messages[n-1].Timestamp; !last.IsZero() {
			s := db.FormatTime(last)
			conv.EndedAt = &s
		}
	}
	if len(parsed.Plans) > 0 {
		if data, err := json.Marshal(parsed.Plans); err == nil {
			conv.Plans = string(data)
		}
	}
}

// ensureEpochs creates one epoch per distinct parser epoch index (at least
// the default epoch 0) and returns ids keyed by index.
func ensureEpochs(tx *sql.Tx, conversationID string, msgs []parser.Message) (map[int]string, error) {
	indices := map[int]bool{0: true}
	for _, m := range msgs {
		indices[m.Epoch] = true
	}
	sorted := make([]int, 0, len(indices))
	for idx := range indices {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	epochs := make(map[int]string, len(sorted))
	for _, idx := range sorted {
		e, err := db.CreateEpochTx(tx, conversationID, idx, "")
		if err != nil {
			return nil, err
		}
		epochs[idx] = e.ID
	}
	return epochs, nil
}

// toDBMessages assigns sequences starting at firstSeq in file order.
func toDBMessages(conversationID string, epochs map[int]string, msgs []parser.Message, firstSeq int) []db.Message {
	out := make([]db.Message, 0, len(msgs))
	for i, m := range msgs {
		epochID := epochs[m.Epoch]
		if epochID == "" {
			epochID = epochs[0]
		}
		out = append(out, toDBMessage(conversationID, epochID, firstSeq+i, m))
	}
	return out
}

func toDBMessage(conversationID, epochID string, seq int, m parser.Message) db.Message {
	dm := db.Message{
		ConversationID: conversationID,
		EpochID:        epochID,
		Sequence:       seq,
		Role:           string(m.Role),
		Content:        m.Content,
		TokensInput:    m.TokensInput,
		TokensOutput:   m.TokensOutput,
	}
	if m.Thinking != "" {
		dm.Thinking = &m.Thinking
	}
	if m.Model != "" {
		dm.Model = &m.Model
	}
	if !m.Timestamp.IsZero() {
		ts := db.FormatTime(m.Timestamp)
		dm.Timestamp = &ts
	}
	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			dm.ToolCallsJSON = string(data)
		}
	}
	if len(m.ToolResults) > 0 {
		if data, err := json.Marshal(m.ToolResults); err == nil {
			dm.ToolResultsJSON = string(data)
		}
	}
	if len(m.CodeChanges) > 0 {
		if data, err := json.Marshal(m.CodeChanges); err == nil {
			dm.CodeChangesJSON = string(data)
		}
	}
	return dm
}

func recordParser(job *db.IngestionJob, md parser.Metadata, method string) {
	name, version := md.Name, md.Version
	job.ParserName = &name
	job.ParserVersion = &version
	job.ParseMethod = &method
}

func marshalWarnings(warnings []parser.Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return ""
	}
	return string(data)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
