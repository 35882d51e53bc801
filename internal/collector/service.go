// Package collector implements the event protocol remote agents use to
// stream conversations in sequenced batches. Each batch applies under one
// transaction serialized by the conversation's last_event_sequence.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/parser"
)

// Service handles collector registration, authentication, and event batches.
type Service struct {
	db     *db.DB
	logger *slog.Logger
}

// NewService wires the collector service.
func NewService(database *db.DB, logger *slog.Logger) *Service {
	return &Service{db: database, logger: logger}
}

// RegisterRequest is the body of a collector registration.
type RegisterRequest struct {
	WorkspaceID      string `json:"workspace_id"`
	CollectorType    string `json:"collector_type"`
	CollectorVersion string `json:"collector_version,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
}

// RegisterResult carries the one-time full API key.
type RegisterResult struct {
	CollectorID  string `json:"collector_id"`
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
	CreatedAt    string `json:"created_at"`
}

// Register creates a collector and mints its API key. The key is returned
// exactly once; only its hash is stored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if req.WorkspaceID == "" || req.CollectorType == "" {
		return RegisterResult{}, errkind.New(errkind.InvalidArgument,
			"workspace_id and collector_type are required")
	}
	if _, err := s.db.GetWorkspace(ctx, req.WorkspaceID); err != nil {
		return RegisterResult{}, err
	}

	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return RegisterResult{}, err
	}

	c := db.Collector{
		WorkspaceID:   req.WorkspaceID,
		CollectorType: req.CollectorType,
		KeyHash:       hash,
		KeyPrefix:     prefix,
	}
	if req.CollectorVersion != "" {
		c.CollectorVersion = &req.CollectorVersion
	}
	if req.Hostname != "" {
		c.Hostname = &req.Hostname
	}
	created, err := s.db.CreateCollector(c)
	if err != nil {
		return RegisterResult{}, err
	}

	s.logger.Info("collector registered",
		"collector_id", created.ID,
		"workspace_id", created.WorkspaceID,
		"collector_type", created.CollectorType)

	return RegisterResult{
		CollectorID:  created.ID,
		APIKey:       key,
		APIKeyPrefix: prefix,
		CreatedAt:    created.CreatedAt,
	}, nil
}

// Authenticate resolves a collector id and verifies its API key, returning
// the collector on success. Unknown ids and bad keys both classify as
// PermissionDenied so collector ids cannot be probed.
func (s *Service) Authenticate(ctx context.Context, collectorID, apiKey string) (*db.Collector, error) {
	if collectorID == "" || apiKey == "" {
		return nil, errkind.New(errkind.PermissionDenied, "missing collector credentials")
	}
	c, err := s.db.GetCollector(ctx, collectorID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return nil, errkind.New(errkind.PermissionDenied, "invalid api key")
		}
		return nil, err
	}
	if err := VerifyAPIKey(apiKey, c.KeyHash); err != nil {
		return nil, err
	}
	if err := s.db.TouchCollector(c.ID); err != nil {
		s.logger.Warn("touching collector", "collector_id", c.ID, "error", err.Error())
	}
	return c, nil
}

// BatchResult reports the outcome of one event batch.
type BatchResult struct {
	Accepted       int      `json:"accepted"`
	LastSequence   int64    `json:"last_sequence"`
	ConversationID string   `json:"conversation_id"`
	Warnings       []string `json:"warnings,omitempty"`
}

// IngestEvents applies one batch for a session. A first batch creates the
// conversation (absent→active); later batches must continue the sequence or
// fail with GapDetected. Events at or below the stored watermark, and events
// whose hash was already applied, are silently filtered.
func (s *Service) IngestEvents(ctx context.Context, workspaceID, collectorType, sessionID string, events []Event) (BatchResult, error) {
	if sessionID == "" {
		return BatchResult{}, errkind.New(errkind.InvalidArgument, "session_id is required")
	}
	if len(events) == 0 {
		return BatchResult{}, errkind.New(errkind.InvalidArgument, "event batch is empty")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return BatchResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, errkind.Wrap(errkind.Cancelled, "batch cancelled", err)
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var result BatchResult
	err := s.db.Update(func(tx *sql.Tx) error {
		conv, err := db.FindConversationByCollectorSessionTx(tx, workspaceID, sessionID)
		if err != nil {
			return err
		}
		if conv == nil {
			conv, err = s.createSession(tx, workspaceID, collectorType, sessionID, sorted)
			if err != nil {
				return err
			}
		} else if minSeq := sorted[0].Sequence; minSeq > conv.LastEventSequence+1 {
			return &errkind.GapError{
				LastReceived: conv.LastEventSequence,
				Expected:     conv.LastEventSequence + 1,
			}
		}
		result.ConversationID = conv.ID

		epochID, err := defaultEpoch(tx, conv.ID)
		if err != nil {
			return err
		}
		nextMsgSeq, err := db.MaxSequenceTx(tx, conv.ID)
		if err != nil {
			return err
		}
		nextMsgSeq++

		for _, e := range sorted {
			if e.Sequence <= conv.LastEventSequence {
				continue
			}
			inserted, err := db.InsertEventTx(tx, db.CollectorEvent{
				ConversationID: conv.ID,
				Sequence:       e.Sequence,
				EventType:      e.Type,
				EventHash:      e.Hash(),
				EmittedAt:      e.EmittedAt,
				ObservedAt:     e.ObservedAt,
				Data:           string(e.Data),
			})
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			applied, err := s.applyEvent(tx, conv, epochID, nextMsgSeq, e)
			if err != nil {
				return err
			}
			if applied {
				nextMsgSeq++
			}
			result.Accepted++
			if e.Sequence > conv.LastEventSequence {
				conv.LastEventSequence = e.Sequence
			}
		}
		result.LastSequence = conv.LastEventSequence

		if err := db.UpdateConversationTx(tx, *conv); err != nil {
			return err
		}
		return db.RecountConversationTx(tx, conv.ID)
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// createSession handles absent→active: a conversation bound to the
// caller-chosen session id, seeded from the first session_start event.
func (s *Service) createSession(tx *sql.Tx, workspaceID, collectorType, sessionID string, events []Event) (*db.Conversation, error) {
	conv := &db.Conversation{
		ID:                 db.NewID(),
		WorkspaceID:        workspaceID,
		AgentType:          collectorType,
		Type:               "main",
		Status:             "active",
		CollectorSessionID: &sessionID,
		SessionID:          &sessionID,
	}
	if conv.AgentType == "" {
		conv.AgentType = "collector"
	}

	for _, e := range events {
		if e.Type != EventSessionStart {
			continue
		}
		if v := e.dataStr("agent_type"); v != "" {
			conv.AgentType = v
		}
		if v := e.dataStr("agent_version"); v != "" {
			conv.AgentVersion = &v
		}
		if v := e.dataStr("git_branch"); v != "" {
			conv.GitBranch = &v
		}
		if v := e.dataStr("working_directory"); v != "" {
			conv.WorkingDirectory = &v
			name := parser.ProjectFromCwdAndBranch(v, e.dataStr("git_branch"))
			project, err := db.GetOrCreateProjectTx(tx, workspaceID, v, name)
			if err != nil {
				return nil, err
			}
			conv.ProjectID = &project.ID
		}
		if v := e.dataStr("parent_session_id"); v != "" {
			conv.ParentSessionID = &v
			parent, err := db.FindConversationBySessionTx(tx, workspaceID, v)
			if err != nil {
				return nil, err
			}
			if parent != nil {
				conv.ParentConversationID = &parent.ID
			}
		}
		conv.StartedAt = &e.EmittedAt
		break
	}
	if conv.StartedAt == nil && len(events) > 0 {
		conv.StartedAt = &events[0].EmittedAt
	}

	if err := db.InsertConversationTx(tx, *conv); err != nil {
		return nil, err
	}
	if _, err := db.CreateEpochTx(tx, conv.ID, 0, ""); err != nil {
		return nil, err
	}
	return conv, nil
}

// applyEvent translates one accepted event into its data-model effect.
// Returns true when a message row was inserted at msgSeq.
func (s *Service) applyEvent(tx *sql.Tx, conv *db.Conversation, epochID string, msgSeq int, e Event) (bool, error) {
	switch e.Type {
	case EventSessionStart, EventSessionEnd:
		return false, nil

	case EventMetadata:
		merged, err := mergeJSON(conv.ExtraData, e.Data)
		if err != nil {
			return false, errkind.Wrap(errkind.InvalidArgument, "metadata event payload", err)
		}
		conv.ExtraData = merged
		return false, nil
	}

	m := db.Message{
		ConversationID: conv.ID,
		EpochID:        epochID,
		Sequence:       msgSeq,
	}
	if e.EmittedAt != "" {
		ts := e.EmittedAt
		m.Timestamp = &ts
	}

	switch e.Type {
	case EventMessage:
		m.Role = normalizeRole(e.dataStr("author_role"))
		m.Content = e.dataStr("content")
		if v := e.dataStr("model"); v != "" {
			m.Model = &v
		}
		if v := e.dataStr("thinking"); v != "" {
			m.Thinking = &v
		}
		m.TokensInput = e.dataInt("tokens_input")
		m.TokensOutput = e.dataInt("tokens_output")

	case EventToolCall:
		m.Role = "system"
		m.Content = "[tool_call] " + e.dataStr("tool_name")
		if params := e.dataStr("parameters"); params != "" {
			m.Content += " " + params
		}
		call := map[string]any{
			"tool_use_id": e.dataStr("tool_use_id"),
			"name":        e.dataStr("tool_name"),
		}
		if data, err := json.Marshal([]any{call}); err == nil {
			m.ToolCallsJSON = string(data)
		}

	case EventToolResult:
		m.Role = "system"
		m.Content = "[tool_result] " + e.dataStr("content")
		res := map[string]any{
			"tool_use_id": e.dataStr("tool_use_id"),
			"content":     e.dataStr("content"),
			"is_error":    e.dataBool("is_error") || e.dataStr("error") != "",
		}
		if data, err := json.Marshal([]any{res}); err == nil {
			m.ToolResultsJSON = string(data)
		}

	case EventThinking:
		m.Role = "assistant"
		thinking := e.dataStr("content")
		m.Thinking = &thinking

	case EventError:
		m.Role = "system"
		m.Content = "[error] " + e.dataStr("message")
	}

	if err := db.InsertMessagesTx(tx, []db.Message{m}); err != nil {
		return false, err
	}
	return true, nil
}

// SessionStatus is the resume snapshot for one collector session.
type SessionStatus struct {
	SessionID      string  `json:"session_id"`
	ConversationID string  `json:"conversation_id"`
	LastSequence   int64   `json:"last_sequence"`
	EventCount     int     `json:"event_count"`
	FirstEventAt   *string `json:"first_event_at,omitempty"`
	LastEventAt    *string `json:"last_event_at,omitempty"`
	Status         string  `json:"status"`
}

// Status returns the stored watermark so a client can truncate its buffer
// and resume.
func (s *Service) Status(ctx context.Context, workspaceID, sessionID string) (SessionStatus, error) {
	conv, err := s.db.FindConversationByCollectorSession(ctx, workspaceID, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	if conv == nil {
		return SessionStatus{}, errkind.Newf(errkind.NotFound, "session %s not found", sessionID)
	}
	stats, err := s.db.EventStatsFor(ctx, conv.ID)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		SessionID:      sessionID,
		ConversationID: conv.ID,
		LastSequence:   conv.LastEventSequence,
		EventCount:     stats.Count,
		FirstEventAt:   stats.FirstEventAt,
		LastEventAt:    stats.LastEventAt,
		Status:         conv.Status,
	}, nil
}

// CompleteRequest closes a session. FinalSequence is accepted for wire
// compatibility and ignored; the stored watermark is authoritative.
type CompleteRequest struct {
	FinalSequence int64  `json:"final_sequence,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// CompleteResult is the closed-session snapshot.
type CompleteResult struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	TotalEvents    int    `json:"total_events"`
}

// Complete transitions active→completed and enqueues a tagging job in the
// same transaction. Repeat calls return the completed state unchanged.
func (s *Service) Complete(ctx context.Context, workspaceID, sessionID string, req CompleteRequest) (CompleteResult, error) {
	if err := ctx.Err(); err != nil {
		return CompleteResult{}, errkind.Wrap(errkind.Cancelled, "complete cancelled", err)
	}

	var result CompleteResult
	err := s.db.Update(func(tx *sql.Tx) error {
		conv, err := db.FindConversationByCollectorSessionTx(tx, workspaceID, sessionID)
		if err != nil {
			return err
		}
		if conv == nil {
			return errkind.Newf(errkind.NotFound, "session %s not found", sessionID)
		}

		total, err := db.EventCountTx(tx, conv.ID)
		if err != nil {
			return err
		}
		result = CompleteResult{
			SessionID:      sessionID,
			ConversationID: conv.ID,
			Status:         conv.Status,
			TotalEvents:    total,
		}
		if conv.Status == "completed" {
			return nil
		}

		conv.Status = "completed"
		conv.Success = outcomeSuccess(req.Outcome)
		now := db.Now()
		conv.EndedAt = &now
		if req.Summary != "" {
			merged, err := mergeJSON(conv.ExtraData, mustRaw(map[string]string{"summary": req.Summary}))
			if err == nil {
				conv.ExtraData = merged
			}
		}
		if err := db.UpdateConversationTx(tx, *conv); err != nil {
			return err
		}
		if _, err := db.EnqueueWorkerJobTx(tx, workspaceID, conv.ID, db.JobKindTagging); err != nil {
			return err
		}
		result.Status = conv.Status
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return result, nil
}

// outcomeSuccess maps the wire outcome onto the tri-state success flag.
func outcomeSuccess(outcome string) *bool {
	switch outcome {
	case "success":
		v := true
		return &v
	case "failed", "abandoned":
		v := false
		return &v
	}
	return nil
}

func normalizeRole(role string) string {
	switch role {
	case "user", "assistant", "system", "tool":
		return role
	}
	return "user"
}

// defaultEpoch returns the conversation's first epoch, creating epoch 0 if
// none exists yet.
func defaultEpoch(tx *sql.Tx, conversationID string) (string, error) {
	epochs, err := db.EpochsTx(tx, conversationID)
	if err != nil {
		return "", err
	}
	if len(epochs) > 0 {
		return epochs[0].ID, nil
	}
	e, err := db.CreateEpochTx(tx, conversationID, 0, "")
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// mergeJSON shallow-merges incoming object fields over the existing JSON
// object.
func mergeJSON(existing string, incoming json.RawMessage) (string, error) {
	merged := make(map[string]any)
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return "", err
		}
	}
	patch := make(map[string]any)
	if len(incoming) > 0 {
		if err := json.Unmarshal(incoming, &patch); err != nil {
			return "", err
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
