// Package canon produces bounded textual narratives of conversations for
// downstream LLM consumption. Narratives are cached per
// (conversation, type) and regenerated when the source drifts.
package canon

import (
	"context"
	"log/slog"
	"time"

	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

// Version identifies the narrative algorithm; bumping it invalidates every
// cached canonical.
const Version = "2"

// Canonical types.
const (
	TypeTagging  = "tagging"
	TypeInsights = "insights"
	TypeExport   = "export"
)

// Sampling strategies.
const (
	StrategySemantic      = "semantic"
	StrategyEpoch         = "epoch"
	StrategyChronological = "chronological"
)

// headerFraction of the budget goes to the metadata header.
const headerFraction = 0.10

// childInlineWindow bounds how far a child conversation's start may sit from
// a message timestamp and still be inlined next to it.
const childInlineWindow = 60 * time.Second

// Options select what to generate.
type Options struct {
	Type            string
	Strategy        string
	ForceRegenerate bool
	IncludeChildren bool
	// ChildBudgetOverride caps the token share spent on children; zero
	// keeps the configured fraction.
	ChildBudgetOverride int
}

func (o *Options) normalize() error {
	if o.Type == "" {
		o.Type = TypeInsights
	}
	switch o.Type {
	case TypeTagging, TypeInsights, TypeExport:
	default:
		return errkind.Newf(errkind.InvalidArgument, "unknown canonical type %q", o.Type)
	}
	if o.Strategy == "" {
		o.Strategy = StrategySemantic
	}
	switch o.Strategy {
	case StrategySemantic, StrategyEpoch, StrategyChronological:
	default:
		return errkind.Newf(errkind.InvalidArgument, "unknown sampling strategy %q", o.Strategy)
	}
	return nil
}

// Service generates and caches canonical narratives.
type Service struct {
	db     *db.DB
	cfg    *config.Config
	logger *slog.Logger
}

// NewService wires the canonicalizer.
func NewService(database *db.DB, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{db: database, cfg: cfg, logger: logger}
}

// Result is a generated or cached canonical.
type Result struct {
	db.CanonicalCache
	FromCache       string `json:"from_cache"` // "hit" or "miss"
	MessagesSampled int    `json:"messages_sampled"`
	MessagesTotal   int    `json:"messages_total"`
}

// Generate returns the canonical narrative for a conversation, serving the
// cache when it is still valid.
func (s *Service) Generate(ctx context.Context, workspaceID, conversationID string, opts Options) (*Result, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	conv, err := s.db.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRegenerate {
		cached, err := s.db.GetCanonical(ctx, conversationID, opts.Type)
		if err != nil {
			return nil, err
		}
		if cached != nil && s.cacheValid(cached, conv) {
			return &Result{
				CanonicalCache:  *cached,
				FromCache:       "hit",
				MessagesTotal:   conv.MessageCount,
				MessagesSampled: cached.SourceMessageCount,
			}, nil
		}
	}

	result, err := s.build(ctx, workspaceID, conv, opts)
	if err != nil {
		return nil, err
	}
	if err := s.db.PutCanonical(result.CanonicalCache); err != nil {
		return nil, err
	}
	return result, nil
}

// cacheValid applies the invalidation rule: version match, message drift
// under the regeneration threshold, and TTL not elapsed.
func (s *Service) cacheValid(cached *db.CanonicalCache, conv *db.Conversation) bool {
	if cached.Version != Version {
		return false
	}
	if cached.ExpiresAt != nil {
		if exp, ok := db.ParseTime(*cached.ExpiresAt); ok && time.Now().After(exp) {
			return false
		}
	}

	delta := conv.MessageCount - cached.SourceMessageCount
	if delta < 0 {
		delta = -delta
	}
	avgTokens := 0
	if cached.SourceMessageCount > 0 {
		avgTokens = cached.SourceTokenEstimate / cached.SourceMessageCount
	}
	return delta*avgTokens <= s.cfg.RegenerationThresholdTokens
}

// build assembles one narrative from scratch.
func (s *Service) build(ctx context.Context, workspaceID string, conv *db.Conversation, opts Options) (*Result, error) {
	budget, ok := s.cfg.BudgetFor(opts.Type)
	if !ok {
		return nil, errkind.Newf(errkind.InvalidArgument, "unknown canonical type %q", opts.Type)
	}

	msgs, err := s.db.AllMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	epochs, err := s.db.ListEpochs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	sourceTokens := 0
	for i := range msgs {
		sourceTokens += messageTokens(&msgs[i])
	}

	childBudget := int(float64(budget) * s.cfg.ChildBudgetFraction)
	if opts.ChildBudgetOverride > 0 && opts.ChildBudgetOverride < childBudget {
		childBudget = opts.ChildBudgetOverride
	}
	var children []childNarrative
	if opts.IncludeChildren {
		children, err = s.childNarratives(ctx, workspaceID, conv, opts, childBudget)
		if err != nil {
			return nil, err
		}
	}
	if len(children) == 0 {
		childBudget = 0
	}

	headerBudget := int(float64(budget) * headerFraction)
	messageBudget := budget - headerBudget - childBudget
	if messageBudget < 0 {
		messageBudget = 0
	}

	var sampled []db.Message
	switch opts.Strategy {
	case StrategyEpoch:
		sampled = epochSample(msgs, messageBudget)
	case StrategyChronological:
		sampled = msgs
	default:
		sampled = semanticSample(msgs, messageBudget)
	}

	narrative := renderPlay(conv, epochs, msgs, sampled, children, s.cfg.ContentTruncateLen)
	tokenCount := estimateTokens(narrative)

	expires := db.FormatTime(time.Now().Add(s.ttl(conv)))
	cache := db.CanonicalCache{
		ConversationID:      conv.ID,
		CanonicalType:       opts.Type,
		Narrative:           narrative,
		TokenCount:          tokenCount,
		SourceMessageCount:  len(msgs),
		SourceTokenEstimate: sourceTokens,
		Version:             Version,
		ExpiresAt:           &expires,
	}
	return &Result{
		CanonicalCache:  cache,
		FromCache:       "miss",
		MessagesSampled: len(sampled),
		MessagesTotal:   len(msgs),
	}, nil
}

// childNarratives canonicalizes each child with include_children=false so
// recursion stops at one level, splitting the child budget evenly.
func (s *Service) childNarratives(ctx context.Context, workspaceID string, conv *db.Conversation, opts Options, childBudget int) ([]childNarrative, error) {
	kids, err := s.db.ChildConversations(ctx, workspaceID, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(kids) == 0 || childBudget <= 0 {
		return nil, nil
	}
	perChild := childBudget / len(kids)
	if perChild <= 0 {
		perChild = childBudget
		kids = kids[:1]
	}

	out := make([]childNarrative, 0, len(kids))
	for _, kid := range kids {
		res, err := s.Generate(ctx, workspaceID, kid.ID, Options{
			Type:                opts.Type,
			Strategy:            opts.Strategy,
			IncludeChildren:     false,
			ChildBudgetOverride: perChild,
		})
		if err != nil {
			s.logger.Warn("child canonicalization failed",
				"conversation_id", kid.ID, "error", err.Error())
			continue
		}
		cn := childNarrative{
			conversationID: kid.ID,
			agentType:      kid.AgentType,
			narrative:      res.Narrative,
		}
		if kid.StartedAt != nil {
			if ts, ok := db.ParseTime(*kid.StartedAt); ok {
				cn.startedAt = ts
			}
		}
		out = append(out, cn)
	}
	return out, nil
}

// ttl picks the cache lifetime: short for recently active conversations,
// long for dormant ones.
func (s *Service) ttl(conv *db.Conversation) time.Duration {
	last := conv.CreatedAt
	if conv.EndedAt != nil {
		last = *conv.EndedAt
	} else if conv.StartedAt != nil {
		last = *conv.StartedAt
	}
	if ts, ok := db.ParseTime(last); ok && time.Since(ts) <= 7*24*time.Hour {
		return 7 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// estimateTokens approximates the LLM token count of a text; four bytes per
// token is close enough for budget arithmetic.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}

// messageTokens estimates one message's token weight including tool and
// thinking payloads.
func messageTokens(m *db.Message) int {
	total := estimateTokens(m.Content)
	if m.Thinking != nil {
		total += estimateTokens(*m.Thinking)
	}
	total += estimateTokens(m.ToolCallsJSON)
	total += estimateTokens(m.CodeChangesJSON)
	return total
}
