package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/llm"
)

const taggingSystem = `You label AI coding assistant sessions. Given a session
transcript, produce short lowercase topic tags (e.g. "debugging",
"refactoring", "test-writing") with a confidence between 0 and 1 for each.`

var taggingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tags": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"confidence": {"type": "number"}
				},
				"required": ["name", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["tags"],
	"additionalProperties": false
}`)

// runTagging canonicalizes the conversation, asks the provider for tags, and
// persists the ones that clear the confidence threshold.
func (p *Pool) runTagging(ctx context.Context, job *db.WorkerJob) (string, error) {
	narrative, err := p.narrative(ctx, job)
	if err != nil {
		return "", err
	}
	resp, err := p.complete(ctx, taggingSystem, narrative, taggingSchema)
	if err != nil {
		return "", err
	}

	parsed, err := parseStructured(resp.Content)
	if err != nil {
		return "", err
	}
	tags := make([]string, 0)
	for _, tag := range parsed.Get("tags").Array() {
		name := strings.TrimSpace(strings.ToLower(tag.Get("name").Str))
		if name == "" || tag.Get("confidence").Float() < p.cfg.ConfidenceThreshold {
			continue
		}
		tags = append(tags, name)
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshalling tags: %w", err)
	}
	err = p.db.Update(func(tx *sql.Tx) error {
		return db.UpdateConversationTagsTx(tx, *job.ConversationID, string(tagsJSON))
	})
	if err != nil {
		return "", fmt.Errorf("persisting tags: %w", err)
	}

	return p.jobResult(resp, map[string]any{"tags": tags})
}

// detectionSpec parameterizes the two recommendation-producing jobs.
type detectionSpec struct {
	kind   string
	system string
}

var slashCommandSpec = detectionSpec{
	kind: "slash_command",
	system: `You review AI coding assistant sessions for workflow friction.
Identify prompts the developer retypes or rephrases repeatedly that would
make a good reusable slash command. For each, propose a command name as the
title and a short rationale as the body, with a confidence between 0 and 1.
Return an empty list when nothing stands out.`,
}

var mcpSpec = detectionSpec{
	kind: "mcp",
	system: `You review AI coding assistant sessions for tool usage patterns.
Identify external systems the assistant reached through ad-hoc shell commands
(databases, issue trackers, cloud APIs) that a dedicated MCP server would
serve better. For each, name the integration as the title and explain the
observed pattern as the body, with a confidence between 0 and 1. Return an
empty list when nothing stands out.`,
}

var detectionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"recommendations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"body": {"type": "string"},
					"confidence": {"type": "number"}
				},
				"required": ["title", "body", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["recommendations"],
	"additionalProperties": false
}`)

// runDetection runs a recommendation-producing job and persists the
// suggestions that clear the confidence threshold.
func (p *Pool) runDetection(ctx context.Context, job *db.WorkerJob, spec detectionSpec) (string, error) {
	narrative, err := p.narrative(ctx, job)
	if err != nil {
		return "", err
	}
	resp, err := p.complete(ctx, spec.system, narrative, detectionSchema)
	if err != nil {
		return "", err
	}

	parsed, err := parseStructured(resp.Content)
	if err != nil {
		return "", err
	}
	kept := make([]db.Recommendation, 0)
	for _, rec := range parsed.Get("recommendations").Array() {
		title := strings.TrimSpace(rec.Get("title").Str)
		confidence := rec.Get("confidence").Float()
		if title == "" || confidence < p.cfg.ConfidenceThreshold {
			continue
		}
		model := resp.Model
		kept = append(kept, db.Recommendation{
			WorkspaceID:    job.WorkspaceID,
			ConversationID: job.ConversationID,
			Kind:           spec.kind,
			Title:          title,
			Body:           strings.TrimSpace(rec.Get("body").Str),
			Confidence:     confidence,
			Model:          &model,
		})
	}

	if len(kept) > 0 {
		cost := p.provider.CalculateCost(resp.PromptTokens, resp.CompletionTokens)
		perRec := cost / float64(len(kept))
		err = p.db.Update(func(tx *sql.Tx) error {
			for i := range kept {
				kept[i].CostUSD = perRec
				if err := db.InsertRecommendationTx(tx, kept[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("persisting recommendations: %w", err)
		}
	}

	return p.jobResult(resp, map[string]any{"recommendations": len(kept)})
}

// complete calls the provider, failing fast when none is configured.
func (p *Pool) complete(ctx context.Context, system, user string, schema json.RawMessage) (llm.Response, error) {
	if p.provider == nil {
		return llm.Response{}, errkind.Hinted(errkind.InvalidArgument,
			"no llm provider configured", "set llm_provider and an api key")
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	defer cancel()
	return p.provider.Complete(ctx, llm.Request{System: system, User: user, Schema: schema})
}

// parseStructured validates the provider's JSON payload, tolerating markdown
// code fences from prompt-fallback providers. Malformed output is transient:
// a retry often yields valid JSON.
func parseStructured(content string) (gjson.Result, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if !gjson.Valid(content) {
		return gjson.Result{}, errkind.Newf(errkind.Transient,
			"provider returned malformed JSON: %.120s", content)
	}
	return gjson.Parse(content), nil
}

// jobResult records the usage accounting stored on the job row.
func (p *Pool) jobResult(resp llm.Response, extra map[string]any) (string, error) {
	out := map[string]any{
		"model":             resp.Model,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"cost_usd":          p.provider.CalculateCost(resp.PromptTokens, resp.CompletionTokens),
		"duration_ms":       resp.DurationMS,
	}
	for k, v := range extra {
		out[k] = v
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshalling job result: %w", err)
	}
	return string(raw), nil
}
