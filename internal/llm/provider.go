// Package llm abstracts the completion providers the background workers
// call. Providers share one request/response shape; structured output uses
// native JSON-schema support where the API offers it and a prompt fallback
// otherwise.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/errkind"
)

// Request is one completion call.
type Request struct {
	System string
	User   string
	// Schema, when set, asks for a JSON object matching this JSON schema.
	Schema json.RawMessage
}

// Response is the provider-normalized completion result.
type Response struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
	Model            string `json:"model"`
	DurationMS       int64  `json:"duration_ms"`
}

// Provider is one completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	// CalculateCost returns the request price in USD.
	CalculateCost(promptTokens, completionTokens int) float64
}

// CompleteFunc adapts a function to Provider for tests and stubs.
type CompleteFunc func(ctx context.Context, req Request) (Response, error)

type funcProvider struct {
	name string
	fn   CompleteFunc
}

// ProviderFunc wraps fn as a zero-cost Provider.
func ProviderFunc(name string, fn CompleteFunc) Provider {
	return &funcProvider{name: name, fn: fn}
}

func (p *funcProvider) Name() string { return p.name }
func (p *funcProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return p.fn(ctx, req)
}
func (p *funcProvider) CalculateCost(int, int) float64 { return 0 }

// New builds the configured provider wrapped in its rate limiter.
func New(cfg *config.Config) (Provider, error) {
	var p Provider
	switch cfg.LLMProvider {
	case "anthropic":
		p = NewAnthropic(cfg.AnthropicAPIKey, cfg.LLMModel, cfg.LLMBaseURL, cfg.LLMTimeout)
	case "openai":
		p = NewOpenAI(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMBaseURL, cfg.LLMTimeout)
	case "cli":
		p = NewCLI(cfg.LLMCLICommand, cfg.LLMTimeout)
	default:
		return nil, errkind.Newf(errkind.InvalidArgument,
			"unknown llm provider %q", cfg.LLMProvider)
	}
	return RateLimited(p, cfg.LLMRatePerMin), nil
}

// classifyHTTPStatus maps provider status codes onto error kinds: rate
// limits and server trouble are retryable, everything else is permanent.
func classifyHTTPStatus(status int, body string) error {
	msg := fmt.Sprintf("provider returned %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return errkind.New(errkind.Transient, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.New(errkind.PermissionDenied, msg)
	default:
		return errkind.New(errkind.Internal, msg)
	}
}

// schemaPrompt is the structured-output fallback for providers without
// native JSON-schema support.
func schemaPrompt(user string, schema json.RawMessage) string {
	return user + "\n\nRespond with a single JSON object matching this JSON schema, and nothing else:\n" + string(schema)
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
