package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/errkind"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// anthropicPricing is USD per million tokens, keyed by model prefix.
var anthropicPricing = map[string]struct{ in, out float64 }{
	"claude-opus":   {15.0, 75.0},
	"claude-sonnet": {3.0, 15.0},
	"claude-haiku":  {0.8, 4.0},
}

// Anthropic talks to the Messages API. Structured output rides a forced tool
// call whose input schema is the requested JSON schema.
type Anthropic struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewAnthropic builds the provider. baseURL may be empty for the public API.
func NewAnthropic(apiKey, model, baseURL string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if a.apiKey == "" {
		return Response{}, errkind.Hinted(errkind.PermissionDenied,
			"anthropic api key not configured", "set STENO_ANTHROPIC_API_KEY")
	}

	body := map[string]any{
		"model":      a.model,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "user", "content": req.User},
		},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if len(req.Schema) > 0 {
		body["tools"] = []map[string]any{{
			"name":         "emit_result",
			"description":  "Record the structured result.",
			"input_schema": json.RawMessage(req.Schema),
		}}
		body["tool_choice"] = map[string]string{"type": "tool", "name": "emit_result"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Internal, "marshal anthropic request", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Internal, "build anthropic request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Transient, "anthropic request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Transient, "read anthropic response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPStatus(resp.StatusCode, string(raw))
	}

	parsed := gjson.ParseBytes(raw)
	out := Response{
		Model:            parsed.Get("model").Str,
		PromptTokens:     int(parsed.Get("usage.input_tokens").Int()),
		CompletionTokens: int(parsed.Get("usage.output_tokens").Int()),
		FinishReason:     parsed.Get("stop_reason").Str,
		DurationMS:       since(start),
	}
	for _, block := range parsed.Get("content").Array() {
		switch block.Get("type").Str {
		case "tool_use":
			out.Content = block.Get("input").Raw
		case "text":
			if out.Content == "" {
				out.Content = block.Get("text").Str
			}
		}
	}
	if out.Content == "" {
		return Response{}, errkind.New(errkind.Internal, "anthropic response carried no content")
	}
	return out, nil
}

func (a *Anthropic) CalculateCost(promptTokens, completionTokens int) float64 {
	for prefix, price := range anthropicPricing {
		if strings.HasPrefix(a.model, prefix) {
			return float64(promptTokens)/1e6*price.in +
				float64(completionTokens)/1e6*price.out
		}
	}
	return 0
}
