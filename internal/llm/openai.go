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

const openaiDefaultBaseURL = "https://api.openai.com"

var openaiPricing = map[string]struct{ in, out float64 }{
	"gpt-4o":      {2.5, 10.0},
	"gpt-4o-mini": {0.15, 0.6},
	"o3":          {2.0, 8.0},
}

// OpenAI talks to the Chat Completions API with native json_schema
// response_format for structured output.
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAI(apiKey, model, baseURL string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if o.apiKey == "" {
		return Response{}, errkind.Hinted(errkind.PermissionDenied,
			"openai api key not configured", "set STENO_OPENAI_API_KEY")
	}

	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.User})

	body := map[string]any{
		"model":    o.model,
		"messages": messages,
	}
	if len(req.Schema) > 0 {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "result",
				"strict": true,
				"schema": json.RawMessage(req.Schema),
			},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Internal, "marshal openai request", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Internal, "build openai request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Transient, "openai request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errkind.Wrap(errkind.Transient, "read openai response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPStatus(resp.StatusCode, string(raw))
	}

	parsed := gjson.ParseBytes(raw)
	choice := parsed.Get("choices.0")
	content := choice.Get("message.content").Str
	if content == "" {
		return Response{}, errkind.New(errkind.Internal, "openai response carried no content")
	}
	return Response{
		Content:          content,
		Model:            parsed.Get("model").Str,
		PromptTokens:     int(parsed.Get("usage.prompt_tokens").Int()),
		CompletionTokens: int(parsed.Get("usage.completion_tokens").Int()),
		FinishReason:     choice.Get("finish_reason").Str,
		DurationMS:       since(start),
	}, nil
}

func (o *OpenAI) CalculateCost(promptTokens, completionTokens int) float64 {
	// Longest prefix wins so gpt-4o-mini does not price as gpt-4o.
	best := ""
	for prefix := range openaiPricing {
		if strings.HasPrefix(o.model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	price := openaiPricing[best]
	return float64(promptTokens)/1e6*price.in +
		float64(completionTokens)/1e6*price.out
}
