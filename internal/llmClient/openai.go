package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient calls any OpenAI-compatible chat completion API in JSON mode.
type OpenAIClient struct {
	client openai.Client
	model  string
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	// retries belong to the llm middleware chain
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAIClient) Name() string { return "OpenAI:" + o.model }
func (o *OpenAIClient) Close() error { return nil }

func (o *OpenAIClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	user := req.Prompt
	if len(req.Schema) > 0 {
		user += "\n\n[OUTPUT SCHEMA]\n" + string(req.Schema)
	}
	msgs := []openai.ChatCompletionMessageParamUnion{}
	if strings.TrimSpace(req.Instructions) != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instructions))
	}
	msgs = append(msgs, openai.UserMessage(user))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: msgs,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices: %w", ErrInvalidJSON)
	}
	return extractJSON(resp.Choices[0].Message.Content)
}

// classifyOpenAIError marks client-side failures (bad key, bad request) as
// permanent so the retry middleware gives up immediately. Throttled calls
// keep the provider's rate-limit headers for the retry wait.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return NewPermanentError(err)
	}
	if apiErr.Response != nil {
		if h, ok := ParseRateLimitHeaders(apiErr.Response.Header); ok && (apiErr.StatusCode == http.StatusTooManyRequests || h.RetryAfter > 0) {
			return &RateLimitedError{Headers: h, Err: err}
		}
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Err: err}
	}
	return err
}
