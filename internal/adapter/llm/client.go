package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
	"reasonchain/internal/infra/metrics"
	"reasonchain/internal/infra/tracer"
)

// errConsumerGone is returned when the event sink stops accepting events.
var errConsumerGone = fmt.Errorf("event consumer gone: %w", context.Canceled)

// chatClient holds what every OpenAI-compatible backend client shares.
type chatClient struct {
	name        string
	model       string
	apiKey      string
	endpoint    string
	maxTokens   int
	temperature *float64
	client      *http.Client
	logger      *slog.Logger
}

func newChatClient(cfg config.BackendConfig, proxyURL string, logger *slog.Logger) chatClient {
	return chatClient{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		endpoint:    cfg.Endpoint(),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg, proxyURL),
		logger:      logger.With("backend", cfg.Name),
	}
}

// Name implements domain.Backend.
func (c *chatClient) Name() string { return c.name }

type chatPayload struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Stream      bool             `json:"stream"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

func (c *chatClient) payload(req domain.ChatRequest, stream bool) ([]byte, error) {
	body, err := json.Marshal(chatPayload{
		Model:       c.model,
		Messages:    req.Messages(),
		Stream:      stream,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (c *chatClient) headers() map[string]string {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	return headers
}

func (c *chatClient) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.BackendSpan(ctx, op, c.name, c.model)
}

// stream opens a streaming request and hands the body to decode.
func (c *chatClient) stream(ctx context.Context, req domain.ChatRequest, decode func(context.Context, *http.Response) (*domain.Completion, error)) (*domain.Completion, error) {
	ctx, span := c.startSpan(ctx, "llm.stream")
	defer span.End()

	body, err := c.payload(req, true)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}

	resp, err := doStreamRequest(ctx, c.client, c.endpoint, body, c.headers())
	if err != nil {
		tracer.Finish(span, err)
		metrics.BackendRequest(c.name, err)
		return nil, err
	}
	defer resp.Body.Close()

	comp, err := decode(ctx, resp)
	metrics.BackendRequest(c.name, err)
	if err != nil {
		tracer.Finish(span, err)
		return comp, err
	}

	tracer.StreamStats(span, comp.Frames, comp.EmptyFrames, comp.Completed)
	tracer.Finish(span, nil)
	c.logger.Debug("llm stream finished",
		"frames", comp.Frames,
		"empty_frames", comp.EmptyFrames,
		"completed", comp.Completed,
		"finish_reason", comp.FinishReason,
	)
	return comp, nil
}

// complete sends a batch request and hands the body to decode.
func (c *chatClient) complete(ctx context.Context, req domain.ChatRequest, decode func([]byte) (*domain.Completion, error)) (*domain.Completion, error) {
	ctx, span := c.startSpan(ctx, "llm.complete")
	defer span.End()

	body, err := c.payload(req, false)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}

	respBody, err := doJSONRequest(ctx, c.client, c.endpoint, body, c.headers())
	if err != nil {
		tracer.Finish(span, err)
		metrics.BackendRequest(c.name, err)
		return nil, err
	}

	comp, err := decode(respBody)
	metrics.BackendRequest(c.name, err)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}
	tracer.Finish(span, nil)
	c.logger.Debug("llm completion received", "method", comp.Method, "content_len", len(comp.Content))
	return comp, nil
}

// completionResponse is the batch response envelope. Choice and message
// bodies stay raw so the ordered extractors can inspect them.
type completionResponse struct {
	Choices    []map[string]json.RawMessage `json:"choices"`
	Content    json.RawMessage              `json:"content"`
	Candidates []struct {
		Content map[string]json.RawMessage `json:"content"`
	} `json:"candidates"`
}

func decodeCompletionResponse(body []byte) (*completionResponse, error) {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %w", domain.ErrProtocol, err)
	}
	return &resp, nil
}

// firstMessage returns the message object of the first choice, if any.
func (r *completionResponse) firstMessage() map[string]json.RawMessage {
	if len(r.Choices) == 0 {
		return nil
	}
	var msg map[string]json.RawMessage
	if raw, ok := r.Choices[0]["message"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &msg); err == nil {
			return msg
		}
	}
	return nil
}

func (r *completionResponse) finishReason() string {
	if len(r.Choices) == 0 {
		return ""
	}
	s, _ := rawString(r.Choices[0]["finish_reason"])
	return s
}
