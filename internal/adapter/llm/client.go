package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/config"
	"wave-agent/internal/infra/tracer"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client implements domain.AgentCaller against any OpenAI-compatible
// chat-completions endpoint, always streaming.
type Client struct {
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature *float64
	client      *http.Client
	logger      *slog.Logger
}

// NewClient creates a client from cfg.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      NewHTTPClient(cfg),
		logger:      logger,
	}
}

// CallAgent implements domain.AgentCaller. Deltas are reported through the
// request callbacks on the calling goroutine, in arrival order. A cancelled
// ctx returns ctx.Err().
func (c *Client) CallAgent(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.call_agent",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", c.model),
			tracer.IntAttr("llm.messages", len(req.Messages)),
			tracer.IntAttr("llm.tools", len(req.Tools)),
		),
	)
	defer span.End()

	resp, err := c.stream(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		tracer.RecordError(span, err)
		return nil, domain.NewSubSystemError("llm", "Client.CallAgent", err, "")
	}

	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	c.logger.Debug("llm call completed",
		"model", c.model,
		"tool_calls", len(resp.ToolCalls),
		"tokens", resp.Usage.TotalTokens,
	)
	return resp, nil
}

func (c *Client) stream(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	body, err := json.Marshal(c.toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	// Stops the reader goroutine when we return before the stream ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpResp, err := doStreamRequest(ctx, c.client, c.baseURL+"/chat/completions", body, headers)
	if err != nil {
		return nil, err
	}

	acc := newStreamAccumulator(req)
	sawDone := false
	for ev := range parseSSEStream(ctx, httpResp.Body) {
		switch {
		case ev.err != nil:
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderError, ev.err)
		case ev.done:
			sawDone = true
		case ev.chunk.Error != nil:
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, ev.chunk.Error.Message)
		default:
			acc.add(*ev.chunk)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !sawDone {
		c.logger.Debug("llm stream ended without [DONE]")
	}
	return acc.finish(), nil
}

// IsCancellation reports whether err comes from an aborted call rather than
// the provider.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var _ domain.AgentCaller = (*Client)(nil)
