// Package vlm talks to an OpenAI-compatible chat-completions endpoint that
// accepts image URLs (Doubao/Volcengine Ark and similar).
package vlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/pkg/retry"
)

const (
	defaultHTTPTimeout    = 300 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultMaxTokens      = 8192
	defaultTemperature    = 0.7
	// go-openai drops a zero temperature from the request, so synthesis
	// asks for the lowest value the API still receives.
	synthesisTemperature = 0.01
	maxErrorRunes        = 512
)

// Config captures the runtime settings required to talk to the model.
type Config struct {
	APIKey         string
	Endpoint       string
	Model          string
	MaxTokens      int
	Temperature    float64
	TimeoutSeconds int
}

// Client implements analysis.Model and analysis.Synthesizer.
type Client struct {
	cfg        Config
	httpClient *http.Client
	api        *openai.Client
	logger     *slog.Logger

	retryAttempts  int
	retryBaseDelay time.Duration
}

var (
	_ analysis.Model       = (*Client)(nil)
	_ analysis.Synthesizer = (*Client)(nil)
)

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the number of attempts per call and the backoff base.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient constructs a model client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}

	c := &Client{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         slog.Default(),
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.Endpoint
	apiCfg.HTTPClient = c.httpClient
	c.api = openai.NewClientWithConfig(apiCfg)
	return c
}

func (c *Client) Name() string { return c.cfg.Model }

// Analyze sends the frames of one call and parses the structured answer.
func (c *Client) Analyze(ctx context.Context, call analysis.Call) (analysis.Output, error) {
	if len(call.Frames) == 0 {
		return analysis.Output{}, errors.New("vlm analyze: no frames")
	}
	payload := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(call),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: float32(c.cfg.Temperature),
	}
	content, err := c.complete(ctx, payload, "vlm analyze")
	if err != nil {
		return analysis.Output{}, err
	}
	return parseAnswer(content), nil
}

// Synthesize asks for one overall description of the chunk answers. It runs
// at a near-zero temperature so repeated runs stay close.
func (c *Client) Synthesize(ctx context.Context, chunks []analysis.ChunkOutput, customPrompt string) (analysis.Output, error) {
	if len(chunks) == 0 {
		return analysis.Output{}, errors.New("vlm synthesize: no chunks")
	}
	payload := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    buildSynthesisMessages(chunks, customPrompt),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: synthesisTemperature,
	}
	content, err := c.complete(ctx, payload, "vlm synthesize")
	if err != nil {
		return analysis.Output{}, err
	}
	return parseAnswer(content), nil
}

// HealthCheck verifies that the endpoint is configured.
func (c *Client) HealthCheck(context.Context) error {
	if c.cfg.APIKey == "" {
		return errors.New("vlm: api key required")
	}
	if c.cfg.Endpoint == "" {
		return errors.New("vlm: endpoint required")
	}
	return nil
}

// retryableStatus covers rate limiting, request timeouts and server faults.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *Client) complete(ctx context.Context, payload openai.ChatCompletionRequest, op string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("%s: api key required", op)
	}
	if c.cfg.Endpoint == "" {
		return "", fmt.Errorf("%s: endpoint required", op)
	}

	var content string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: c.retryAttempts,
		BaseDelay:   c.retryBaseDelay,
		Retryable:   domain.IsTransient,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("model call failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var err error
		content, err = c.sendOnce(ctx, payload, op)
		return err
	})
	return content, err
}

func (c *Client) sendOnce(ctx context.Context, payload openai.ChatCompletionRequest, op string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, payload)
	if err != nil {
		return "", classify(ctx, op, err)
	}
	for _, choice := range resp.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", domain.Transient(op, errors.New("empty completion"))
}

// classify marks failures worth another attempt as transient. Answers with a
// status are judged by it; anything else that is not a cancellation is a
// transport error.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(op, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return statusError(op, reqErr.HTTPStatusCode, msg, err)
	}
	return domain.Transient(op, err)
}

// httpStatusError keeps the API error reachable through errors.As while
// printing only a bounded excerpt of its message.
type httpStatusError struct {
	StatusCode int
	Message    string
	cause      error
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *httpStatusError) Unwrap() error { return e.cause }

func statusError(op string, code int, msg string, cause error) error {
	err := &httpStatusError{StatusCode: code, Message: snippet(msg), cause: cause}
	if retryableStatus(code) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func snippet(s string) string {
	return truncateRunes(strings.TrimSpace(s), maxErrorRunes)
}
