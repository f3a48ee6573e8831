package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harmlens/backend/internal/domain"
)

const (
	apiVersion       = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
	defaultRetries   = 3
	maxBackoff       = 10 * time.Second

	// statusOverloaded is returned by the API when it sheds load
	statusOverloaded = 529
)

// Config holds model API client configuration
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	MaxRetries        int
	Logger            *zap.Logger
}

// Client handles communication with the Anthropic Messages API
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	maxRetries  int
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

var _ domain.ModelClient = (*Client)(nil)

// messagesRequest is the wire format of POST /v1/messages
type messagesRequest struct {
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens"`
	System      string                  `json:"system,omitempty"`
	Messages    []domain.ModelMessage   `json:"messages"`
	Tools       []domain.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *domain.ToolChoice      `json:"tool_choice,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
}

// apiError is the error envelope returned by the API
type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a new Messages API client
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := config.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	rpm := config.RequestsPerMinute
	if rpm <= 0 {
		rpm = 50
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// rate.Limit is requests per second
	limiter := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/10))

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		apiKey:      config.APIKey,
		baseURL:     baseURL,
		model:       model,
		maxTokens:   maxTokens,
		maxRetries:  maxRetries,
		rateLimiter: limiter,
		logger:      logger.Named("anthropic"),
	}
}

// Model returns the model identifier requests are sent to
func (c *Client) Model() string {
	return c.model
}

// CreateMessage sends one completion request, retrying overload, rate-limit
// and server errors with exponential backoff
func (c *Client) CreateMessage(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		start := time.Now()
		status, body, header, err := c.doRequest(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("request error", zap.Int("attempt", attempt), zap.Error(err))
			lastErr = err
			if err := sleep(ctx, exponentialBackoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		if status == http.StatusOK {
			var resp domain.ModelResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("%w: failed to decode response: %v", domain.ErrModelAPIFailure, err)
			}
			c.logger.Debug("message created",
				zap.String("stop_reason", resp.StopReason),
				zap.Int("input_tokens", resp.Usage.InputTokens),
				zap.Int("output_tokens", resp.Usage.OutputTokens),
				zap.Duration("elapsed", time.Since(start)))
			return &resp, nil
		}

		apiErr := describeError(status, body)
		c.logger.Warn("API error", zap.Int("attempt", attempt), zap.Int("status", status), zap.String("error", apiErr))

		switch {
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr)
		case status >= 500 || status == statusOverloaded:
			lastErr = fmt.Errorf("%w: status %d: %s", domain.ErrModelAPIFailure, status, apiErr)
		default:
			// Other 4xx responses will not succeed on retry
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrModelAPIFailure, status, apiErr)
		}

		if attempt < c.maxRetries {
			wait := max(exponentialBackoff(attempt), retryAfter(header))
			if err := sleep(ctx, min(wait, maxBackoff)); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Error("all retries failed", zap.Int("attempts", c.maxRetries), zap.Error(lastErr))
	return nil, lastErr
}

// doRequest executes a POST with the API headers
func (c *Client) doRequest(ctx context.Context, payload []byte) (int, []byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("User-Agent", "HarmLens/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", domain.ErrModelAPIFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: reading body: %v", domain.ErrModelAPIFailure, err)
	}
	return resp.StatusCode, body, resp.Header, nil
}

// exponentialBackoff returns 500ms, 1s, 2s, ... for attempts 1, 2, 3, ...
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(500*(1<<(attempt-1))) * time.Millisecond
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After")))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func describeError(status int, body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Type + ": " + e.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return text
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
