package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harmlens/backend/internal/domain"
)

const (
	defaultBaseURL    = "https://api.search.brave.com/res/v1"
	defaultMaxResults = 5
	maxAttempts       = 2
)

var tagRegex = regexp.MustCompile(`<[^>]+>`)

// Config holds web search client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client queries a Brave-compatible web search API
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	maxResults  int
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

var _ domain.SearchTool = (*Client)(nil)

// searchResponse is the subset of the API response we read
type searchResponse struct {
	Web struct {
		Results []struct {
			Title         string   `json:"title"`
			URL           string   `json:"url"`
			Description   string   `json:"description"`
			ExtraSnippets []string `json:"extra_snippets"`
		} `json:"results"`
	} `json:"web"`
}

// NewClient creates a new web search client
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxResults := config.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		apiKey:      config.APIKey,
		maxResults:  maxResults,
		rateLimiter: rate.NewLimiter(rate.Limit(1), 2),
		logger:      logger.Named("websearch"),
	}
}

// Search runs query and returns up to MaxResults hits
func (c *Client) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrInvalidRequest
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(c.maxResults))
	reqURL := fmt.Sprintf("%s/web/search?%s", c.baseURL, params.Encode())

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		results, retry, err := c.do(ctx, reqURL)
		if err == nil {
			c.logger.Debug("search complete", zap.String("query", query), zap.Int("results", len(results)))
			return results, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		c.logger.Warn("search failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}

	return nil, lastErr
}

// do performs one request; retry reports whether the failure is transient
func (c *Client) do(ctx context.Context, reqURL string) ([]domain.SearchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)
	req.Header.Set("User-Agent", "HarmLens/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", domain.ErrSearchAPIFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: reading body: %v", domain.ErrSearchAPIFailure, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, fmt.Errorf("%w: %w", domain.ErrSearchAPIFailure, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", domain.ErrSearchAPIFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: status %d", domain.ErrSearchAPIFailure, resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("%w: failed to decode response: %v", domain.ErrSearchAPIFailure, err)
	}

	results := make([]domain.SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		snippet := r.Description
		if len(r.ExtraSnippets) > 0 {
			snippet += " " + strings.Join(r.ExtraSnippets, " ")
		}
		results = append(results, domain.SearchResult{
			Title:   stripTags(r.Title),
			Snippet: stripTags(snippet),
			URL:     r.URL,
		})
		if len(results) == c.maxResults {
			break
		}
	}
	return results, false, nil
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRegex.ReplaceAllString(s, "")))
}
