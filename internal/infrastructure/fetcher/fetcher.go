package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 5 << 20
	defaultUserAgent    = "Mozilla/5.0 (compatible; HarmLens/1.0)"
)

// PageLoader returns the HTML of a page
type PageLoader interface {
	Load(ctx context.Context, url string) (string, error)
}

// Config holds configuration for the fetcher
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Fetcher retrieves product pages and scores how much of the expected
// structure could be extracted
type Fetcher struct {
	loader  PageLoader
	timeout time.Duration
	logger  *zap.Logger
}

var _ domain.PageFetcher = (*Fetcher)(nil)

// New creates a fetcher that loads pages with loader. A nil loader means plain HTTP.
func New(loader PageLoader, config Config) *Fetcher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewHTTPLoader(config)
	}
	return &Fetcher{
		loader:  loader,
		timeout: timeout,
		logger:  logger.Named("fetcher"),
	}
}

// Fetch loads url and extracts its sections. Any failure yields empty
// content and zero confidence; the error is informational.
func (f *Fetcher) Fetch(ctx context.Context, url string) (domain.RawContent, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	html, err := f.loader.Load(ctx, url)
	if err != nil {
		f.logger.Warn("page load failed", zap.String("url", url), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return domain.RawContent{URL: url}, 0, err
	}

	content, confidence := f.FromHTML(url, html, "")
	f.logger.Debug("page fetched",
		zap.String("url", url),
		zap.Int("html_bytes", len(html)),
		zap.Int("sections", len(content.Sections)),
		zap.Float64("confidence", confidence),
		zap.Duration("elapsed", time.Since(start)))
	return content, confidence, nil
}

// FromHTML extracts sections from HTML supplied by the caller
func (f *Fetcher) FromHTML(url, html, reviewsHTML string) (domain.RawContent, float64) {
	content, confidence := Extract(url, html)
	if reviewsHTML != "" {
		content.Reviews = ExtractReviews(reviewsHTML)
	}
	return content, confidence
}

// HTTPLoader loads pages with net/http
type HTTPLoader struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPLoader creates a plain HTTP page loader
func NewHTTPLoader(config Config) *HTTPLoader {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &HTTPLoader{
		httpClient:   &http.Client{Timeout: timeout},
		userAgent:    userAgent,
		maxBodyBytes: maxBody,
	}
}

// Load performs a GET and returns the body of a 2xx response
func (l *HTTPLoader) Load(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &domain.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBodyBytes))
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}
	return string(body), nil
}
