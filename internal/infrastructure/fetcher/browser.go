package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/harmlens/backend/internal/domain"
)

// BrowserLoader renders pages in headless Chrome for sites that build the
// product page client-side. The browser is started lazily and reused.
type BrowserLoader struct {
	controlURL string
	timeout    time.Duration

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserLoader creates a loader connected to controlURL, or to a locally
// launched headless browser when controlURL is empty
func NewBrowserLoader(controlURL string, timeout time.Duration) *BrowserLoader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BrowserLoader{controlURL: controlURL, timeout: timeout}
}

// Load opens url in a new tab, waits for the load event and returns the DOM HTML
func (b *BrowserLoader) Load(ctx context.Context, url string) (string, error) {
	browser, err := b.connect()
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: err}
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("opening page: %w", err)}
	}
	defer func() { _ = page.Close() }()

	page = page.Timeout(b.timeout)
	if err := page.WaitLoad(); err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("waiting for load: %w", err)}
	}

	html, err := page.HTML()
	if err != nil {
		return "", &domain.FetchError{URL: url, Err: fmt.Errorf("reading DOM: %w", err)}
	}
	return html, nil
}

// Close shuts down the browser connection
func (b *BrowserLoader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

func (b *BrowserLoader) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.controlURL
	if controlURL == "" {
		u, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	b.browser = browser
	return browser, nil
}
