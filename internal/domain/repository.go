package domain

import (
	"context"
	"time"
)

// CacheRepository defines the key-value contract for persisted analyses
type CacheRepository interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// KnowledgeBase is the read-only view of canonical substances used by the pipeline
type KnowledgeBase interface {
	All() []KnowledgeBaseEntry
	Lookup(name string) (KnowledgeBaseEntry, bool)
	Search(ctx context.Context, term string) ([]KnowledgeBaseEntry, error)
}

// ModelClient sends completion requests to the language model
type ModelClient interface {
	CreateMessage(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	Model() string
}

// SearchTool runs a free-text web search for the detector
type SearchTool interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// PageFetcher retrieves a product page and rates the extraction quality
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (RawContent, float64, error)
	FromHTML(url, html, reviewsHTML string) (RawContent, float64)
}

// WarningRecorder persists validation warnings for later review
type WarningRecorder interface {
	RecordWarnings(ctx context.Context, warnings []ValidationWarning) error
	RecentWarnings(ctx context.Context, limit int) ([]ValidationWarning, error)
}

// WarningReporter aggregates the warning log for review
type WarningReporter interface {
	WarningStats(ctx context.Context, since time.Time) (*WarningStats, error)
	FlaggedSubstances(ctx context.Context, limit int) ([]FlaggedSubstance, error)
}
