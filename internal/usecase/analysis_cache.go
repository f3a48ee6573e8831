package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

// defaultCacheTimeout bounds every backend call
const defaultCacheTimeout = 2 * time.Second

// AnalysisCacheConfig holds configuration for the analysis cache
type AnalysisCacheConfig struct {
	TTL     time.Duration // 0 keeps entries until overwritten
	Timeout time.Duration
	Logger  *zap.Logger
}

// AnalysisCache is the URL-keyed get/put layer in front of a CacheRepository
type AnalysisCache struct {
	repo    domain.CacheRepository
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewAnalysisCache creates a cache over repo
func NewAnalysisCache(repo domain.CacheRepository, config AnalysisCacheConfig) *AnalysisCache {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultCacheTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisCache{
		repo:    repo,
		ttl:     config.TTL,
		timeout: timeout,
		logger:  logger.Named("cache"),
		now:     time.Now,
	}
}

// Get returns the cached analysis for rawURL or ErrCacheMiss
func (c *AnalysisCache) Get(ctx context.Context, rawURL string) (*domain.AnalysisResult, error) {
	key, err := URLHash(rawURL)
	if err != nil {
		return nil, err
	}
	return c.GetByHash(ctx, key)
}

// GetByHash returns the cached analysis stored under urlHash
func (c *AnalysisCache) GetByHash(ctx context.Context, urlHash string) (*domain.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry, err := c.repo.Get(ctx, cacheKey(urlHash))
	if err != nil {
		if errors.Is(err, domain.ErrCacheMiss) {
			return nil, domain.ErrCacheMiss
		}
		return nil, &domain.CacheError{Op: "get", Key: urlHash, Err: err}
	}
	if entry == nil || entry.Result == nil {
		return nil, domain.ErrCacheMiss
	}
	return entry.Result, nil
}

// Put stores result under the hash of rawURL, replacing any previous entry
func (c *AnalysisCache) Put(ctx context.Context, rawURL string, result *domain.AnalysisResult) error {
	key, err := URLHash(rawURL)
	if err != nil {
		return err
	}
	return c.PutByHash(ctx, key, result)
}

// PutByHash stores result under urlHash, replacing any previous entry
func (c *AnalysisCache) PutByHash(ctx context.Context, urlHash string, result *domain.AnalysisResult) error {
	if result == nil {
		return domain.ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entry := &domain.CacheEntry{
		URLHash:   urlHash,
		Result:    result,
		WrittenAt: c.now().UTC(),
	}
	if err := c.repo.Set(ctx, cacheKey(urlHash), entry, c.ttl); err != nil {
		return &domain.CacheError{Op: "put", Key: urlHash, Err: err}
	}

	logging.FromContext(logging.WithURLHash(ctx, urlHash), c.logger).Debug("analysis cached")
	return nil
}

// cacheKey namespaces url hashes inside shared backends
func cacheKey(urlHash string) string {
	return "analysis:" + urlHash
}
