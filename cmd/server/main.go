package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harmlens/backend/config"
	httpDelivery "github.com/harmlens/backend/internal/delivery/http"
	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/anthropic"
	"github.com/harmlens/backend/internal/infrastructure/cache"
	"github.com/harmlens/backend/internal/infrastructure/fetcher"
	"github.com/harmlens/backend/internal/infrastructure/knowledgebase"
	"github.com/harmlens/backend/internal/infrastructure/logging"
	"github.com/harmlens/backend/internal/infrastructure/websearch"
	"github.com/harmlens/backend/internal/usecase"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Server.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting HarmLens backend",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port),
		zap.String("cache_type", cfg.Cache.Type),
		zap.String("model", cfg.Anthropic.Model),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Knowledge base
	store, err := knowledgebase.NewStore(cfg.KnowledgeBase.Path)
	if err != nil {
		return fmt.Errorf("opening knowledge base: %w", err)
	}
	defer store.Close()

	if cfg.KnowledgeBase.SeedOnStart {
		seeded, err := store.SeedIfEmpty(ctx)
		if err != nil {
			return fmt.Errorf("seeding knowledge base: %w", err)
		}
		if seeded > 0 {
			logger.Info("seeded knowledge base", zap.Int("entries", seeded))
		}
	}

	entries, err := store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading knowledge base: %w", err)
	}
	matcher := usecase.NewMatchingService(usecase.MatchConfig{
		SimilarityThreshold: cfg.Matching.SimilarityThreshold,
		Logger:              logger,
	})
	kb, err := usecase.NewKnowledgeBaseIndex(entries, matcher)
	if err != nil {
		return fmt.Errorf("indexing knowledge base: %w", err)
	}
	logger.Info("knowledge base ready", zap.String("path", store.Path()), zap.Int("entries", kb.Len()))
	if kb.Len() == 0 {
		logger.Warn("knowledge base is empty; every claim will be rejected")
	}

	// Cache backend
	cacheRepo, closeCache, err := newCacheRepository(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeCache.Close()

	// Model and tools
	model := anthropic.NewClient(anthropic.Config{
		APIKey:            cfg.Anthropic.APIKey,
		BaseURL:           cfg.Anthropic.BaseURL,
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Timeout:           cfg.Anthropic.Timeout,
		RequestsPerMinute: cfg.Anthropic.RequestsPerMinute,
		MaxRetries:        cfg.Anthropic.MaxRetries,
		Logger:            logger,
	})

	var search domain.SearchTool
	if cfg.Search.APIKey != "" {
		search = websearch.NewClient(websearch.Config{
			BaseURL:    cfg.Search.BaseURL,
			APIKey:     cfg.Search.APIKey,
			MaxResults: cfg.Search.MaxResults,
			Timeout:    cfg.Search.Timeout,
			Logger:     logger,
		})
	} else {
		logger.Warn("search API key not configured; detector runs without web_search")
	}

	fetcherConfig := fetcher.Config{
		Timeout:      cfg.Fetcher.Timeout,
		UserAgent:    cfg.Fetcher.UserAgent,
		MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		Logger:       logger,
	}
	var loader fetcher.PageLoader
	if cfg.Fetcher.Renderer == "browser" {
		browser := fetcher.NewBrowserLoader(cfg.Fetcher.BrowserControlURL, cfg.Fetcher.Timeout)
		defer browser.Close()
		loader = browser
		logger.Info("rendering product pages in headless browser")
	}
	pageFetcher := fetcher.New(loader, fetcherConfig)

	// Usecases
	analysisService := usecase.NewAnalysisService(
		usecase.AnalysisDeps{
			Cache: usecase.NewAnalysisCache(cacheRepo, usecase.AnalysisCacheConfig{
				TTL:     cfg.Cache.TTL,
				Timeout: cfg.Cache.Timeout,
				Logger:  logger,
			}),
			Fetcher: pageFetcher,
			Extractor: usecase.NewExtractor(model, usecase.ExtractorConfig{
				MaxTokens: cfg.Anthropic.MaxTokens,
				Logger:    logger,
			}),
			Detector: usecase.NewDetector(model, search, pageFetcher, kb, usecase.AgentConfig{
				MaxIterations: cfg.Agent.MaxIterations,
				TokenBudget:   cfg.Agent.TokenBudget,
				CostBudgetUSD: cfg.Agent.CostBudgetUSD,
				MaxTokens:     cfg.Anthropic.MaxTokens,
				Logger:        logger,
			}),
			Validator: usecase.NewValidator(kb, matcher, logger),
			Warnings:  store,
			ModelName: model.Model(),
		},
		usecase.AnalysisServiceConfig{
			LowConfidenceThreshold:  cfg.Fetcher.LowConfidenceThreshold,
			ProceedOnBudgetExceeded: cfg.Agent.ProceedOnBudgetExceeded,
			FetchTimeout:            cfg.Fetcher.Timeout,
			PipelineTimeout:         cfg.Server.RequestTimeout,
			Logger:                  logger,
		},
	)

	handler := httpDelivery.NewHandler(analysisService, kb, httpDelivery.HandlerConfig{
		Version:        version,
		Warnings:       store,
		Reports:        store,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	router := httpDelivery.SetupRouter(cfg, handler, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// newCacheRepository builds the configured cache backend. The returned
// closer releases it on shutdown.
func newCacheRepository(ctx context.Context, cfg *config.Config, store *knowledgebase.Store) (domain.CacheRepository, io.Closer, error) {
	switch cfg.Cache.Type {
	case "redis":
		redisCache, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting cache: %w", err)
		}
		return redisCache, redisCache, nil
	case "sqlite":
		// shares the knowledge-base connection, which run closes itself
		return cache.NewSQLiteCache(store.DB()), io.NopCloser(nil), nil
	default:
		memoryCache := cache.NewMemoryCache()
		return memoryCache, memoryCache, nil
	}
}

func init() {
	// Standard-library log is only used before the zap logger exists
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.SetOutput(os.Stdout)
}
