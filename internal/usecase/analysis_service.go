package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

const (
	// DefaultLowConfidenceThreshold routes fetches below it to the fallback path
	DefaultLowConfidenceThreshold = 0.3

	// fallbackConfidenceCap bounds overall confidence when the page was read by the agent
	fallbackConfidenceCap = 0.8

	// degradedConfidenceCap bounds overall confidence of budget-degraded results
	degradedConfidenceCap = 0.5

	// ingredientClaimConfidence is assigned to substances read off the ingredient list
	ingredientClaimConfidence = 0.9

	defaultFetchTimeout    = 15 * time.Second
	defaultPipelineTimeout = 2 * time.Minute
)

// AnalysisDeps are the collaborators of the analysis pipeline
type AnalysisDeps struct {
	Cache     *AnalysisCache
	Fetcher   domain.PageFetcher
	Extractor *Extractor
	Detector  *Detector
	Validator *Validator
	Warnings  domain.WarningRecorder // optional
	ModelName string
}

// AnalysisServiceConfig holds configuration for the analysis service
type AnalysisServiceConfig struct {
	LowConfidenceThreshold  float64
	ProceedOnBudgetExceeded bool
	FetchTimeout            time.Duration
	PipelineTimeout         time.Duration // bounds a shared run once its callers have left
	Logger                  *zap.Logger
}

// AnalysisService runs the analysis pipeline behind the URL cache
type AnalysisService struct {
	deps                    AnalysisDeps
	lowConfidenceThreshold  float64
	proceedOnBudgetExceeded bool
	fetchTimeout            time.Duration
	pipelineTimeout         time.Duration
	logger                  *zap.Logger
	group                   singleflight.Group
	flights                 *flights
	now                     func() time.Time
	newID                   func() string
}

// NewAnalysisService creates a new analysis service with dependencies
func NewAnalysisService(deps AnalysisDeps, config AnalysisServiceConfig) *AnalysisService {
	threshold := config.LowConfidenceThreshold
	if !(threshold > 0 && threshold <= 1) {
		threshold = DefaultLowConfidenceThreshold
	}
	fetchTimeout := config.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	pipelineTimeout := config.PipelineTimeout
	if pipelineTimeout <= 0 {
		pipelineTimeout = defaultPipelineTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AnalysisService{
		deps:                    deps,
		lowConfidenceThreshold:  threshold,
		proceedOnBudgetExceeded: config.ProceedOnBudgetExceeded,
		fetchTimeout:            fetchTimeout,
		pipelineTimeout:         pipelineTimeout,
		logger:                  logger.Named("analysis"),
		flights:                 newFlights(),
		now:                     time.Now,
		newID:                   uuid.NewString,
	}
}

// Analyze returns the analysis for a product URL.
// Flow: validate -> cache -> fetch -> extract -> detect -> validate claims -> score -> cache write.
// Concurrent calls for the same URL share one pipeline run. The shared run
// outlives any single caller and is cancelled once every caller has left.
func (s *AnalysisService) Analyze(ctx context.Context, request *domain.AnalyzeRequest) (*domain.AnalyzeResponse, error) {
	if request == nil {
		return nil, domain.ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseProductURL(request.ProductURL); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}

	urlHash, err := URLHash(request.ProductURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	ctx = logging.WithURLHash(ctx, urlHash)
	log := logging.FromContext(ctx, s.logger)

	if !request.ForceRefresh {
		cached, err := s.deps.Cache.GetByHash(ctx, urlHash)
		switch {
		case err == nil:
			log.Info("cache hit")
			return &domain.AnalyzeResponse{Analysis: cached, Cached: true, URLHash: urlHash}, nil
		case !errors.Is(err, domain.ErrCacheMiss):
			log.Warn("cache read failed, analysing anyway", zap.Error(err))
		}
	}

	response, err := s.awaitShared(ctx, request, urlHash)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// joined a run whose callers had all gone; start a fresh one
		log.Debug("shared analysis was abandoned, retrying")
		response, err = s.awaitShared(ctx, request, urlHash)
	}
	return response, err
}

// awaitShared runs the pipeline for urlHash, or joins the run already in
// flight, and waits for its result or for ctx to end
func (s *AnalysisService) awaitShared(
	ctx context.Context,
	request *domain.AnalyzeRequest,
	urlHash string,
) (*domain.AnalyzeResponse, error) {
	run := s.flights.join(ctx, urlHash, s.pipelineTimeout)
	defer s.flights.leave(urlHash, run)

	ch := s.group.DoChan(urlHash, func() (interface{}, error) {
		defer s.flights.finish(urlHash, run)
		return s.runPipeline(run.ctx, request, urlHash)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logging.FromContext(ctx, s.logger).Debug("joined in-flight analysis")
		}
		response := *res.Val.(*domain.AnalyzeResponse)
		return &response, nil
	}
}

// runPipeline executes one uncached analysis
func (s *AnalysisService) runPipeline(
	ctx context.Context,
	request *domain.AnalyzeRequest,
	urlHash string,
) (*domain.AnalyzeResponse, error) {
	log := logging.FromContext(ctx, s.logger)
	usage := NewUsageTracker(s.deps.ModelName)

	content, fetchConfidence := s.acquireContent(ctx, request)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &domain.AnalysisResult{
		ID:      s.newID(),
		URL:     request.ProductURL,
		URLHash: urlHash,
	}

	var (
		outcome  *DetectionOutcome
		category string
		err      error
	)

	if fetchConfidence >= s.lowConfidenceThreshold {
		result.Path = domain.PathPrimary
		log.Info("primary path", zap.Float64("fetch_confidence", fetchConfidence))

		product, extractErr := s.deps.Extractor.Extract(ctx, content, usage)
		if extractErr != nil {
			log.Error("extraction failed", zap.Error(extractErr))
			return nil, failure(extractErr)
		}
		result.Product = product
		category = product.Category

		outcome, err = s.deps.Detector.DetectFromProduct(ctx, product, content.Reviews, usage)
	} else {
		result.Path = domain.PathFallback
		log.Info("fallback path", zap.Float64("fetch_confidence", fetchConfidence))

		outcome, err = s.deps.Detector.DetectFromURL(ctx, request.ProductURL, usage)
	}

	if err != nil {
		if !errors.Is(err, domain.ErrAgentBudgetExceeded) || !s.proceedOnBudgetExceeded {
			log.Error("detection failed", zap.Error(err))
			return nil, failure(err)
		}
		log.Warn("detector budget exceeded, returning degraded result", zap.Error(err))
		result.Degraded = true
		outcome = &DetectionOutcome{Confidence: degradedConfidenceCap}
	}

	if category == "" {
		category = outcome.Category
	}

	claims := outcome.Claims
	if result.Product != nil {
		claims = append(append([]domain.RawClaim(nil), claims...), ingredientClaims(result.Product)...)
	}

	detections, warnings, err := s.deps.Validator.Validate(ctx, claims)
	if err != nil {
		return nil, err
	}
	for i := range warnings {
		warnings[i].URLHash = urlHash
		warnings[i].RecordedAt = s.now().UTC()
	}

	result.Detections = detections
	if result.Detections == nil {
		result.Detections = []domain.ValidatedDetection{}
	}
	result.OverallConfidence = overallConfidence(result.Path, fetchConfidence, outcome.Confidence, result.Degraded)
	result.HarmScore = CalculateHarmScore(detections, result.OverallConfidence, category)
	result.RiskLevel = RiskLevelFor(result.HarmScore)
	result.AnalyzedAt = s.now().UTC()

	s.recordWarnings(ctx, warnings)

	// Degraded results are returned but never cached
	if !result.Degraded {
		if err := s.deps.Cache.PutByHash(ctx, urlHash, result); err != nil {
			log.Warn("cache write failed, returning uncached result", zap.Error(err))
		}
	}

	summary := usage.Summary()
	log.Info("analysis complete",
		zap.String("analysis_id", result.ID),
		zap.Int("harm_score", result.HarmScore),
		zap.Int("detections", len(detections)),
		zap.Int("warnings", len(warnings)),
		zap.Float64("confidence", result.OverallConfidence),
		zap.Int("model_calls", summary.Calls),
		zap.Float64("cost_usd", summary.CostUSD))

	return &domain.AnalyzeResponse{
		Analysis: result,
		Cached:   false,
		URLHash:  urlHash,
		Warnings: warnings,
		Usage:    &summary,
	}, nil
}

// acquireContent uses client-supplied HTML when present, otherwise fetches
// the page. Fetch failures are logged and yield zero confidence.
func (s *AnalysisService) acquireContent(ctx context.Context, request *domain.AnalyzeRequest) (domain.RawContent, float64) {
	if request.RawHTML != "" {
		return s.deps.Fetcher.FromHTML(request.ProductURL, request.RawHTML, request.ReviewsHTML)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	content, confidence, err := s.deps.Fetcher.Fetch(fetchCtx, request.ProductURL)
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("fetch failed", zap.Error(err))
		return domain.RawContent{URL: request.ProductURL}, 0
	}

	if request.ReviewsHTML != "" {
		reviews, _ := s.deps.Fetcher.FromHTML(request.ProductURL, "", request.ReviewsHTML)
		content.Reviews = reviews.Reviews
	}
	return content, confidence
}

func (s *AnalysisService) recordWarnings(ctx context.Context, warnings []domain.ValidationWarning) {
	if s.deps.Warnings == nil || len(warnings) == 0 {
		return
	}
	if err := s.deps.Warnings.RecordWarnings(ctx, warnings); err != nil {
		logging.FromContext(ctx, s.logger).Warn("recording validation warnings failed", zap.Error(err))
	}
}

// ingredientClaims turns the extracted ingredient list into claims so listed
// substances are matched even when the agent misses them or runs out of budget
func ingredientClaims(product *domain.ProductRecord) []domain.RawClaim {
	claims := make([]domain.RawClaim, 0, len(product.Ingredients))
	for _, ingredient := range product.Ingredients {
		ingredient = strings.TrimSpace(ingredient)
		if ingredient == "" {
			continue
		}
		claims = append(claims, domain.RawClaim{
			SubstanceName:  ingredient,
			Confidence:     ingredientClaimConfidence,
			SupportingText: "ingredient list: " + ingredient,
			Source:         domain.ClaimSourceIngredientList,
		})
	}
	return claims
}

// overallConfidence combines fetch and agent confidence for the result
func overallConfidence(path domain.AnalysisPath, fetchConfidence, agentConfidence float64, degraded bool) float64 {
	confidence := clampUnit(agentConfidence)
	switch path {
	case domain.PathPrimary:
		confidence = min(confidence, clampUnit(fetchConfidence))
	case domain.PathFallback:
		confidence = min(confidence, fallbackConfidenceCap)
	}
	if degraded {
		confidence = min(confidence, degradedConfidenceCap)
	}
	return roundScore(confidence)
}

// failure marks err as the user-visible analysis failure while keeping the cause
func failure(err error) error {
	if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrAnalysisFailed, err)
}
