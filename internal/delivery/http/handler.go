package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

const (
	serviceName = "harmlens-backend"

	// upstreamRetryAfter is suggested to clients when the model API throttles us
	upstreamRetryAfter = 30 * time.Second

	defaultWarningLimit = 50

	defaultStatsDays = 7
	maxStatsDays     = 90

	defaultFlaggedLimit = 20
	maxFlaggedLimit     = 100
)

// Analyzer runs a product analysis
type Analyzer interface {
	Analyze(ctx context.Context, request *domain.AnalyzeRequest) (*domain.AnalyzeResponse, error)
}

// HandlerConfig holds the optional collaborators of Handler
type HandlerConfig struct {
	Version        string
	Warnings       domain.WarningRecorder
	Reports        domain.WarningReporter
	RequestTimeout time.Duration // bounds one analysis; 0 means no bound
	Logger         *zap.Logger
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	analyzer Analyzer
	kb       domain.KnowledgeBase
	warnings domain.WarningRecorder
	reports  domain.WarningReporter
	version  string
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a new HTTP handler. analyzer and kb may be nil, in
// which case their endpoints answer 503.
func NewHandler(analyzer Analyzer, kb domain.KnowledgeBase, config HandlerConfig) *Handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := config.Version
	if version == "" {
		version = "dev"
	}

	return &Handler{
		analyzer: analyzer,
		kb:       kb,
		warnings: config.Warnings,
		reports:  config.Reports,
		version:  version,
		timeout:  config.RequestTimeout,
		logger:   logger.Named("http"),
		now:      time.Now,
	}
}

// HealthCheck returns the health status of the API
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   h.version,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// Analyze handles product analysis requests
func (h *Handler) Analyze(c *gin.Context) {
	if h.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis service not configured"})
		return
	}

	var request domain.AnalyzeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
		return
	}
	request.ProductURL = strings.TrimSpace(request.ProductURL)

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	response, err := h.analyzer.Analyze(ctx, &request)
	if err != nil {
		h.writeAnalysisError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// writeAnalysisError maps pipeline errors onto the public error contract
func (h *Handler) writeAnalysisError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	requestID := logging.RequestID(ctx)
	log := logging.FromContext(ctx, h.logger)

	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"details": err.Error(),
		})
	case errors.Is(err, domain.ErrRateLimited):
		log.Warn("analysis rate limited", zap.Error(err))
		c.Header("Retry-After", strconv.Itoa(int(upstreamRetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "rate limited, retry later",
			"request_id": requestID,
		})
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("analysis timed out", zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":      "analysis timed out",
			"request_id": requestID,
		})
	case errors.Is(err, context.Canceled):
		// client went away; nobody is listening
		c.Status(499)
	default:
		log.Error("analysis failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "analysis failed",
			"request_id": requestID,
		})
	}
}

// SearchKnowledgeBase returns knowledge base entries matching ?q=
func (h *Handler) SearchKnowledgeBase(c *gin.Context) {
	if h.kb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge base not configured"})
		return
	}

	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	results, err := h.kb.Search(c.Request.Context(), term)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "details": err.Error()})
			return
		}
		logging.FromContext(c.Request.Context(), h.logger).Error("knowledge base search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	if results == nil {
		results = []domain.KnowledgeBaseEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// ValidationWarnings lists the most recent claims the validator rejected
func (h *Handler) ValidationWarnings(c *gin.Context) {
	if h.warnings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "warning log not configured"})
		return
	}

	limit := defaultWarningLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	warnings, err := h.warnings.RecentWarnings(c.Request.Context(), limit)
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Error("loading validation warnings failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load warnings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"warnings": warnings,
		"count":    len(warnings),
	})
}

// ValidationStats summarises rejected claims over the last ?days= days
func (h *Handler) ValidationStats(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "warning log not configured"})
		return
	}

	days, ok := boundedQueryInt(c, "days", defaultStatsDays, maxStatsDays)
	if !ok {
		return
	}

	since := h.now().UTC().AddDate(0, 0, -days)
	stats, err := h.reports.WarningStats(c.Request.Context(), since)
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Error("loading validation stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":         stats,
		"days_analyzed": days,
	})
}

// FlaggedSubstances lists the claim names rejected most often
func (h *Handler) FlaggedSubstances(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "warning log not configured"})
		return
	}

	limit, ok := boundedQueryInt(c, "limit", defaultFlaggedLimit, maxFlaggedLimit)
	if !ok {
		return
	}

	flagged, err := h.reports.FlaggedSubstances(c.Request.Context(), limit)
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Error("loading flagged substances failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load flagged substances"})
		return
	}
	if flagged == nil {
		flagged = []domain.FlaggedSubstance{}
	}

	c.JSON(http.StatusOK, gin.H{
		"substances": flagged,
		"count":      len(flagged),
	})
}

// boundedQueryInt reads an integer query parameter in [1, upper]. On a bad
// value it writes the 400 itself and reports false.
func boundedQueryInt(c *gin.Context, name string, fallback, upper int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > upper {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be an integer between 1 and " + strconv.Itoa(upper),
		})
		return 0, false
	}
	return n, true
}
