package domain

import "time"

// RiskLevel is a coarse label derived from the harm score
type RiskLevel string

const (
	RiskSafe      RiskLevel = "Safe"
	RiskModerate  RiskLevel = "Moderate"
	RiskHigh      RiskLevel = "High"
	RiskDangerous RiskLevel = "Dangerous"
)

// AnalysisPath records which pipeline branch produced a result
type AnalysisPath string

const (
	PathPrimary  AnalysisPath = "primary"
	PathFallback AnalysisPath = "fallback"
)

// AnalysisResult is the outcome of one pipeline run. It is replaced
// wholesale on re-analysis and never patched.
type AnalysisResult struct {
	ID                string               `json:"id"`
	URL               string               `json:"url"`
	URLHash           string               `json:"url_hash"`
	HarmScore         int                  `json:"harm_score"`
	RiskLevel         RiskLevel            `json:"risk_level"`
	Detections        []ValidatedDetection `json:"detections"`
	OverallConfidence float64              `json:"overall_confidence"`
	Product           *ProductRecord       `json:"product,omitempty"`
	Path              AnalysisPath         `json:"analysis_path"`
	Degraded          bool                 `json:"degraded,omitempty"`
	AnalyzedAt        time.Time            `json:"analyzed_at"`
}

// CacheEntry is the persisted form of an analysis keyed by url hash
type CacheEntry struct {
	URLHash   string          `json:"url_hash"`
	Result    *AnalysisResult `json:"result"`
	WrittenAt time.Time       `json:"written_at"`
}

// AnalyzeRequest represents an analysis request from the extension
type AnalyzeRequest struct {
	ProductURL   string `json:"product_url" binding:"required"`
	RawHTML      string `json:"raw_html,omitempty"`
	ReviewsHTML  string `json:"reviews_html,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

// AnalyzeResponse is returned by the analyze call
type AnalyzeResponse struct {
	Analysis *AnalysisResult     `json:"analysis"`
	Cached   bool                `json:"cached"`
	URLHash  string              `json:"url_hash"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Usage    *UsageSummary       `json:"usage,omitempty"`
}

// UsageSummary totals model usage for one pipeline run
type UsageSummary struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
