package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrInvalidURL is returned when the product URL is not a well-formed absolute URL
	ErrInvalidURL = errors.New("product url must be an absolute http(s) url")

	// ErrFetchFailed is returned when a product page could not be retrieved
	ErrFetchFailed = errors.New("product page fetch failed")

	// ErrExtractionFailed is returned when the model output could not be parsed into a product record
	ErrExtractionFailed = errors.New("product extraction failed")

	// ErrAgentBudgetExceeded is returned when the detector hits its iteration or cost cap
	ErrAgentBudgetExceeded = errors.New("agent budget exceeded")

	// ErrAnalysisFailed is the single user-visible failure of an analysis run
	ErrAnalysisFailed = errors.New("analysis failed")

	// ErrRateLimited is returned when rate limit is exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrModelAPIFailure is returned when a model API request fails
	ErrModelAPIFailure = errors.New("model API request failed")

	// ErrSearchAPIFailure is returned when a web search request fails
	ErrSearchAPIFailure = errors.New("search API request failed")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable is returned when cache service is unavailable
	ErrCacheUnavailable = errors.New("cache service unavailable")

	// ErrLowConfidence is returned when the best knowledge base match is below the similarity threshold
	ErrLowConfidence = errors.New("match confidence below threshold")

	// ErrSubstanceNotFound is returned when a knowledge base lookup has no match
	ErrSubstanceNotFound = errors.New("substance not found in knowledge base")

	// ErrInvalidSubstance is returned when a knowledge base entry fails validation on load
	ErrInvalidSubstance = errors.New("invalid knowledge base entry")
)

// FetchError describes a failed page retrieval. It is informational: the
// pipeline reacts to the zero confidence, not to the error.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// ExtractionError is returned when every extraction attempt produced unusable output.
type ExtractionError struct {
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtractionFailed, e.Err}
}

// BudgetExceededError reports which detector bound was hit and how much was spent.
type BudgetExceededError struct {
	Reason       string
	Iterations   int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("agent budget exceeded (%s) after %d iterations, %d tokens, $%.4f",
		e.Reason, e.Iterations, e.InputTokens+e.OutputTokens, e.CostUSD)
}

func (e *BudgetExceededError) Unwrap() error {
	return ErrAgentBudgetExceeded
}

// CacheError wraps a failing cache backend operation.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() []error {
	return []error{ErrCacheUnavailable, e.Err}
}
