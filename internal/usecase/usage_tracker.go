package usecase

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/harmlens/backend/internal/domain"
)

// ModelPricing is USD per million tokens
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPricing applies to models missing from modelPricing
var defaultPricing = ModelPricing{InputPerMillion: 3, OutputPerMillion: 15}

// modelPricing is keyed by model family prefix; the longest prefix wins
var modelPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPerMillion: 15, OutputPerMillion: 75},
	"claude-sonnet-4":   {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-3-7-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-3-5-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	"claude-haiku-4":    {InputPerMillion: 1, OutputPerMillion: 5},
	"claude-3-5-haiku":  {InputPerMillion: 0.8, OutputPerMillion: 4},
}

// PricingFor returns the pricing of model
func PricingFor(model string) ModelPricing {
	prefixes := make([]string, 0, len(modelPricing))
	for prefix := range modelPricing {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return modelPricing[prefix]
		}
	}
	return defaultPricing
}

// Cost returns the USD cost of usage under p
func (p ModelPricing) Cost(usage domain.TokenUsage) float64 {
	return float64(usage.InputTokens)*p.InputPerMillion/1e6 + float64(usage.OutputTokens)*p.OutputPerMillion/1e6
}

// UsageTracker accumulates model usage across one pipeline run
type UsageTracker struct {
	mu      sync.Mutex
	pricing ModelPricing
	summary domain.UsageSummary
}

// NewUsageTracker creates a tracker priced for model
func NewUsageTracker(model string) *UsageTracker {
	return &UsageTracker{pricing: PricingFor(model)}
}

// Record adds one call's usage
func (t *UsageTracker) Record(usage domain.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.summary.Calls++
	t.summary.InputTokens += usage.InputTokens
	t.summary.OutputTokens += usage.OutputTokens
	t.summary.CostUSD += t.pricing.Cost(usage)
}

// Summary returns the totals so far, cost rounded to 1/10000 USD
func (t *UsageTracker) Summary() domain.UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.summary
	s.CostUSD = math.Round(s.CostUSD*10000) / 10000
	return s
}
