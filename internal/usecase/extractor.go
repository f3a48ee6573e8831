package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

const (
	// extractionAttempts is the initial call plus one retry
	extractionAttempts = 2

	// maxExtractionInput caps the page text sent to the model
	maxExtractionInput = 30000

	recordProductTool = "record_product"
)

// recordProductSchema is the fixed output schema of the extractor
var recordProductSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":        map[string]any{"type": "string", "description": "Product name"},
		"brand":       map[string]any{"type": "string", "description": "Brand or manufacturer"},
		"ingredients": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"category":    map[string]any{"type": "string", "description": "Lowercase product category"},
	},
	"required": []string{"name", "brand", "ingredients", "category"},
}

// productExtraction mirrors recordProductSchema
type productExtraction struct {
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Ingredients []string `json:"ingredients"`
	Category    string   `json:"category"`
}

// ExtractorConfig holds configuration for the extractor
type ExtractorConfig struct {
	MaxTokens int
	Logger    *zap.Logger
}

// Extractor turns raw page content into a ProductRecord with one schema-bound model call
type Extractor struct {
	model     domain.ModelClient
	maxTokens int
	logger    *zap.Logger
}

// NewExtractor creates an extractor backed by model
func NewExtractor(model domain.ModelClient, config ExtractorConfig) *Extractor {
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.Named("extractor"),
	}
}

// Extract runs the extraction, retrying once on unusable output. Rate limits
// and cancellation are returned as-is; every other failure ends in an
// ExtractionError and no partial record.
func (e *Extractor) Extract(ctx context.Context, content domain.RawContent, usage *UsageTracker) (*domain.ProductRecord, error) {
	if content.IsEmpty() {
		return nil, &domain.ExtractionError{Attempts: 0, Err: errors.New("no page content")}
	}

	req := &domain.ModelRequest{
		System: extractorSystemPrompt,
		Messages: []domain.ModelMessage{{
			Role: "user",
			Content: []domain.ContentBlock{{
				Type: domain.BlockText,
				Text: "Product page text:\n\n" + truncateRunes(content.Text, maxExtractionInput),
			}},
		}},
		Tools: []domain.ToolDefinition{{
			Name:        recordProductTool,
			Description: "Record the structured product data extracted from the page.",
			InputSchema: recordProductSchema,
		}},
		ToolChoice: &domain.ToolChoice{Type: "tool", Name: recordProductTool},
		MaxTokens:  e.maxTokens,
	}

	log := logging.FromContext(ctx, e.logger)

	var lastErr error
	for attempt := 1; attempt <= extractionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.model.CreateMessage(ctx, req)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) || ctx.Err() != nil {
				return nil, err
			}
			log.Warn("extraction call failed", zap.Int("attempt", attempt), zap.Error(err))
			lastErr = err
			continue
		}
		if usage != nil {
			usage.Record(resp.Usage)
		}

		record, err := parseProductExtraction(resp)
		if err != nil {
			log.Warn("extraction output rejected", zap.Int("attempt", attempt), zap.Error(err))
			lastErr = err
			continue
		}

		record.URL = content.URL
		log.Debug("product extracted",
			zap.String("name", record.Name),
			zap.Int("ingredients", len(record.Ingredients)),
			zap.String("category", record.Category))
		return record, nil
	}

	return nil, &domain.ExtractionError{Attempts: extractionAttempts, Err: lastErr}
}

// parseProductExtraction decodes the record_product tool input strictly
func parseProductExtraction(resp *domain.ModelResponse) (*domain.ProductRecord, error) {
	var input json.RawMessage
	for _, call := range resp.ToolCalls() {
		if call.Name == recordProductTool {
			input = call.Input
			break
		}
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("response has no %s tool call", recordProductTool)
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()

	var out productExtraction
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding %s input: %w", recordProductTool, err)
	}

	name := strings.TrimSpace(out.Name)
	if name == "" {
		return nil, fmt.Errorf("%s input has an empty name", recordProductTool)
	}

	ingredients := make([]string, 0, len(out.Ingredients))
	for _, ing := range out.Ingredients {
		if ing = strings.TrimSpace(ing); ing != "" {
			ingredients = append(ingredients, ing)
		}
	}

	return &domain.ProductRecord{
		Name:        name,
		Brand:       strings.TrimSpace(out.Brand),
		Ingredients: ingredients,
		Category:    strings.ToLower(strings.TrimSpace(out.Category)),
	}, nil
}
