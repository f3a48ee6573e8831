package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmlens/backend/internal/domain"
)

func recordProductReply(input any) scriptedReply {
	return toolReply(toolCall("toolu_1", recordProductTool, input))
}

func testPageContent() domain.RawContent {
	return domain.RawContent{
		URL:  "https://shop.example.com/p/pan",
		Text: "Acme Nonstick Pan 28cm. Coating: PTFE. Made in Italy.",
	}
}

func TestExtractor_Extract(t *testing.T) {
	model := newScriptedModel(recordProductReply(map[string]any{
		"name":        "  Acme Nonstick Pan ",
		"brand":       "Acme",
		"ingredients": []string{"PTFE coating", " ", "aluminium"},
		"category":    "Cookware",
	}))
	extractor := NewExtractor(model, ExtractorConfig{MaxTokens: 1024})
	usage := NewUsageTracker(model.Model())

	record, err := extractor.Extract(context.Background(), testPageContent(), usage)
	require.NoError(t, err)

	assert.Equal(t, &domain.ProductRecord{
		URL:         "https://shop.example.com/p/pan",
		Name:        "Acme Nonstick Pan",
		Brand:       "Acme",
		Ingredients: []string{"PTFE coating", "aluminium"},
		Category:    "cookware",
	}, record)
	assert.Equal(t, 1, usage.Summary().Calls)

	req := model.request(0)
	assert.Equal(t, 1024, req.MaxTokens)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, recordProductTool, req.ToolChoice.Name)
	require.Len(t, req.Tools, 1)
	assert.Contains(t, req.Messages[0].Content[0].Text, "Coating: PTFE")
}

func TestExtractor_RetriesOnce(t *testing.T) {
	model := newScriptedModel(
		textReply("Sorry, here is the product: Acme pan"),
		recordProductReply(map[string]any{"name": "Acme Pan", "brand": "", "ingredients": []string{}, "category": "cookware"}),
	)
	extractor := NewExtractor(model, ExtractorConfig{})

	record, err := extractor.Extract(context.Background(), testPageContent(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Pan", record.Name)
	assert.Empty(t, record.Ingredients)
	assert.Equal(t, 2, model.calls())
}

func TestExtractor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		replies []scriptedReply
	}{
		{
			name:    "no tool call twice",
			replies: []scriptedReply{textReply("no idea"), textReply("still no idea")},
		},
		{
			name: "unknown field",
			replies: []scriptedReply{
				recordProductReply(map[string]any{"name": "Pan", "brand": "", "ingredients": []string{}, "category": "", "price": 20}),
				recordProductReply(map[string]any{"name": "Pan", "brand": "", "ingredients": []string{}, "category": "", "price": 20}),
			},
		},
		{
			name: "empty name",
			replies: []scriptedReply{
				recordProductReply(map[string]any{"name": " ", "brand": "", "ingredients": []string{}, "category": ""}),
				recordProductReply(map[string]any{"name": "", "brand": "", "ingredients": []string{}, "category": ""}),
			},
		},
		{
			name:    "model errors",
			replies: []scriptedReply{errorReply(domain.ErrModelAPIFailure), errorReply(domain.ErrModelAPIFailure)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newScriptedModel(tt.replies...)
			extractor := NewExtractor(model, ExtractorConfig{})

			record, err := extractor.Extract(context.Background(), testPageContent(), nil)
			assert.Nil(t, record)
			assert.ErrorIs(t, err, domain.ErrExtractionFailed)

			var extractionErr *domain.ExtractionError
			require.ErrorAs(t, err, &extractionErr)
			assert.Equal(t, extractionAttempts, extractionErr.Attempts)
			assert.Equal(t, extractionAttempts, model.calls())
		})
	}
}

func TestExtractor_EmptyContent(t *testing.T) {
	model := newScriptedModel()
	extractor := NewExtractor(model, ExtractorConfig{})

	_, err := extractor.Extract(context.Background(), domain.RawContent{URL: "https://example.com/p"}, nil)
	assert.ErrorIs(t, err, domain.ErrExtractionFailed)
	assert.Zero(t, model.calls())
}

func TestExtractor_RateLimitNotRetried(t *testing.T) {
	model := newScriptedModel(errorReply(domain.ErrRateLimited))
	extractor := NewExtractor(model, ExtractorConfig{})

	_, err := extractor.Extract(context.Background(), testPageContent(), nil)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.NotErrorIs(t, err, domain.ErrExtractionFailed)
	assert.Equal(t, 1, model.calls())
}

func TestExtractor_Cancelled(t *testing.T) {
	model := newScriptedModel()
	extractor := NewExtractor(model, ExtractorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := extractor.Extract(ctx, testPageContent(), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, model.calls())
}

func TestExtractor_TruncatesLongPages(t *testing.T) {
	model := newScriptedModel(recordProductReply(map[string]any{
		"name": "Pan", "brand": "", "ingredients": []string{}, "category": "",
	}))
	extractor := NewExtractor(model, ExtractorConfig{})

	long := make([]rune, maxExtractionInput+500)
	for i := range long {
		long[i] = 'x'
	}
	content := domain.RawContent{URL: "https://example.com/p", Text: string(long)}

	_, err := extractor.Extract(context.Background(), content, nil)
	require.NoError(t, err)

	sent := []rune(model.request(0).Messages[0].Content[0].Text)
	assert.Less(t, len(sent), maxExtractionInput+100)
}
