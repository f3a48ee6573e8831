package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmlens/backend/internal/domain"
)

func TestNewKnowledgeBaseIndex(t *testing.T) {
	t.Run("indexes valid entries", func(t *testing.T) {
		kb := newTestKnowledgeBase(t)
		assert.Equal(t, len(testEntries()), kb.Len())
	})

	t.Run("rejects invalid entry", func(t *testing.T) {
		_, err := NewKnowledgeBaseIndex([]domain.KnowledgeBaseEntry{
			{CanonicalName: "Benzene", Category: domain.CategoryToxin, SeverityDefault: 9},
		}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidSubstance)
	})

	t.Run("rejects name shared by two entries", func(t *testing.T) {
		_, err := NewKnowledgeBaseIndex([]domain.KnowledgeBaseEntry{
			{CanonicalName: "Soy", Category: domain.CategoryAllergen, SeverityDefault: 5, Synonyms: []string{"tofu"}},
			{CanonicalName: "Bean Curd", Category: domain.CategoryAllergen, SeverityDefault: 5, Synonyms: []string{"Tofu"}},
		}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidSubstance)
	})

	t.Run("empty knowledge base is allowed", func(t *testing.T) {
		kb, err := NewKnowledgeBaseIndex(nil, nil)
		require.NoError(t, err)
		assert.Zero(t, kb.Len())
		assert.Empty(t, kb.All())
	})
}

func TestKnowledgeBaseIndex_All(t *testing.T) {
	kb := newTestKnowledgeBase(t)

	all := kb.All()
	all[0].CanonicalName = "mutated"

	assert.NotEqual(t, "mutated", kb.All()[0].CanonicalName, "All must return a copy")
}

func TestKnowledgeBaseIndex_Lookup(t *testing.T) {
	kb := newTestKnowledgeBase(t)

	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "canonical", input: "PFOA", want: "PFOA", wantOK: true},
		{name: "synonym any case", input: "Groundnut", want: "Peanut", wantOK: true},
		{name: "punctuation insensitive", input: "8-2 FTOH", want: "8:2 FTOH", wantOK: true},
		{name: "cas number", input: "50-00-0", want: "Formaldehyde", wantOK: true},
		{name: "no fuzzy lookup", input: "formaldehide", wantOK: false},
		{name: "unknown", input: "PFNA", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := kb.Lookup(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, entry.CanonicalName)
			}
		})
	}
}

func TestKnowledgeBaseIndex_Search(t *testing.T) {
	kb := newTestKnowledgeBase(t)
	ctx := context.Background()

	names := func(entries []domain.KnowledgeBaseEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.CanonicalName)
		}
		return out
	}

	t.Run("exact synonym ranks first", func(t *testing.T) {
		results, err := kb.Search(ctx, "teflon")
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "PTFE", results[0].CanonicalName)
	})

	t.Run("cas number", func(t *testing.T) {
		results, err := kb.Search(ctx, "CAS 80-05-7")
		require.NoError(t, err)
		assert.Equal(t, []string{"Bisphenol A"}, names(results))
	})

	t.Run("fuzzy", func(t *testing.T) {
		results, err := kb.Search(ctx, "formaldehide")
		require.NoError(t, err)
		assert.Contains(t, names(results), "Formaldehyde")
	})

	t.Run("word contained", func(t *testing.T) {
		results, err := kb.Search(ctx, "lead acetate")
		require.NoError(t, err)
		assert.Contains(t, names(results), "Lead")
	})

	t.Run("no match", func(t *testing.T) {
		results, err := kb.Search(ctx, "zzzzqqq")
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("empty term", func(t *testing.T) {
		_, err := kb.Search(ctx, " ?! ")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("agrees with linear best match", func(t *testing.T) {
		matcher := NewMatchingService(MatchConfig{})
		for _, term := range []string{"perfluorooctanoic acid", "BPA", "casein", "glyphosate"} {
			results, err := kb.Search(ctx, term)
			require.NoError(t, err)
			require.NotEmpty(t, results, term)

			best, err := matcher.BestMatch(ctx, term, "", kb.All())
			require.NoError(t, err)
			assert.Equal(t, best.Entry.CanonicalName, results[0].CanonicalName, term)
		}
	})
}

func TestTrigramsOf(t *testing.T) {
	assert.Equal(t, []string{" ab", "ab "}, trigramsOf("ab"))
	assert.Equal(t, []string{" a "}, trigramsOf("a"))
	assert.Equal(t, []string{" aa", "aaa", "aa "}, trigramsOf("aaaa"))
}
