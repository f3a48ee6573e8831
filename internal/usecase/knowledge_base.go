package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harmlens/backend/internal/domain"
)

// maxSearchResults caps Search output
const maxSearchResults = 20

// KnowledgeBaseIndex is an immutable in-memory view of the substance
// database. Exact lookups go through name and CAS maps; Search narrows
// candidates with a trigram index before scoring them.
type KnowledgeBaseIndex struct {
	entries  []domain.KnowledgeBaseEntry
	byName   map[string]int
	byCAS    map[string]int
	trigrams map[string][]int
	matcher  *MatchingService
}

var _ domain.KnowledgeBase = (*KnowledgeBaseIndex)(nil)

// NewKnowledgeBaseIndex validates entries and builds the lookup structures.
// A name or synonym claimed by two different entries is rejected.
func NewKnowledgeBaseIndex(entries []domain.KnowledgeBaseEntry, matcher *MatchingService) (*KnowledgeBaseIndex, error) {
	if matcher == nil {
		matcher = NewMatchingService(MatchConfig{})
	}

	idx := &KnowledgeBaseIndex{
		entries:  make([]domain.KnowledgeBaseEntry, len(entries)),
		byName:   make(map[string]int),
		byCAS:    make(map[string]int),
		trigrams: make(map[string][]int),
		matcher:  matcher,
	}
	copy(idx.entries, entries)

	for i, entry := range idx.entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}

		names := append([]string{entry.CanonicalName}, entry.Synonyms...)
		seenTrigrams := make(map[string]bool)
		for _, name := range names {
			key := normalizeSubstanceName(name)
			if key == "" {
				continue
			}
			if other, ok := idx.byName[key]; ok && other != i {
				return nil, fmt.Errorf("%w: name %q used by both %s and %s",
					domain.ErrInvalidSubstance, name, idx.entries[other].CanonicalName, entry.CanonicalName)
			}
			idx.byName[key] = i

			for _, tri := range trigramsOf(key) {
				if !seenTrigrams[tri] {
					seenTrigrams[tri] = true
					idx.trigrams[tri] = append(idx.trigrams[tri], i)
				}
			}
		}

		if entry.CASNumber != "" {
			idx.byCAS[entry.CASNumber] = i
		}
	}

	return idx, nil
}

// All returns a copy of every entry
func (k *KnowledgeBaseIndex) All() []domain.KnowledgeBaseEntry {
	out := make([]domain.KnowledgeBaseEntry, len(k.entries))
	copy(out, k.entries)
	return out
}

// Len returns the number of entries
func (k *KnowledgeBaseIndex) Len() int {
	return len(k.entries)
}

// Lookup finds an entry by exact normalized canonical name, synonym or CAS number
func (k *KnowledgeBaseIndex) Lookup(name string) (domain.KnowledgeBaseEntry, bool) {
	if cas := extractCASNumber(name); cas != "" && cas == strings.TrimSpace(name) {
		if i, ok := k.byCAS[cas]; ok {
			return k.entries[i], true
		}
	}
	if i, ok := k.byName[normalizeSubstanceName(name)]; ok {
		return k.entries[i], true
	}
	return domain.KnowledgeBaseEntry{}, false
}

// Search returns entries matching term by canonical name, synonym or CAS
// number, best first. Matches are exact, word-contained, or fuzzy above the
// matcher threshold.
func (k *KnowledgeBaseIndex) Search(ctx context.Context, term string) ([]domain.KnowledgeBaseEntry, error) {
	normalized := normalizeSubstanceName(term)
	if normalized == "" {
		return nil, domain.ErrInvalidRequest
	}

	if cas := extractCASNumber(term); cas != "" {
		if i, ok := k.byCAS[cas]; ok {
			return []domain.KnowledgeBaseEntry{k.entries[i]}, nil
		}
	}

	type scored struct {
		index int
		match *SubstanceMatch
	}

	var hits []scored
	for _, i := range k.candidates(normalized) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		match := scoreEntry([]string{normalized}, "", k.entries[i])
		if match.Score >= k.matcher.Threshold() || match.Substring {
			hits = append(hits, scored{index: i, match: match})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return betterMatch(hits[a].match, hits[b].match)
	})

	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}

	results := make([]domain.KnowledgeBaseEntry, 0, len(hits))
	for _, h := range hits {
		results = append(results, k.entries[h.index])
	}
	return results, nil
}

// candidates returns the entries sharing at least one trigram with term,
// in index order
func (k *KnowledgeBaseIndex) candidates(term string) []int {
	seen := make(map[int]bool)
	for _, tri := range trigramsOf(term) {
		for _, i := range k.trigrams[tri] {
			seen[i] = true
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// trigramsOf returns the distinct rune trigrams of s padded with spaces
func trigramsOf(s string) []string {
	runes := []rune(" " + s + " ")
	if len(runes) < 3 {
		return nil
	}

	seen := make(map[string]bool, len(runes))
	out := make([]string, 0, len(runes))
	for i := 0; i+3 <= len(runes); i++ {
		tri := string(runes[i : i+3])
		if !seen[tri] {
			seen[tri] = true
			out = append(out, tri)
		}
	}
	return out
}
