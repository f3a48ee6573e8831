package usecase

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

// DefaultSimilarityThreshold is the minimum score for a claim to validate
const DefaultSimilarityThreshold = 0.75

// scoreEpsilon treats scores this close as tied
const scoreEpsilon = 1e-9

const (
	// minTypoTokenRunes is the shortest word that may differ by an edit
	minTypoTokenRunes = 6

	// longNameRunes is the length from which two edits are tolerated
	longNameRunes = 10
)

// stopWords carry no identity in substance names
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "in": true, "with": true, "its": true, "salts": true,
}

// Match sources, in tie-break preference order
const (
	matchedOnCAS       = "cas"
	matchedOnCanonical = "canonical_name"
	matchedOnSynonym   = "synonym"
)

// MatchConfig holds configuration for the matching service
type MatchConfig struct {
	SimilarityThreshold float64
	Logger              *zap.Logger
}

// SubstanceMatch is the best knowledge base candidate for a claimed name
type SubstanceMatch struct {
	Entry     domain.KnowledgeBaseEntry
	Score     float64
	Substring bool
	MatchedOn string
	Term      string // the canonical name or synonym that matched
}

// MatchingService scores free-text substance names against knowledge base entries
type MatchingService struct {
	threshold float64
	logger    *zap.Logger
}

// NewMatchingService creates a new matching service with the given configuration
func NewMatchingService(config MatchConfig) *MatchingService {
	threshold := config.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MatchingService{
		threshold: threshold,
		logger:    logger.Named("matcher"),
	}
}

// Threshold returns the acceptance threshold in use
func (s *MatchingService) Threshold() float64 {
	return s.threshold
}

// BestMatch compares name (and an optional CAS number) against every entry.
// It returns the best candidate; when that candidate scores below the
// threshold it is still returned together with ErrLowConfidence.
func (s *MatchingService) BestMatch(
	ctx context.Context,
	name, casNumber string,
	entries []domain.KnowledgeBaseEntry,
) (*SubstanceMatch, error) {
	variants := claimNameVariants(name)
	if casNumber == "" {
		casNumber = extractCASNumber(name)
	}
	if len(variants) == 0 && casNumber == "" {
		return nil, domain.ErrInvalidRequest
	}

	if len(entries) == 0 {
		return nil, domain.ErrSubstanceNotFound
	}

	var best *SubstanceMatch
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		candidate := scoreEntry(variants, casNumber, entry)
		if best == nil || betterMatch(candidate, best) {
			best = candidate
		}
	}

	logging.FromContext(ctx, s.logger).Debug("best match",
		zap.String("claim", name),
		zap.String("candidate", best.Entry.CanonicalName),
		zap.Float64("score", best.Score),
		zap.String("matched_on", best.MatchedOn))

	if best.Score < s.threshold {
		return best, domain.ErrLowConfidence
	}

	return best, nil
}

// Similarity returns the score between two raw names after normalization
func (s *MatchingService) Similarity(a, b string) float64 {
	return nameSimilarity(normalizeSubstanceName(a), normalizeSubstanceName(b))
}

// scoreEntry computes the best score of any claim variant against the
// entry's canonical name and synonyms
func scoreEntry(variants []string, casNumber string, entry domain.KnowledgeBaseEntry) *SubstanceMatch {
	match := &SubstanceMatch{Entry: entry, Score: -1}

	if casNumber != "" && entry.CASNumber != "" && casNumber == entry.CASNumber {
		return &SubstanceMatch{Entry: entry, Score: 1, Substring: true, MatchedOn: matchedOnCAS, Term: entry.CASNumber}
	}

	consider := func(term, matchedOn string) {
		normalized := normalizeSubstanceName(term)
		if normalized == "" {
			return
		}
		for _, v := range variants {
			candidate := &SubstanceMatch{
				Entry:     entry,
				Score:     nameSimilarity(v, normalized),
				Substring: containsWords(v, normalized) || containsWords(normalized, v),
				MatchedOn: matchedOn,
				Term:      term,
			}
			if betterMatch(candidate, match) {
				match = candidate
			}
		}
	}

	consider(entry.CanonicalName, matchedOnCanonical)
	for _, synonym := range entry.Synonyms {
		consider(synonym, matchedOnSynonym)
	}

	if match.Score < 0 {
		match.Score = 0
	}
	return match
}

// betterMatch orders candidates: higher score first, then substring matches,
// then canonical over synonym, then canonical name for determinism
func betterMatch(a, b *SubstanceMatch) bool {
	if a.Score > b.Score+scoreEpsilon {
		return true
	}
	if b.Score > a.Score+scoreEpsilon {
		return false
	}
	if a.Substring != b.Substring {
		return a.Substring
	}
	if rank(a.MatchedOn) != rank(b.MatchedOn) {
		return rank(a.MatchedOn) < rank(b.MatchedOn)
	}
	return a.Entry.CanonicalName < b.Entry.CanonicalName
}

func rank(matchedOn string) int {
	switch matchedOn {
	case matchedOnCAS:
		return 0
	case matchedOnCanonical:
		return 1
	case matchedOnSynonym:
		return 2
	default:
		return 3
	}
}

// nameSimilarity scores two normalized names in [0,1] as the larger of the
// character-level edit ratio and the token Jaccard index. Edits only count
// as typos between long alphabetic words and within a small budget; short
// tokens like "pfda" or "lear" and homologue names one syllable apart are
// different substances.
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	tokensA, tokensB := tokenize(a), tokenize(b)
	jaccard := tokenJaccard(tokensA, tokensB)
	if !typoEligible(tokensA, tokensB) {
		return jaccard
	}

	distance := levenshteinDistance(a, b)
	if distance > typoBudget(a, b) {
		return jaccard
	}
	edit := levenshteinRatio(a, b)
	if jaccard > edit {
		return jaccard
	}
	return edit
}

// typoEligible reports whether every token the two names do not share is a
// long word without digits
func typoEligible(a, b []string) bool {
	inA := make(map[string]bool, len(a))
	for _, t := range a {
		inA[t] = true
	}
	inB := make(map[string]bool, len(b))
	for _, t := range b {
		inB[t] = true
	}

	for _, t := range a {
		if !inB[t] && !typoToken(t) {
			return false
		}
	}
	for _, t := range b {
		if !inA[t] && !typoToken(t) {
			return false
		}
	}
	return true
}

func typoToken(t string) bool {
	if utf8.RuneCountInString(t) < minTypoTokenRunes {
		return false
	}
	for _, r := range t {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// typoBudget is the number of edits tolerated between two names
func typoBudget(a, b string) int {
	shorter := min(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if shorter >= longNameRunes {
		return 2
	}
	return 1
}

// levenshteinRatio is 1 - distance/longer length
func levenshteinRatio(a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshteinDistance(a, b))/float64(longest)
}

// containsWords reports whether needle appears in haystack on word boundaries
func containsWords(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	if haystack == needle {
		return true
	}
	if len(needle) < 3 {
		return false
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

// tokenize splits a normalized name into tokens, skipping stop words
func tokenize(s string) []string {
	words := strings.Fields(s)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// tokenJaccard returns |intersection| / |union| of two token sets
func tokenJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// levenshteinDistance calculates the edit distance between two strings
func levenshteinDistance(s1, s2 string) int {
	r1 := []rune(s1)
	r2 := []rune(s2)
	m := len(r1)
	n := len(r2)

	if m == 0 {
		return n
	}
	if n == 0 {
		return m
	}

	// Two rows instead of the full matrix
	prev := make([]int, n+1)
	curr := make([]int, n+1)

	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		curr[0] = i
		for j := 1; j <= n; j++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[n]
}
