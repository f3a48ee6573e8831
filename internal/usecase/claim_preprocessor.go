package usecase

import (
	"regexp"
	"strings"
)

// Compiled regex patterns for claim name preprocessing
var (
	// Anything that is not a letter, digit or whitespace
	punctuationRegex = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

	// Multiple spaces cleanup
	multipleSpacesRegex = regexp.MustCompile(`\s+`)

	// Concentrations and amounts like "0.5%", "10 ppm", "< 1 mg/kg"
	concentrationPattern = regexp.MustCompile(`(?i)[<>≤≥~]?\s*\d+(\.\d+)?\s*(%|ppm|ppb|mg/kg|mg|µg|ug|mcg)(\s*/\s*\w+)?`)

	// Parenthesised fragments like "(SLS)" or "(and derivatives)"
	parentheticalPattern = regexp.MustCompile(`\(([^()]*)\)|\[([^\[\]]*)\]`)

	// CAS registry numbers like "335-67-1"
	casNumberPattern = regexp.MustCompile(`\b\d{2,7}-\d{2}-\d\b`)
)

// claimQualifiers are leading phrases the model adds around a substance name
var claimQualifiers = []string{
	"may contain traces of",
	"may contain",
	"trace amounts of",
	"traces of",
	"trace of",
	"contains",
	"possible",
	"potential",
	"residual",
	"added",
}

// claimSuffixNoise are trailing words that describe the mention, not the substance
var claimSuffixNoise = map[string]bool{
	"residue":       true,
	"residues":      true,
	"allergen":      true,
	"allergens":     true,
	"exposure":      true,
	"contamination": true,
	"coating":       true,
}

// normalizeSubstanceName lowercases, trims and strips punctuation so that
// names from different sources compare on their words alone.
func normalizeSubstanceName(s string) string {
	if s == "" {
		return ""
	}
	result := strings.ToLower(s)
	result = punctuationRegex.ReplaceAllString(result, " ")
	result = multipleSpacesRegex.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// extractCASNumber returns the first CAS registry number found in s
func extractCASNumber(s string) string {
	return casNumberPattern.FindString(s)
}

// claimNameVariants returns the normalized forms a claimed name should be
// compared under: the cleaned full name, the name without parentheticals,
// and each parenthetical on its own ("sodium lauryl sulfate (SLS)" yields
// both the long name and "sls"). Duplicates and empty forms are dropped.
func claimNameVariants(name string) []string {
	cleaned := concentrationPattern.ReplaceAllString(name, " ")

	candidates := []string{cleaned}

	outside := parentheticalPattern.ReplaceAllString(cleaned, " ")
	candidates = append(candidates, outside)

	for _, m := range parentheticalPattern.FindAllStringSubmatch(cleaned, -1) {
		inner := m[1]
		if inner == "" {
			inner = m[2]
		}
		candidates = append(candidates, inner)
	}

	seen := make(map[string]bool, len(candidates))
	variants := make([]string, 0, len(candidates))
	for _, c := range candidates {
		v := stripClaimNoise(normalizeSubstanceName(c))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		variants = append(variants, v)
	}
	return variants
}

// stripClaimNoise removes leading qualifiers and trailing descriptor words
// from an already normalized name
func stripClaimNoise(s string) string {
	for _, q := range claimQualifiers {
		if strings.HasPrefix(s, q+" ") {
			s = strings.TrimSpace(s[len(q):])
			break
		}
	}

	words := strings.Fields(s)
	for len(words) > 1 && claimSuffixNoise[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
