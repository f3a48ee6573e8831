package domain

import (
	"fmt"
	"time"
)

// SubstanceCategory is the closed set of hazard categories tracked by the knowledge base
type SubstanceCategory string

const (
	CategoryAllergen           SubstanceCategory = "allergen"
	CategoryPersistentChemical SubstanceCategory = "persistent_chemical"
	CategoryToxin              SubstanceCategory = "toxin"
)

// Valid reports whether c is one of the known categories
func (c SubstanceCategory) Valid() bool {
	switch c {
	case CategoryAllergen, CategoryPersistentChemical, CategoryToxin:
		return true
	}
	return false
}

// ToxinClass refines CategoryToxin entries for scoring
type ToxinClass string

const (
	ToxinCarcinogen         ToxinClass = "carcinogen"
	ToxinRegulatoryAction   ToxinClass = "regulatory_action"
	ToxinHeavyMetal         ToxinClass = "heavy_metal"
	ToxinEndocrineDisruptor ToxinClass = "endocrine_disruptor"
	ToxinUnderInvestigation ToxinClass = "under_investigation"
	ToxinOther              ToxinClass = "other"
)

// Valid reports whether t is one of the known toxin classes
func (t ToxinClass) Valid() bool {
	switch t {
	case ToxinCarcinogen, ToxinRegulatoryAction, ToxinHeavyMetal,
		ToxinEndocrineDisruptor, ToxinUnderInvestigation, ToxinOther:
		return true
	}
	return false
}

// Severity bounds for knowledge base entries (ordinal scale)
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// KnowledgeBaseEntry is the canonical record for one tracked substance
type KnowledgeBaseEntry struct {
	ID               int64             `json:"id,omitempty"`
	CanonicalName    string            `json:"canonical_name"`
	Synonyms         []string          `json:"synonyms,omitempty"`
	Category         SubstanceCategory `json:"category"`
	SeverityDefault  int               `json:"severity_default"`
	CASNumber        string            `json:"cas_number,omitempty"`
	ToxinClass       ToxinClass        `json:"toxin_class,omitempty"`
	IsPrecursor      bool              `json:"is_precursor"`
	IsMetabolite     bool              `json:"is_metabolite"`
	RelatedCompounds []string          `json:"related_compounds,omitempty"`
	Description      string            `json:"description,omitempty"`
}

// Validate checks the category-specific invariants of an entry
func (e KnowledgeBaseEntry) Validate() error {
	if e.CanonicalName == "" {
		return fmt.Errorf("%w: empty canonical name", ErrInvalidSubstance)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %s has unknown category %q", ErrInvalidSubstance, e.CanonicalName, e.Category)
	}
	if e.SeverityDefault < MinSeverity || e.SeverityDefault > MaxSeverity {
		return fmt.Errorf("%w: %s severity %d outside %d-%d",
			ErrInvalidSubstance, e.CanonicalName, e.SeverityDefault, MinSeverity, MaxSeverity)
	}
	if e.Category == CategoryToxin && !e.ToxinClass.Valid() {
		return fmt.Errorf("%w: toxin %s has unknown class %q", ErrInvalidSubstance, e.CanonicalName, e.ToxinClass)
	}
	if e.Category != CategoryToxin && e.ToxinClass != "" {
		return fmt.Errorf("%w: %s is not a toxin but has class %q", ErrInvalidSubstance, e.CanonicalName, e.ToxinClass)
	}
	return nil
}

// ClaimSourceIngredientList marks claims read straight off the extracted
// ingredient list rather than proposed by the detector
const ClaimSourceIngredientList = "ingredient_list"

// RawClaim is an unvalidated substance mention proposed by the detector
type RawClaim struct {
	SubstanceName  string  `json:"substance_name"`
	CategoryGuess  string  `json:"category"`
	SeverityGuess  string  `json:"severity,omitempty"`
	Confidence     float64 `json:"confidence"`
	SupportingText string  `json:"supporting_text,omitempty"`
	Source         string  `json:"source,omitempty"`
	CASNumber      string  `json:"cas_number,omitempty"`
}

// RelatedCompound annotates a detection with a precursor/metabolite relationship
type RelatedCompound struct {
	Name            string `json:"name"`
	Relationship    string `json:"relationship"` // "precursor_of" or "metabolite_of"
	InKnowledgeBase bool   `json:"in_knowledge_base"`
}

// ValidatedDetection is a raw claim reconciled against the knowledge base.
// CanonicalName always names an existing knowledge base entry.
type ValidatedDetection struct {
	CanonicalName    string            `json:"canonical_name"`
	Category         SubstanceCategory `json:"category"`
	Severity         int               `json:"severity"`
	ToxinClass       ToxinClass        `json:"toxin_class,omitempty"`
	CASNumber        string            `json:"cas_number,omitempty"`
	Confidence       float64           `json:"confidence"`
	MatchScore       float64           `json:"match_score"`
	SourceText       string            `json:"source_text,omitempty"`
	ClaimedName      string            `json:"claimed_name,omitempty"`
	RelatedCompounds []RelatedCompound `json:"related_compounds,omitempty"`
}

// ValidationWarning records a claim dropped for lack of a knowledge base match
type ValidationWarning struct {
	ClaimName     string    `json:"claim_name"`
	CategoryGuess string    `json:"category_guess,omitempty"`
	BestCandidate string    `json:"best_candidate,omitempty"`
	BestScore     float64   `json:"best_score"`
	Reason        string    `json:"reason"`
	URLHash       string    `json:"url_hash,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// WarningStats summarises the warning log over a recent window
type WarningStats struct {
	Since            time.Time      `json:"since"`
	TotalWarnings    int            `json:"total_warnings"`
	DistinctClaims   int            `json:"distinct_claims"`
	AnalysesAffected int            `json:"analyses_affected"`
	ByReason         map[string]int `json:"by_reason"`
}

// FlaggedSubstance is a claimed name the validator keeps rejecting
type FlaggedSubstance struct {
	ClaimName     string    `json:"claim_name"`
	Occurrences   int       `json:"occurrences"`
	BestCandidate string    `json:"best_candidate,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}
