package usecase

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/logging"
)

// Relationship labels attached to precursor/metabolite annotations
const (
	relationPrecursorOf  = "precursor_of"
	relationMetaboliteOf = "metabolite_of"
)

// Validator reconciles raw claims against the knowledge base. Unmatched
// claims are dropped and reported as warnings; they never reach scoring.
// Unmatched ingredient-list claims are dropped without a warning, since most
// ingredients are not in the knowledge base.
type Validator struct {
	kb      domain.KnowledgeBase
	matcher *MatchingService
	logger  *zap.Logger
}

// NewValidator creates a validator over kb
func NewValidator(kb domain.KnowledgeBase, matcher *MatchingService, logger *zap.Logger) *Validator {
	if matcher == nil {
		matcher = NewMatchingService(MatchConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		kb:      kb,
		matcher: matcher,
		logger:  logger.Named("validator"),
	}
}

// Validate turns claims into detections keyed by canonical name. The
// knowledge base entry's category and severity replace whatever the claim
// guessed. Only context cancellation produces an error.
func (v *Validator) Validate(
	ctx context.Context,
	claims []domain.RawClaim,
) ([]domain.ValidatedDetection, []domain.ValidationWarning, error) {
	entries := v.kb.All()
	log := logging.FromContext(ctx, v.logger)

	byName := make(map[string]int)
	var detections []domain.ValidatedDetection
	var warnings []domain.ValidationWarning

	for _, claim := range claims {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		name := strings.TrimSpace(claim.SubstanceName)
		if name == "" && claim.CASNumber == "" {
			warnings = append(warnings, domain.ValidationWarning{
				CategoryGuess: claim.CategoryGuess,
				Reason:        "empty substance name",
			})
			continue
		}

		match, err := v.matcher.BestMatch(ctx, name, claim.CASNumber, entries)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			if claim.Source == domain.ClaimSourceIngredientList {
				log.Debug("ingredient not in knowledge base", zap.String("ingredient", name))
				continue
			}
			warning := domain.ValidationWarning{
				ClaimName:     name,
				CategoryGuess: claim.CategoryGuess,
				Reason:        warningReason(err),
			}
			if match != nil {
				warning.BestCandidate = match.Entry.CanonicalName
				warning.BestScore = roundScore(match.Score)
			}
			log.Warn("claim not in knowledge base",
				zap.String("claim", name),
				zap.String("category_guess", claim.CategoryGuess),
				zap.String("best_candidate", warning.BestCandidate),
				zap.Float64("best_score", warning.BestScore))
			warnings = append(warnings, warning)
			continue
		}

		detection := v.detectionFor(claim, match)

		if i, ok := byName[detection.CanonicalName]; ok {
			if outranks(detection, detections[i]) {
				detections[i] = detection
			}
			continue
		}
		byName[detection.CanonicalName] = len(detections)
		detections = append(detections, detection)
	}

	sort.SliceStable(detections, func(i, j int) bool {
		if detections[i].Confidence != detections[j].Confidence {
			return detections[i].Confidence > detections[j].Confidence
		}
		return detections[i].CanonicalName < detections[j].CanonicalName
	})

	return detections, warnings, nil
}

// detectionFor builds the detection for an accepted match using the
// knowledge base's canonical values
func (v *Validator) detectionFor(claim domain.RawClaim, match *SubstanceMatch) domain.ValidatedDetection {
	entry := match.Entry

	source := claim.SupportingText
	if source == "" {
		source = claim.Source
	}

	return domain.ValidatedDetection{
		CanonicalName:    entry.CanonicalName,
		Category:         entry.Category,
		Severity:         entry.SeverityDefault,
		ToxinClass:       entry.ToxinClass,
		CASNumber:        entry.CASNumber,
		Confidence:       clampUnit(claim.Confidence),
		MatchScore:       roundScore(match.Score),
		SourceText:       source,
		ClaimedName:      claim.SubstanceName,
		RelatedCompounds: v.relatedCompounds(entry),
	}
}

// relatedCompounds annotates precursors and metabolites with their partners
func (v *Validator) relatedCompounds(entry domain.KnowledgeBaseEntry) []domain.RelatedCompound {
	if !entry.IsPrecursor && !entry.IsMetabolite {
		return nil
	}

	relationship := relationPrecursorOf
	if entry.IsMetabolite && !entry.IsPrecursor {
		relationship = relationMetaboliteOf
	}

	related := make([]domain.RelatedCompound, 0, len(entry.RelatedCompounds))
	for _, name := range entry.RelatedCompounds {
		rc := domain.RelatedCompound{Name: name, Relationship: relationship}
		if other, ok := v.kb.Lookup(name); ok {
			rc.Name = other.CanonicalName
			rc.InKnowledgeBase = true
		}
		related = append(related, rc)
	}
	return related
}

// outranks reports whether a should replace b for the same canonical substance
func outranks(a, b domain.ValidatedDetection) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.MatchScore > b.MatchScore
}

func warningReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrLowConfidence):
		return "no knowledge base match above threshold"
	case errors.Is(err, domain.ErrSubstanceNotFound):
		return "knowledge base is empty"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "substance name is empty after cleanup"
	default:
		return err.Error()
	}
}

// clampUnit bounds a confidence to [0,1]; NaN becomes 0
func clampUnit(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func roundScore(f float64) float64 {
	return math.Round(f*1000) / 1000
}
