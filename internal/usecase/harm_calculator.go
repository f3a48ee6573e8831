package usecase

import (
	"math"
	"strings"

	"github.com/harmlens/backend/internal/domain"
)

// Score bounds and fixed contributions
const (
	minHarmScore = 0
	maxHarmScore = 100

	// detectionFloor is the lowest score any non-empty detection list can produce
	detectionFloor = 25

	allergenMinPoints = 5.0
	allergenMaxPoints = 30.0

	persistentChemicalPoints = 40.0

	// lowConfidenceThreshold and lowConfidencePenalty skew uncertain analyses toward caution
	lowConfidenceThreshold = 0.7
	lowConfidencePenalty   = 20.0
)

// toxinClassPoints scores other-toxin detections by class, within [5,40]
var toxinClassPoints = map[domain.ToxinClass]float64{
	domain.ToxinCarcinogen:         40,
	domain.ToxinRegulatoryAction:   30,
	domain.ToxinHeavyMetal:         25,
	domain.ToxinEndocrineDisruptor: 25,
	domain.ToxinOther:              15,
	domain.ToxinUnderInvestigation: 5,
}

// categoryRisk maps product category keywords to a multiplier on the total
type categoryRisk struct {
	keywords   []string
	multiplier float64
}

// productCategoryRisks is checked in full; the highest matching multiplier wins
var productCategoryRisks = []categoryRisk{
	{keywords: []string{"pesticide", "insecticide", "herbicide", "fungicide", "rodenticide", "weed killer", "bug spray"}, multiplier: 1.4},
	{keywords: []string{"killer", "poison", "toxic", "bleach", "acid", "lye", "caustic", "corrosive"}, multiplier: 1.3},
	{keywords: []string{"household cleaner", "industrial cleaner", "cleaner", "cleaning", "disinfectant", "degreaser"}, multiplier: 1.2},
	{keywords: []string{"chemical product", "chemical", "solvent", "paint thinner"}, multiplier: 1.15},
}

// CalculateHarmScore turns validated detections into a 0-100 score. It has no
// side effects and depends only on its arguments.
func CalculateHarmScore(detections []domain.ValidatedDetection, overallConfidence float64, category string) int {
	total := 0.0

	seen := make(map[string]bool, len(detections))
	for _, d := range detections {
		if seen[d.CanonicalName] {
			continue
		}
		seen[d.CanonicalName] = true
		total += DetectionPoints(d)
	}

	total *= CategoryMultiplier(category)

	// NaN confidence counts as low
	if !(overallConfidence >= lowConfidenceThreshold) {
		total += lowConfidencePenalty
	}

	score := int(math.Round(total))
	if score < minHarmScore {
		score = minHarmScore
	}
	if score > maxHarmScore {
		score = maxHarmScore
	}

	if len(detections) > 0 && score < detectionFloor {
		score = detectionFloor
	}

	return score
}

// DetectionPoints is the contribution of a single detection before the
// category multiplier
func DetectionPoints(d domain.ValidatedDetection) float64 {
	switch d.Category {
	case domain.CategoryAllergen:
		return AllergenPoints(d.Severity)
	case domain.CategoryPersistentChemical:
		return persistentChemicalPoints
	case domain.CategoryToxin:
		return ToxinPoints(d.ToxinClass)
	default:
		return 0
	}
}

// AllergenPoints maps severity 1-10 linearly onto [5,30]
func AllergenPoints(severity int) float64 {
	if severity < domain.MinSeverity {
		severity = domain.MinSeverity
	}
	if severity > domain.MaxSeverity {
		severity = domain.MaxSeverity
	}
	step := (allergenMaxPoints - allergenMinPoints) / float64(domain.MaxSeverity-domain.MinSeverity)
	return allergenMinPoints + float64(severity-domain.MinSeverity)*step
}

// ToxinPoints returns the class points of an other-toxin detection
func ToxinPoints(class domain.ToxinClass) float64 {
	if points, ok := toxinClassPoints[class]; ok {
		return points
	}
	return toxinClassPoints[domain.ToxinOther]
}

// CategoryMultiplier returns the risk factor for a product category, 1.0 when
// the category is not flagged
func CategoryMultiplier(category string) float64 {
	c := strings.ToLower(category)
	c = strings.NewReplacer("_", " ", "-", " ").Replace(c)
	if strings.TrimSpace(c) == "" {
		return 1.0
	}

	multiplier := 1.0
	for _, risk := range productCategoryRisks {
		for _, keyword := range risk.keywords {
			if strings.Contains(c, keyword) && risk.multiplier > multiplier {
				multiplier = risk.multiplier
			}
		}
	}
	return multiplier
}

// RiskLevelFor labels a harm score
func RiskLevelFor(score int) domain.RiskLevel {
	switch {
	case score <= 30:
		return domain.RiskSafe
	case score <= 60:
		return domain.RiskModerate
	case score <= 80:
		return domain.RiskHigh
	default:
		return domain.RiskDangerous
	}
}
