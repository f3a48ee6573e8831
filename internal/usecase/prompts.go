package usecase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harmlens/backend/internal/domain"
)

// maxPromptKnowledgeBase caps how many names per category are listed in the detector prompt
const maxPromptKnowledgeBase = 60

const extractorSystemPrompt = `You extract structured product data from scraped e-commerce pages.
Call the record_product tool exactly once.
- name: the product title without size or marketing noise.
- brand: the manufacturer or brand, empty if unknown.
- ingredients: every listed ingredient, material or active component in page order, one per item, without percentages.
- category: a short lowercase product category such as "cosmetics", "food", "household cleaner", "pesticide", "toy".
Use only information present in the page text. Never invent ingredients.`

const detectorSystemPromptTemplate = `You are a product safety analyst. Identify harmful substances in a product:
allergens, persistent chemicals (PFAS and similar "forever chemicals"), and other toxins
(carcinogens, heavy metals, endocrine disruptors, substances under regulatory action).

Tracked substances:
%s

Rules:
- Report a substance only with concrete evidence: an ingredient list entry, a label statement, or a reliable source.
- Prefer the tracked names above when a substance matches one of them.
- Materials matter: non-stick coatings, stain-resistant or waterproof treatments often involve PFAS.
- Use the tools when the page data is incomplete. Stop searching once you have enough evidence.

When finished, reply with only a JSON object:
{"claims":[{"substance_name":"...","category":"allergen|persistent_chemical|toxin","severity":"low|moderate|high|severe","confidence":0.0,"supporting_text":"...","source":"ingredient_list|label|web_search|page","cas_number":""}],"confidence":0.0}
"confidence" at the top level is how reliable the whole assessment is. Use an empty claims list when nothing harmful is found.`

const finalAnswerCorrection = `Your last reply could not be parsed. Reply with only the JSON object described in the instructions, no prose and no code fences.`

// detectorSystemPrompt lists the knowledge base so the model can use canonical names
func detectorSystemPrompt(entries []domain.KnowledgeBaseEntry) string {
	byCategory := map[domain.SubstanceCategory][]string{}
	for _, e := range entries {
		byCategory[e.Category] = append(byCategory[e.Category], e.CanonicalName)
	}

	var b strings.Builder
	for _, category := range []domain.SubstanceCategory{
		domain.CategoryAllergen, domain.CategoryPersistentChemical, domain.CategoryToxin,
	} {
		names := byCategory[category]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		if len(names) > maxPromptKnowledgeBase {
			names = names[:maxPromptKnowledgeBase]
		}
		fmt.Fprintf(&b, "- %s: %s\n", category, strings.Join(names, ", "))
	}
	if b.Len() == 0 {
		b.WriteString("- (none)\n")
	}

	return fmt.Sprintf(detectorSystemPromptTemplate, strings.TrimRight(b.String(), "\n"))
}

// primaryDetectorInput describes an extracted product to the detector
func primaryDetectorInput(product *domain.ProductRecord, reviews string) string {
	var b strings.Builder
	b.WriteString("Analyze this product.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", product.URL)
	fmt.Fprintf(&b, "Name: %s\n", product.Name)
	if product.Brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", product.Brand)
	}
	if product.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", product.Category)
	}
	if len(product.Ingredients) > 0 {
		fmt.Fprintf(&b, "Ingredients: %s\n", strings.Join(product.Ingredients, "; "))
	} else {
		b.WriteString("Ingredients: not listed on the page\n")
	}
	if reviews != "" {
		fmt.Fprintf(&b, "\nCustomer review excerpts:\n%s\n", truncateRunes(reviews, 4000))
	}
	return b.String()
}

// fallbackDetectorInput asks the detector to read the page itself
func fallbackDetectorInput(url string) string {
	return fmt.Sprintf(`The product page could not be read reliably. Use fetch_page to read %s,
then identify the product, its brand, category and ingredients before assessing it.
Include "product_name" and "category" fields in your final JSON object.`, url)
}

// truncateRunes cuts s to at most n runes
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
