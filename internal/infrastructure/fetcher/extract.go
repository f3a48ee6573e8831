package fetcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harmlens/backend/internal/domain"
)

// Section names, in the order they appear in the extracted text
const (
	SectionTitle        = "title"
	SectionBrand        = "brand"
	SectionPrice        = "price"
	SectionAvailability = "availability"
	SectionFeatures     = "features"
	SectionDescription  = "description"
	SectionDetails      = "details"
	SectionIngredients  = "ingredients"
	SectionWarnings     = "warnings"
)

var sectionOrder = []string{
	SectionTitle, SectionBrand, SectionPrice, SectionAvailability, SectionFeatures,
	SectionDescription, SectionDetails, SectionIngredients, SectionWarnings,
}

// maxSectionRunes caps each section of extracted text
const maxSectionRunes = 6000

// sectionSelectors lists CSS selectors per section, most specific first.
// The first selector with non-empty text wins.
var sectionSelectors = map[string][]string{
	SectionTitle: {
		"#productTitle", "#title", "h1[itemprop='name']", "[data-testid='product-title']",
		"[data-automation-id='product-title']", "h1.product-title", "h1",
	},
	SectionBrand: {
		"#bylineInfo", "[itemprop='brand']", "[data-testid='product-brand']",
		".product-brand", "a.brand", ".brand",
	},
	SectionPrice: {
		"#corePrice_feature_div .a-offscreen", "#priceblock_ourprice", "[itemprop='price']",
		"[data-testid='product-price']", ".price",
	},
	SectionAvailability: {
		"#availability", "[itemprop='availability']", "[data-testid='availability']",
	},
	SectionFeatures: {
		"#feature-bullets", "#productFactsDesktopExpander", "[data-testid='product-features']",
		".product-features", ".features",
	},
	SectionDescription: {
		"#productDescription", "[itemprop='description']", "[data-testid='product-description']",
		".product-description", "#aplus", "#description",
	},
	SectionDetails: {
		"#productDetails_techSpec_section_1", "#detailBullets_feature_div", "#productOverview_feature_div",
		"#prodDetails", "[data-testid='product-specifications']", ".product-specifications", "table.specifications",
	},
	SectionIngredients: {
		"#important-information", "#ingredients", "#ingredients-section", "[data-testid*='ingredient']",
		"[id*='ingredient']", "[class*='ingredient']",
	},
	SectionWarnings: {
		"#safety-information", "#safetyWarnings", "[data-testid*='warning']", ".safety-warning",
	},
}

// excludeSelectors are stripped before extraction
var excludeSelectors = []string{
	"script", "style", "noscript", "svg", "iframe", "template", "nav", "footer",
	"#nav-belt", "#navFooter", "#rhf", ".a-carousel-container", "[aria-hidden='true']",
}

// reviewSelectors locate individual review bodies
var reviewSelectors = []string{
	"[data-hook='review-body']", "[itemprop='reviewBody']", ".review-text", ".review-body", "[data-testid='review-text']",
}

// checklistWeights score the extraction; they sum to 1
var checklistWeights = []struct {
	sections []string
	weight   float64
}{
	{[]string{SectionTitle}, 0.35},
	{[]string{SectionBrand}, 0.15},
	{[]string{SectionIngredients}, 0.35},
	{[]string{SectionDescription, SectionFeatures}, 0.15},
}

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// "Ingredients: water, glycerin, ..." inside a larger block
	inlineIngredientsRegex = regexp.MustCompile(`(?i)\b(?:active\s+|inactive\s+)?ingredients?\s*[:\-]\s*(.{10,1500})`)
)

// Extract parses html into sections and returns the content and its
// checklist confidence in [0,1]. Unparsable or empty HTML yields zero.
func Extract(url, html string) (domain.RawContent, float64) {
	content := domain.RawContent{URL: url}
	if strings.TrimSpace(html) == "" {
		return content, 0
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return content, 0
	}

	sections := make(map[string]string)
	structured := structuredProduct(doc)

	for _, sel := range excludeSelectors {
		doc.Find(sel).Remove()
	}

	for _, name := range sectionOrder {
		if text := firstText(doc, sectionSelectors[name]); text != "" {
			sections[name] = text
		}
	}

	fillFromMeta(doc, structured, sections)

	if sections[SectionIngredients] == "" {
		if text := inlineIngredients(doc, sections); text != "" {
			sections[SectionIngredients] = text
		}
	}

	content.Sections = sections
	content.Title = sections[SectionTitle]
	content.Text = renderSections(sections)
	return content, confidence(sections)
}

// ExtractReviews returns the review bodies of html, one per paragraph
func ExtractReviews(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	var reviews []string
	for _, sel := range reviewSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := cleanText(s.Text()); text != "" {
				reviews = append(reviews, text)
			}
		})
		if len(reviews) > 0 {
			break
		}
	}

	if len(reviews) == 0 {
		if text := cleanText(doc.Find("body").Text()); text != "" {
			reviews = append(reviews, text)
		}
	}
	return strings.Join(reviews, "\n\n")
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var parts []string
		doc.Find(sel).EachWithBreak(func(i int, s *goquery.Selection) bool {
			if text := cleanText(s.Text()); text != "" {
				parts = append(parts, text)
			}
			return i < 2
		})
		if len(parts) > 0 {
			return truncate(strings.Join(parts, " "), maxSectionRunes)
		}
	}
	return ""
}

// jsonLDProduct is the subset of schema.org/Product we read
type jsonLDProduct struct {
	Type        any    `json:"@type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Brand       any    `json:"brand"`
}

// structuredProduct reads the first schema.org Product from JSON-LD scripts
func structuredProduct(doc *goquery.Document) *jsonLDProduct {
	var found *jsonLDProduct
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		var single jsonLDProduct
		if err := json.Unmarshal([]byte(raw), &single); err == nil && isProductType(single.Type) {
			found = &single
			return false
		}
		var many []jsonLDProduct
		if err := json.Unmarshal([]byte(raw), &many); err == nil {
			for i := range many {
				if isProductType(many[i].Type) {
					found = &many[i]
					return false
				}
			}
		}
		return true
	})
	return found
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product"
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func brandName(brand any) string {
	switch v := brand.(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return name
		}
	}
	return ""
}

// fillFromMeta backfills missing sections from JSON-LD and meta tags
func fillFromMeta(doc *goquery.Document, product *jsonLDProduct, sections map[string]string) {
	if product != nil {
		setIfEmpty(sections, SectionTitle, product.Name)
		setIfEmpty(sections, SectionBrand, brandName(product.Brand))
		setIfEmpty(sections, SectionDescription, product.Description)
	}

	setIfEmpty(sections, SectionTitle, doc.Find("meta[property='og:title']").AttrOr("content", ""))
	setIfEmpty(sections, SectionBrand, doc.Find("meta[property='product:brand']").AttrOr("content", ""))
	setIfEmpty(sections, SectionDescription, doc.Find("meta[name='description']").AttrOr("content", ""))
	setIfEmpty(sections, SectionDescription, doc.Find("meta[property='og:description']").AttrOr("content", ""))
}

func setIfEmpty(sections map[string]string, name, value string) {
	if sections[name] != "" {
		return
	}
	if value = cleanText(value); value != "" {
		sections[name] = truncate(value, maxSectionRunes)
	}
}

// inlineIngredients finds an "Ingredients:" statement in the extracted
// sections or, failing that, anywhere in the body text
func inlineIngredients(doc *goquery.Document, sections map[string]string) string {
	for _, name := range []string{SectionDetails, SectionDescription, SectionFeatures} {
		if m := inlineIngredientsRegex.FindStringSubmatch(sections[name]); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	if m := inlineIngredientsRegex.FindStringSubmatch(cleanText(doc.Find("body").Text())); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func renderSections(sections map[string]string) string {
	var b strings.Builder
	for _, name := range sectionOrder {
		text := sections[name]
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n%s", name, text)
	}
	return b.String()
}

func confidence(sections map[string]string) float64 {
	score := 0.0
	for _, item := range checklistWeights {
		for _, name := range item.sections {
			if sections[name] != "" {
				score += item.weight
				break
			}
		}
	}
	if score > 1 {
		score = 1
	}
	// Avoid 0.35+0.15+... float noise in comparisons
	return float64(int(score*1000+0.5)) / 1000
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
