package fetcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const amazonStylePage = `<!DOCTYPE html>
<html>
<head><title>Amazon.com</title><script>var tracking = "ignore me";</script></head>
<body>
  <nav id="nav-belt"><h1>Hello, sign in</h1></nav>
  <span id="productTitle">  Acme Nonstick Frying Pan,
     28cm  </span>
  <a id="bylineInfo">Visit the Acme Store</a>
  <div id="feature-bullets"><ul><li>PFOA-free coating</li><li>Dishwasher safe</li></ul></div>
  <div id="important-information">
    <h4>Ingredients</h4><p>PTFE coating, aluminium body, silicone handle</p>
  </div>
  <footer>Conditions of Use</footer>
</body>
</html>`

func TestExtract_FullPage(t *testing.T) {
	content, confidence := Extract("https://www.amazon.com/dp/B0ABC", amazonStylePage)

	assert.Equal(t, 1.0, confidence)
	assert.Equal(t, "https://www.amazon.com/dp/B0ABC", content.URL)
	assert.Equal(t, "Acme Nonstick Frying Pan, 28cm", content.Title)
	assert.Equal(t, "Visit the Acme Store", content.Sections[SectionBrand])
	assert.Contains(t, content.Sections[SectionFeatures], "PFOA-free coating")
	assert.Contains(t, content.Sections[SectionIngredients], "PTFE coating, aluminium body")

	assert.True(t, strings.HasPrefix(content.Text, "=== title ===\nAcme Nonstick Frying Pan"))
	assert.Less(t, strings.Index(content.Text, "=== brand ==="), strings.Index(content.Text, "=== ingredients ==="))
	assert.NotContains(t, content.Text, "ignore me")
	assert.NotContains(t, content.Text, "Hello, sign in")
	assert.NotContains(t, content.Text, "Conditions of Use")
}

func TestExtract_Confidence(t *testing.T) {
	tests := []struct {
		name string
		html string
		want float64
	}{
		{
			name: "empty",
			html: "   ",
			want: 0,
		},
		{
			name: "client rendered shell",
			html: `<html><body><div id="app">Loading...</div><script src="/bundle.js"></script></body></html>`,
			want: 0,
		},
		{
			name: "title only",
			html: `<html><body><h1>Garden Weed Killer 1L</h1></body></html>`,
			want: 0.35,
		},
		{
			name: "title and description",
			html: `<html><body><h1>Glass Cleaner</h1><div id="productDescription">Streak free shine.</div></body></html>`,
			want: 0.5,
		},
		{
			name: "inline ingredients in description",
			html: `<html><body><h1>Gentle Soap</h1>
				<div id="productDescription">Mild soap. Ingredients: water, sodium laureth sulfate, fragrance.</div></body></html>`,
			want: 0.85,
		},
		{
			name: "json-ld product",
			html: `<html><head><script type="application/ld+json">
				{"@context":"https://schema.org","@type":"Product","name":"Trail Mix",
				 "brand":{"@type":"Brand","name":"Nutty Co"},"description":"Peanuts, raisins and almonds"}
				</script></head><body></body></html>`,
			want: 0.65,
		},
		{
			name: "meta tags",
			html: `<html><head><meta property="og:title" content="Kids Toy Blocks">
				<meta name="description" content="Colourful wooden blocks"></head><body></body></html>`,
			want: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, confidence := Extract("https://shop.example.com/p/1", tt.html)
			assert.Equal(t, tt.want, confidence)
		})
	}
}

func TestExtract_InlineIngredients(t *testing.T) {
	content, _ := Extract("https://shop.example.com/p/1", `<html><body><h1>Gentle Soap</h1>
		<div id="productDescription">Mild soap. Ingredients: water, sodium laureth sulfate, fragrance.</div></body></html>`)

	assert.Equal(t, "water, sodium laureth sulfate, fragrance.", content.Sections[SectionIngredients])
}

func TestExtract_JSONLDArray(t *testing.T) {
	content, _ := Extract("https://shop.example.com/p/1", `<html><head><script type="application/ld+json">
		[{"@type":"BreadcrumbList"},{"@type":["Product","Thing"],"name":"Oven Cleaner","brand":"Sparkle"}]
		</script></head><body></body></html>`)

	assert.Equal(t, "Oven Cleaner", content.Title)
	assert.Equal(t, "Sparkle", content.Sections[SectionBrand])
}

func TestExtract_SectionTruncated(t *testing.T) {
	long := strings.Repeat("a", maxSectionRunes+100)
	content, _ := Extract("https://shop.example.com/p/1", "<html><body><h1>"+long+"</h1></body></html>")

	assert.Len(t, []rune(content.Title), maxSectionRunes)
}

func TestExtractReviews(t *testing.T) {
	t.Run("review bodies", func(t *testing.T) {
		html := `<div id="cm-cr-dp-review-list">
			<div data-hook="review-body"><span>Coating peeled after a month.</span></div>
			<div data-hook="review-body"><span>Smells like   chemicals when hot.</span></div>
		</div>`
		assert.Equal(t, "Coating peeled after a month.\n\nSmells like chemicals when hot.", ExtractReviews(html))
	})

	t.Run("falls back to body text", func(t *testing.T) {
		assert.Equal(t, "Great pan, no issues.", ExtractReviews("<p>Great pan, no issues.</p>"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, ExtractReviews(""))
	})
}
