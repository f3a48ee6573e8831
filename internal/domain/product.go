package domain

// ProductRecord is the structured product data produced by the extractor.
// It is never mutated after extraction.
type ProductRecord struct {
	URL         string   `json:"url"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand,omitempty"`
	Ingredients []string `json:"ingredients"`
	Category    string   `json:"category,omitempty"`
}

// RawContent is the cleaned text of a product page split into named sections
type RawContent struct {
	URL      string            `json:"url"`
	Title    string            `json:"title,omitempty"`
	Sections map[string]string `json:"sections,omitempty"`
	Text     string            `json:"text"`
	Reviews  string            `json:"reviews,omitempty"`
}

// IsEmpty reports whether nothing usable was extracted
func (c RawContent) IsEmpty() bool {
	return c.Text == ""
}
