package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubstanceName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  Bisphenol-A ", "bisphenol a"},
		{"6:2 FTOH", "6 2 ftoh"},
		{"Di(2-ethylhexyl) Phthalate", "di 2 ethylhexyl phthalate"},
		{"Café   Crème", "café crème"},
		{"", ""},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeSubstanceName(tt.input))
		})
	}
}

func TestExtractCASNumber(t *testing.T) {
	assert.Equal(t, "335-67-1", extractCASNumber("PFOA (CAS 335-67-1)"))
	assert.Equal(t, "7439-92-1", extractCASNumber("7439-92-1"))
	assert.Empty(t, extractCASNumber("model 12-345"))
	assert.Empty(t, extractCASNumber("no number here"))
}

func TestClaimNameVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "parenthetical abbreviation",
			input: "Sodium Lauryl Sulfate (SLS)",
			want:  []string{"sodium lauryl sulfate sls", "sodium lauryl sulfate", "sls"},
		},
		{
			name:  "leading qualifier",
			input: "May contain traces of peanuts",
			want:  []string{"peanuts"},
		},
		{
			name:  "trailing noise",
			input: "PFAS coating",
			want:  []string{"pfas"},
		},
		{
			name:  "single noise word kept",
			input: "coating",
			want:  []string{"coating"},
		},
		{
			name:  "concentration",
			input: "0.5% Triclosan",
			want:  []string{"triclosan"},
		},
		{
			name:  "concentration inside parentheses",
			input: "Lead (< 10 ppm)",
			want:  []string{"lead"},
		},
		{
			name:  "square brackets",
			input: "Formaldehyde [formalin]",
			want:  []string{"formaldehyde formalin", "formaldehyde", "formalin"},
		},
		{
			name:  "nothing left",
			input: "()",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, claimNameVariants(tt.input))
		})
	}
}
