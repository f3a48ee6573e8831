package knowledgebase

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harmlens/backend/internal/domain"
)

//go:embed seed/substances.yaml
var defaultSeed []byte

type seedFile struct {
	Substances []seedEntry `yaml:"substances"`
}

type seedEntry struct {
	CanonicalName    string   `yaml:"canonical_name"`
	Category         string   `yaml:"category"`
	SeverityDefault  int      `yaml:"severity_default"`
	CASNumber        string   `yaml:"cas_number"`
	ToxinClass       string   `yaml:"toxin_class"`
	Synonyms         []string `yaml:"synonyms"`
	IsPrecursor      bool     `yaml:"is_precursor"`
	IsMetabolite     bool     `yaml:"is_metabolite"`
	RelatedCompounds []string `yaml:"related_compounds"`
	Description      string   `yaml:"description"`
}

// ParseSeed decodes a YAML substance catalogue. Unknown keys are rejected
// and every entry is validated.
func ParseSeed(r io.Reader) ([]domain.KnowledgeBaseEntry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file seedFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}

	entries := make([]domain.KnowledgeBaseEntry, 0, len(file.Substances))
	for i, s := range file.Substances {
		entry := domain.KnowledgeBaseEntry{
			CanonicalName:    strings.TrimSpace(s.CanonicalName),
			Category:         domain.SubstanceCategory(strings.ToLower(strings.TrimSpace(s.Category))),
			SeverityDefault:  s.SeverityDefault,
			CASNumber:        strings.TrimSpace(s.CASNumber),
			ToxinClass:       domain.ToxinClass(strings.ToLower(strings.TrimSpace(s.ToxinClass))),
			Synonyms:         s.Synonyms,
			IsPrecursor:      s.IsPrecursor,
			IsMetabolite:     s.IsMetabolite,
			RelatedCompounds: s.RelatedCompounds,
			Description:      strings.TrimSpace(s.Description),
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("seed entry %d (%q): %w", i, s.CanonicalName, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DefaultSeed returns the built-in catalogue.
func DefaultSeed() ([]domain.KnowledgeBaseEntry, error) {
	return ParseSeed(bytes.NewReader(defaultSeed))
}

// LoadSeedFile parses a catalogue from disk, or the built-in one when path
// is empty.
func LoadSeedFile(path string) ([]domain.KnowledgeBaseEntry, error) {
	if path == "" {
		return DefaultSeed()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// SeedIfEmpty loads the built-in catalogue when the store has no
// substances yet. It returns the number of entries written.
func (s *Store) SeedIfEmpty(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	entries, err := DefaultSeed()
	if err != nil {
		return 0, err
	}
	if err := s.UpsertEntries(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
