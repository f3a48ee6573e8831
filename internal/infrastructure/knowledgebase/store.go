// Package knowledgebase persists the curated substance catalogue and the
// validation-warning log in an embedded SQLite database.
package knowledgebase

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/harmlens/backend/internal/domain"
	"github.com/harmlens/backend/internal/infrastructure/knowledgebase/migrations"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "./data/harmlens.db"

const (
	defaultWarningLimit = 50
	maxWarningLimit     = 500

	defaultFlaggedLimit = 20
	maxFlaggedLimit     = 100
)

// Store is a SQLite-backed knowledge base and warning log.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewStore opens (creating if needed) the database at path and applies
// pending migrations.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle so other stores (the analysis cache)
// can share the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	type migration struct {
		version int
		name    string
	}
	var pending []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return fmt.Errorf("parsing migration version %q: %w", name, err)
		}
		if version > currentVersion {
			pending = append(pending, migration{version: version, name: name})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		content, err := fs.ReadFile(fsys, m.name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", m.name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Count returns the number of substances stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM substances").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting substances: %w", err)
	}
	return n, nil
}

// LoadEntries reads every substance with its synonyms and related compounds,
// ordered by canonical name.
func (s *Store) LoadEntries(ctx context.Context) ([]domain.KnowledgeBaseEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_name, category, severity_default,
		       COALESCE(cas_number, ''), COALESCE(toxin_class, ''),
		       is_precursor, is_metabolite, COALESCE(description, '')
		FROM substances
		ORDER BY canonical_name`)
	if err != nil {
		return nil, fmt.Errorf("querying substances: %w", err)
	}
	defer rows.Close()

	var entries []domain.KnowledgeBaseEntry
	index := make(map[int64]int)
	for rows.Next() {
		var (
			e                         domain.KnowledgeBaseEntry
			category, toxinClass      string
			isPrecursor, isMetabolite bool
		)
		if err := rows.Scan(&e.ID, &e.CanonicalName, &category, &e.SeverityDefault,
			&e.CASNumber, &toxinClass, &isPrecursor, &isMetabolite, &e.Description); err != nil {
			return nil, fmt.Errorf("scanning substance: %w", err)
		}
		e.Category = domain.SubstanceCategory(category)
		e.ToxinClass = domain.ToxinClass(toxinClass)
		e.IsPrecursor = isPrecursor
		e.IsMetabolite = isMetabolite
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating substances: %w", err)
	}

	if err := s.attach(ctx, "SELECT substance_id, synonym FROM substance_synonyms ORDER BY synonym", func(id int64, v string) {
		if i, ok := index[id]; ok {
			entries[i].Synonyms = append(entries[i].Synonyms, v)
		}
	}); err != nil {
		return nil, fmt.Errorf("loading synonyms: %w", err)
	}

	if err := s.attach(ctx, "SELECT substance_id, related_name FROM substance_relations ORDER BY related_name", func(id int64, v string) {
		if i, ok := index[id]; ok {
			entries[i].RelatedCompounds = append(entries[i].RelatedCompounds, v)
		}
	}); err != nil {
		return nil, fmt.Errorf("loading relations: %w", err)
	}

	return entries, nil
}

func (s *Store) attach(ctx context.Context, query string, add func(id int64, value string)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return err
		}
		add(id, value)
	}
	return rows.Err()
}

// UpsertEntries inserts or replaces entries keyed by canonical name. Synonym
// and relation lists are replaced wholesale. The whole batch is one
// transaction; an invalid entry aborts it.
func (s *Store) UpsertEntries(ctx context.Context, entries []domain.KnowledgeBaseEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	updatedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO substances (canonical_name, category, severity_default, cas_number,
			                        toxin_class, is_precursor, is_metabolite, description, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)
			ON CONFLICT (canonical_name) DO UPDATE SET
				category = excluded.category,
				severity_default = excluded.severity_default,
				cas_number = excluded.cas_number,
				toxin_class = excluded.toxin_class,
				is_precursor = excluded.is_precursor,
				is_metabolite = excluded.is_metabolite,
				description = excluded.description,
				updated_at = excluded.updated_at
			RETURNING id`,
			e.CanonicalName, string(e.Category), e.SeverityDefault, e.CASNumber,
			string(e.ToxinClass), e.IsPrecursor, e.IsMetabolite, e.Description, updatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("upserting %q: %w", e.CanonicalName, err)
		}

		if err := replaceChildren(ctx, tx, "substance_synonyms", "synonym", id, e.Synonyms); err != nil {
			return fmt.Errorf("storing synonyms for %q: %w", e.CanonicalName, err)
		}
		if err := replaceChildren(ctx, tx, "substance_relations", "related_name", id, e.RelatedCompounds); err != nil {
			return fmt.Errorf("storing relations for %q: %w", e.CanonicalName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entries: %w", err)
	}
	return nil
}

func replaceChildren(ctx context.Context, tx *sql.Tx, table, column string, id int64, values []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE substance_id = ?", id); err != nil {
		return err
	}
	insert := "INSERT OR IGNORE INTO " + table + " (substance_id, " + column + ") VALUES (?, ?)"
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert, id, v); err != nil {
			return err
		}
	}
	return nil
}

// RecordWarnings appends validation warnings to the log.
func (s *Store) RecordWarnings(ctx context.Context, warnings []domain.ValidationWarning) error {
	if len(warnings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range warnings {
		recordedAt := w.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = s.now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO validation_warnings (claim_name, category_guess, best_candidate,
			                                 best_score, reason, url_hash, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.ClaimName, w.CategoryGuess, w.BestCandidate, w.BestScore, w.Reason, w.URLHash,
			recordedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting warning: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing warnings: %w", err)
	}
	return nil
}

// RecentWarnings returns up to limit warnings, newest first.
func (s *Store) RecentWarnings(ctx context.Context, limit int) ([]domain.ValidationWarning, error) {
	if limit <= 0 {
		limit = defaultWarningLimit
	}
	if limit > maxWarningLimit {
		limit = maxWarningLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_name, COALESCE(category_guess, ''), COALESCE(best_candidate, ''),
		       best_score, reason, COALESCE(url_hash, ''), recorded_at
		FROM validation_warnings
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying warnings: %w", err)
	}
	defer rows.Close()

	warnings := make([]domain.ValidationWarning, 0)
	for rows.Next() {
		var (
			w          domain.ValidationWarning
			recordedAt string
		)
		if err := rows.Scan(&w.ClaimName, &w.CategoryGuess, &w.BestCandidate,
			&w.BestScore, &w.Reason, &w.URLHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning warning: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			w.RecordedAt = t
		}
		warnings = append(warnings, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating warnings: %w", err)
	}
	return warnings, nil
}

// WarningStats counts warnings recorded at or after since.
func (s *Store) WarningStats(ctx context.Context, since time.Time) (*domain.WarningStats, error) {
	cutoff := since.UTC().Format(time.RFC3339Nano)
	stats := &domain.WarningStats{Since: since.UTC(), ByReason: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT NULLIF(claim_name, '')),
		       COUNT(DISTINCT NULLIF(url_hash, ''))
		FROM validation_warnings
		WHERE recorded_at >= ?`, cutoff,
	).Scan(&stats.TotalWarnings, &stats.DistinctClaims, &stats.AnalysesAffected)
	if err != nil {
		return nil, fmt.Errorf("counting warnings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT reason, COUNT(*)
		FROM validation_warnings
		WHERE recorded_at >= ?
		GROUP BY reason`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("grouping warnings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning warning group: %w", err)
		}
		stats.ByReason[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating warning groups: %w", err)
	}
	return stats, nil
}

// FlaggedSubstances returns the most frequently rejected claim names, most
// frequent first.
func (s *Store) FlaggedSubstances(ctx context.Context, limit int) ([]domain.FlaggedSubstance, error) {
	if limit <= 0 {
		limit = defaultFlaggedLimit
	}
	if limit > maxFlaggedLimit {
		limit = maxFlaggedLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_name, COUNT(*) AS occurrences,
		       COALESCE(MAX(best_candidate), ''), MAX(recorded_at)
		FROM validation_warnings
		WHERE claim_name <> ''
		GROUP BY claim_name
		ORDER BY occurrences DESC, claim_name ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying flagged substances: %w", err)
	}
	defer rows.Close()

	flagged := make([]domain.FlaggedSubstance, 0)
	for rows.Next() {
		var (
			f        domain.FlaggedSubstance
			lastSeen string
		)
		if err := rows.Scan(&f.ClaimName, &f.Occurrences, &f.BestCandidate, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning flagged substance: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
			f.LastSeen = t
		}
		flagged = append(flagged, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating flagged substances: %w", err)
	}
	return flagged, nil
}
