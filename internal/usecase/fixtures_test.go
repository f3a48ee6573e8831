package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harmlens/backend/internal/domain"
)

// testEntries is a small catalogue covering every category and both
// relationship flags
func testEntries() []domain.KnowledgeBaseEntry {
	return []domain.KnowledgeBaseEntry{
		{
			CanonicalName:    "PFOA",
			Category:         domain.CategoryPersistentChemical,
			SeverityDefault:  9,
			CASNumber:        "335-67-1",
			Synonyms:         []string{"perfluorooctanoic acid", "C8"},
			IsMetabolite:     true,
			RelatedCompounds: []string{"8:2 FTOH", "PTFE"},
		},
		{
			CanonicalName:   "PTFE",
			Category:        domain.CategoryPersistentChemical,
			SeverityDefault: 6,
			CASNumber:       "9002-84-0",
			Synonyms:        []string{"polytetrafluoroethylene", "teflon"},
		},
		{
			CanonicalName:    "8:2 FTOH",
			Category:         domain.CategoryPersistentChemical,
			SeverityDefault:  7,
			Synonyms:         []string{"8:2 fluorotelomer alcohol"},
			IsPrecursor:      true,
			RelatedCompounds: []string{"PFOA", "PFNA"},
		},
		{
			CanonicalName:   "Peanut",
			Category:        domain.CategoryAllergen,
			SeverityDefault: 10,
			Synonyms:        []string{"groundnut", "arachis oil"},
		},
		{
			CanonicalName:   "Milk",
			Category:        domain.CategoryAllergen,
			SeverityDefault: 7,
			Synonyms:        []string{"casein", "whey"},
		},
		{
			CanonicalName:   "Formaldehyde",
			Category:        domain.CategoryToxin,
			SeverityDefault: 8,
			CASNumber:       "50-00-0",
			ToxinClass:      domain.ToxinCarcinogen,
			Synonyms:        []string{"formalin"},
		},
		{
			CanonicalName:   "Lead",
			Category:        domain.CategoryToxin,
			SeverityDefault: 9,
			CASNumber:       "7439-92-1",
			ToxinClass:      domain.ToxinHeavyMetal,
		},
		{
			CanonicalName:   "Bisphenol A",
			Category:        domain.CategoryToxin,
			SeverityDefault: 7,
			CASNumber:       "80-05-7",
			ToxinClass:      domain.ToxinEndocrineDisruptor,
			Synonyms:        []string{"BPA"},
		},
		{
			CanonicalName:   "Glyphosate",
			Category:        domain.CategoryToxin,
			SeverityDefault: 6,
			ToxinClass:      domain.ToxinUnderInvestigation,
		},
	}
}

func newTestKnowledgeBase(t *testing.T) *KnowledgeBaseIndex {
	t.Helper()
	kb, err := NewKnowledgeBaseIndex(testEntries(), nil)
	if err != nil {
		t.Fatalf("NewKnowledgeBaseIndex() error = %v", err)
	}
	return kb
}

// scriptedReply is one canned model answer
type scriptedReply struct {
	resp *domain.ModelResponse
	err  error
}

// scriptedModel answers CreateMessage from a queue and records every request
type scriptedModel struct {
	mu       sync.Mutex
	name     string
	replies  []scriptedReply
	requests []*domain.ModelRequest
}

func newScriptedModel(replies ...scriptedReply) *scriptedModel {
	return &scriptedModel{name: "claude-sonnet-4-test", replies: replies}
}

func (m *scriptedModel) CreateMessage(ctx context.Context, req *domain.ModelRequest) (*domain.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply.resp, reply.err
}

func (m *scriptedModel) Model() string { return m.name }

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) *domain.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func textReply(text string) scriptedReply {
	return scriptedReply{resp: &domain.ModelResponse{
		Content:    []domain.ContentBlock{{Type: domain.BlockText, Text: text}},
		StopReason: domain.StopEndTurn,
		Usage:      domain.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}}
}

// toolCall builds a tool_use block with input marshalled from v
func toolCall(id, name string, v any) domain.ContentBlock {
	input, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return domain.ContentBlock{Type: domain.BlockToolUse, ID: id, Name: name, Input: input}
}

func toolReply(calls ...domain.ContentBlock) scriptedReply {
	return scriptedReply{resp: &domain.ModelResponse{
		Content:    calls,
		StopReason: domain.StopToolUse,
		Usage:      domain.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}}
}

func errorReply(err error) scriptedReply {
	return scriptedReply{err: err}
}

// fakeSearch returns fixed results and records queries
type fakeSearch struct {
	mu      sync.Mutex
	results []domain.SearchResult
	err     error
	queries []string
}

func (s *fakeSearch) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.results, s.err
}

// fakeFetcher serves fixed page content. When release is set, Fetch blocks
// until it is closed.
type fakeFetcher struct {
	mu         sync.Mutex
	content    domain.RawContent
	confidence float64
	err        error
	release    chan struct{}
	fetched    []string
	fromHTML   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (domain.RawContent, float64, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return domain.RawContent{}, 0, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.RawContent{URL: url}, 0, f.err
	}
	content := f.content
	content.URL = url
	return content, f.confidence, nil
}

func (f *fakeFetcher) FromHTML(url, html, reviewsHTML string) (domain.RawContent, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromHTML++
	return domain.RawContent{URL: url, Text: html, Reviews: reviewsHTML}, f.confidence
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// fakeCacheRepo is a map-backed CacheRepository with injectable failures
type fakeCacheRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	sets    int
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{
		entries: make(map[string]*domain.CacheEntry),
		ttls:    make(map[string]time.Duration),
	}
}

func (r *fakeCacheRepo) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	entry, ok := r.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return entry, nil
}

func (r *fakeCacheRepo) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets++
	if r.setErr != nil {
		return r.setErr
	}
	r.entries[key] = entry
	r.ttls[key] = ttl
	return nil
}

func (r *fakeCacheRepo) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *fakeCacheRepo) Exists(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok, nil
}

func (r *fakeCacheRepo) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets
}

// fakeWarnings collects recorded validation warnings
type fakeWarnings struct {
	mu       sync.Mutex
	recorded []domain.ValidationWarning
}

func (w *fakeWarnings) RecordWarnings(ctx context.Context, warnings []domain.ValidationWarning) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recorded = append(w.recorded, warnings...)
	return nil
}

func (w *fakeWarnings) RecentWarnings(ctx context.Context, limit int) ([]domain.ValidationWarning, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.ValidationWarning(nil), w.recorded...), nil
}

// waiting reports how many callers are attached to the run for key
func (f *flights) waiting(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[key]; ok {
		return run.waiters
	}
	return 0
}
