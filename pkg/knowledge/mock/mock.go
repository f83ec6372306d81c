// Package mock provides an in-memory [knowledge.Base] for tests.
//
// The mock behaves like a small real store: chunks and entities round-trip,
// Search ranks by cosine similarity over the stored embeddings, SearchText
// by naive term overlap. Error fields force individual operations to fail
// so callers' degradation paths can be exercised.
package mock

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

// SearchCall records one Search or SearchText invocation.
type SearchCall struct {
	Embedding []float32
	Query     string
	TopK      int
	Filter    knowledge.Filter
}

// Store is an in-memory knowledge base.
type Store struct {
	mu sync.Mutex

	chunks      map[string]knowledge.Chunk
	entities    map[string]*knowledge.Entity
	appearances map[string]knowledge.Appearance

	// Error injection. When set, the corresponding method returns the
	// error without touching state.
	IndexErr            error
	SearchErr           error
	SearchTextErr       error
	UpsertEntityErr     error
	RecordAppearanceErr error
	StatsErr            error

	// SearchFunc and SearchTextFunc override the built-in ranking when set.
	SearchFunc     func(embedding []float32, topK int, f knowledge.Filter) []knowledge.Result
	SearchTextFunc func(query string, topK int, f knowledge.Filter) []knowledge.Result

	// Call records.
	IndexCalls      [][]knowledge.Chunk
	SearchCalls     []SearchCall
	SearchTextCalls []SearchCall
}

var _ knowledge.Base = (*Store)(nil)

// NewStore returns an empty in-memory knowledge base.
func NewStore() *Store {
	return &Store{
		chunks:      make(map[string]knowledge.Chunk),
		entities:    make(map[string]*knowledge.Entity),
		appearances: make(map[string]knowledge.Appearance),
	}
}

// Reset clears all stored data and recorded calls. Error fields are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]knowledge.Chunk)
	s.entities = make(map[string]*knowledge.Entity)
	s.appearances = make(map[string]knowledge.Appearance)
	s.IndexCalls = nil
	s.SearchCalls = nil
	s.SearchTextCalls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ChunkIndex
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) IndexChunks(_ context.Context, chunks []knowledge.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IndexCalls = append(s.IndexCalls, append([]knowledge.Chunk(nil), chunks...))
	if s.IndexErr != nil {
		return s.IndexErr
	}
	now := time.Now()
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *Store) Search(_ context.Context, embedding []float32, topK int, f knowledge.Filter) ([]knowledge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Embedding: embedding, TopK: topK, Filter: f})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if s.SearchFunc != nil {
		return s.SearchFunc(embedding, topK, f), nil
	}

	var results []knowledge.Result
	for _, c := range s.chunks {
		if len(c.Embedding) == 0 || !matches(c, f) {
			continue
		}
		results = append(results, knowledge.Result{Chunk: c, Score: cosine(embedding, c.Embedding)})
	}
	sortResults(results)
	return truncate(results, topK), nil
}

func (s *Store) SearchText(_ context.Context, query string, topK int, f knowledge.Filter) ([]knowledge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchTextCalls = append(s.SearchTextCalls, SearchCall{Query: query, TopK: topK, Filter: f})
	if s.SearchTextErr != nil {
		return nil, s.SearchTextErr
	}
	if s.SearchTextFunc != nil {
		return s.SearchTextFunc(query, topK, f), nil
	}

	terms := strings.Fields(strings.ToLower(query))
	var results []knowledge.Result
	for _, c := range s.chunks {
		if !matches(c, f) {
			continue
		}
		content := strings.ToLower(c.Content)
		hits := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		results = append(results, knowledge.Result{Chunk: c, Score: float64(hits) / float64(len(terms))})
	}
	sortResults(results)
	return truncate(results, topK), nil
}

func (s *Store) SessionHashes(_ context.Context, campaignID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make(map[string]string)
	for _, c := range s.chunks {
		if c.CampaignID == campaignID {
			hashes[c.SessionID] = c.ContentHash
		}
	}
	return hashes, nil
}

func (s *Store) DeleteSession(_ context.Context, campaignID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.CampaignID == campaignID && c.SessionID == sessionID {
			delete(s.chunks, id)
		}
	}
	for key, a := range s.appearances {
		if a.SessionID != sessionID {
			continue
		}
		if e, ok := s.entities[a.EntityID]; ok && e.CampaignID == campaignID {
			delete(s.appearances, key)
		}
	}
	return nil
}

func (s *Store) DeleteCampaign(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.CampaignID == campaignID {
			delete(s.chunks, id)
		}
	}
	for key, a := range s.appearances {
		if e, ok := s.entities[a.EntityID]; ok && e.CampaignID == campaignID {
			delete(s.appearances, key)
		}
	}
	return nil
}

func (s *Store) Stats(_ context.Context, campaignID string) (knowledge.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatsErr != nil {
		return knowledge.Stats{}, s.StatsErr
	}
	var st knowledge.Stats
	sessions := make(map[string]struct{})
	for _, c := range s.chunks {
		if c.CampaignID != campaignID {
			continue
		}
		st.Chunks++
		if len(c.Embedding) > 0 {
			st.EmbeddedChunks++
		}
		sessions[c.SessionID] = struct{}{}
	}
	st.Sessions = len(sessions)
	for _, e := range s.entities {
		if e.CampaignID == campaignID {
			st.Entities++
		}
	}
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// EntityCatalog
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) UpsertEntity(_ context.Context, e knowledge.Entity) (*knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertEntityErr != nil {
		return nil, s.UpsertEntityErr
	}
	e.Name = strings.TrimSpace(e.Name)

	now := time.Now()
	existing := s.findByName(e.CampaignID, e.Name, false)
	if existing == nil {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Attributes == nil {
			e.Attributes = map[string]any{}
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		stored := e
		s.entities[stored.ID] = &stored
		out := stored
		return &out, nil
	}

	if e.Kind != "" {
		existing.Kind = e.Kind
	}
	if e.Description != "" {
		existing.Description = e.Description
	}
	existing.Aliases = unionAliases(existing.Aliases, e.Aliases)
	if existing.Attributes == nil {
		existing.Attributes = map[string]any{}
	}
	for k, v := range e.Attributes {
		existing.Attributes[k] = v
	}
	existing.UpdatedAt = now
	out := *existing
	return &out, nil
}

func (s *Store) GetEntity(_ context.Context, campaignID, name string) (*knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findByName(campaignID, strings.TrimSpace(name), true)
	if e == nil {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (s *Store) FindEntities(_ context.Context, f knowledge.EntityFilter) ([]knowledge.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []knowledge.Entity
	for _, e := range s.entities {
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(f.Name)) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) RecordAppearance(_ context.Context, entityID, sessionID string, mentions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordAppearanceErr != nil {
		return s.RecordAppearanceErr
	}
	if mentions < 1 {
		mentions = 1
	}
	s.appearances[entityID+"\x00"+sessionID] = knowledge.Appearance{
		EntityID:  entityID,
		SessionID: sessionID,
		Mentions:  mentions,
		LastSeen:  time.Now(),
	}
	return nil
}

func (s *Store) Appearances(_ context.Context, entityID string) ([]knowledge.Appearance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []knowledge.Appearance
	for _, a := range s.appearances {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *Store) Names(_ context.Context, campaignID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var names []string
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n == "" {
			return
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		names = append(names, n)
	}
	for _, e := range s.entities {
		if e.CampaignID != campaignID {
			continue
		}
		add(e.Name)
		for _, a := range e.Aliases {
			add(a)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

// findByName must be called with the lock held.
func (s *Store) findByName(campaignID, name string, includeAliases bool) *knowledge.Entity {
	lower := strings.ToLower(name)
	var aliasHit *knowledge.Entity
	for _, e := range s.entities {
		if e.CampaignID != campaignID {
			continue
		}
		if strings.ToLower(e.Name) == lower {
			return e
		}
		if includeAliases && aliasHit == nil {
			for _, a := range e.Aliases {
				if strings.ToLower(a) == lower {
					aliasHit = e
					break
				}
			}
		}
	}
	return aliasHit
}

func unionAliases(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func matches(c knowledge.Chunk, f knowledge.Filter) bool {
	if f.CampaignID != "" && c.CampaignID != f.CampaignID {
		return false
	}
	if f.SessionID != "" && c.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if f.Speaker != "" && c.Speaker != f.Speaker {
		return false
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortResults(results []knowledge.Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func truncate(results []knowledge.Result, topK int) []knowledge.Result {
	if topK > 0 && len(results) > topK {
		return results[:topK]
	}
	return results
}
