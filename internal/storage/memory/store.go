// Package memory provides an in-memory grants store for development and
// testing.
package memory

import (
	"context"
	"sync"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Store implements grants.Store with maps guarded by one RWMutex. Grant
// iteration order is insertion order so test runs are deterministic.
type Store struct {
	mu          sync.RWMutex
	order       []string
	grants      map[string]grants.Grant
	initiatives map[string]grants.Initiative
	prelim      map[string]map[string]int
	results     map[string]map[string]grants.MatchResult
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		grants:      make(map[string]grants.Grant),
		initiatives: make(map[string]grants.Initiative),
		prelim:      make(map[string]map[string]int),
		results:     make(map[string]map[string]grants.MatchResult),
	}
}

// UpsertGrants writes the batch keyed by URL and returns the saved count.
func (s *Store) UpsertGrants(_ context.Context, batch []grants.Grant) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range batch {
		if _, exists := s.grants[g.URL]; !exists {
			s.order = append(s.order, g.URL)
		}
		s.grants[g.URL] = g
	}
	return len(batch), nil
}

// ListGrants returns every known grant in insertion order.
func (s *Store) ListGrants(_ context.Context) ([]grants.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grants.Grant, 0, len(s.order))
	for _, url := range s.order {
		out = append(out, s.grants[url])
	}
	return out, nil
}

// GetInitiative loads one initiative or grants.ErrNotFound.
func (s *Store) GetInitiative(_ context.Context, id string) (grants.Initiative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ini, ok := s.initiatives[id]
	if !ok {
		return grants.Initiative{}, grants.ErrNotFound
	}
	return ini, nil
}

// SavePreliminaryRating upserts a phase-1 score.
func (s *Store) SavePreliminaryRating(_ context.Context, initiativeID, grantURL string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prelim[initiativeID] == nil {
		s.prelim[initiativeID] = make(map[string]int)
	}
	s.prelim[initiativeID][grantURL] = score
	return nil
}

// ListPreliminaryRatings returns grant URL -> score for one initiative.
func (s *Store) ListPreliminaryRatings(_ context.Context, initiativeID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.prelim[initiativeID]))
	for url, score := range s.prelim[initiativeID] {
		out[url] = score
	}
	return out, nil
}

// SaveMatchResult upserts one detailed result.
func (s *Store) SaveMatchResult(_ context.Context, res grants.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[res.InitiativeID] == nil {
		s.results[res.InitiativeID] = make(map[string]grants.MatchResult)
	}
	s.results[res.InitiativeID][res.GrantURL] = res
	return nil
}

// PutInitiative seeds an initiative (development/test helper).
func (s *Store) PutInitiative(ini grants.Initiative) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiatives[ini.ID] = ini
}

// MatchResults returns a copy of the stored results for one initiative.
func (s *Store) MatchResults(initiativeID string) []grants.MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grants.MatchResult, 0, len(s.results[initiativeID]))
	for _, url := range s.order {
		if res, ok := s.results[initiativeID][url]; ok {
			out = append(out, res)
		}
	}
	return out
}
