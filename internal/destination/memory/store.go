// Package memory is an in-process destination for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// Store keeps raw records and articles in maps.
type Store struct {
	mu       sync.RWMutex
	ids      pipeline.IDGenerator
	raw      map[string]pipeline.RawRecord
	articles map[string]pipeline.Article
	rawCalls int
}

// New creates a Store that assigns ids with ids.
func New(ids pipeline.IDGenerator) *Store {
	return &Store{
		ids:      ids,
		raw:      make(map[string]pipeline.RawRecord),
		articles: make(map[string]pipeline.Article),
	}
}

// CreateRaw stores item under a fresh id.
func (s *Store) CreateRaw(_ context.Context, item pipeline.CandidateItem) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawCalls++
	s.raw[id] = pipeline.RawRecord{ID: id, Link: item.Link, Data: item}
	return id, nil
}

// GetRaw returns a stored record.
func (s *Store) GetRaw(_ context.Context, id string) (pipeline.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.raw[id]
	if !ok {
		return pipeline.RawRecord{}, fmt.Errorf("%w: %s", destination.ErrNotFound, id)
	}
	return rec, nil
}

// MarkFailed flags a record.
func (s *Store) MarkFailed(_ context.Context, id string, trials int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.raw[id]
	if !ok {
		return fmt.Errorf("%w: %s", destination.ErrNotFound, id)
	}
	rec.FailedToProcess = true
	rec.TrialTimes = trials
	s.raw[id] = rec
	return nil
}

// CreateArticle stores an article keyed by its raw id.
func (s *Store) CreateArticle(_ context.Context, article pipeline.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[article.RawID] = article
	return nil
}

// Article returns a stored article.
func (s *Store) Article(rawID string) (pipeline.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[rawID]
	return a, ok
}

// RawCount reports how many raw records were created.
func (s *Store) RawCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rawCalls
}
