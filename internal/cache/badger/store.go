// Package badger implements the cache store on an embedded Badger database.
// It suits single-process deployments where Redis is not available.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/story-pipeline/internal/cache"
)

// Config selects the on-disk directory or an in-memory database.
type Config struct {
	Dir      string
	InMemory bool
}

// Store implements cache.Store with Badger TTL entries.
type Store struct {
	db *badgerdb.DB
}

// Open opens (or creates) the Badger database.
func Open(cfg Config) (*Store, error) {
	var opts badgerdb.Options
	switch {
	case cfg.InMemory:
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	case cfg.Dir != "":
		opts = badgerdb.DefaultOptions(cfg.Dir)
	default:
		return nil, errors.New("badger dir is required unless in_memory is set")
	}
	opts = opts.WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badgerdb.Entry {
	e := badgerdb.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Exists reports whether key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return found, nil
}

// MarkProcessed stores a marker for key.
func (s *Store) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	return s.SetCached(ctx, key, []byte("1"), ttl)
}

// GetCached returns the value or cache.ErrMiss.
func (s *Store) GetCached(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, nil
}

// SetCached stores value under key.
func (s *Store) SetCached(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Claim sets key only if absent. A write conflict counts as a lost claim.
func (s *Store) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	won := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newEntry(key, []byte("1"), ttl)); err != nil {
			return err
		}
		won = true
		return nil
	})
	if errors.Is(err, badgerdb.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger claim %s: %w", key, err)
	}
	return won, nil
}

// FlushPattern deletes keys containing pattern.
func (s *Store) FlushPattern(_ context.Context, pattern string) (int, error) {
	needle := []byte(pattern)
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Contains(key, needle) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("badger delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("badger flush batch: %w", err)
	}
	return len(keys), nil
}

// FlushAll drops every key.
func (s *Store) FlushAll(_ context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("badger drop all: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}
