// Package book holds the latest known order book per (pair, venue).
// Venue feeds write concurrently, the scanner reads concurrently; the
// store hands out deep copies so neither side ever shares level slices.
package book

import (
	"sync"
	"time"

	"arbiter/internal/model"
)

type key struct {
	pair  model.TradingPair
	venue string
}

type entry struct {
	mu   sync.RWMutex
	book model.OrderBook
}

// Store is a thread-safe latest-value cache of order books. Updates to
// different (pair, venue) keys never block each other; updates and reads
// of the same key are mutually exclusive.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[key]*entry)}
}

func (s *Store) entryFor(k key) *entry {
	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[k]; !ok {
		e = &entry{}
		s.entries[k] = e
	}
	return e
}

// Update replaces the stored book for (book.Pair, book.Venue). If the
// feed did not stamp ObservedAt, the store stamps it with the current
// time so staleness checks always have a reference point.
func (s *Store) Update(b model.OrderBook) {
	if b.Venue == "" || b.Pair.IsZero() {
		return
	}
	if b.ObservedAt.IsZero() {
		b.ObservedAt = time.Now()
	}
	e := s.entryFor(key{pair: b.Pair, venue: b.Venue})
	e.mu.Lock()
	e.book = b.Clone()
	e.mu.Unlock()
}

// Get returns a snapshot of the book for one (pair, venue), or false if
// no data has been seen for that key. Absence is not an error.
func (s *Store) Get(pair model.TradingPair, venue string) (model.OrderBook, bool) {
	s.mu.RLock()
	e, ok := s.entries[key{pair: pair, venue: venue}]
	s.mu.RUnlock()
	if !ok {
		return model.OrderBook{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book.Venue == "" {
		return model.OrderBook{}, false
	}
	return e.book.Clone(), true
}

// GetPair returns snapshots of every venue's book for the given pair.
func (s *Store) GetPair(pair model.TradingPair) map[string]model.OrderBook {
	s.mu.RLock()
	matched := make([]*entry, 0, len(s.entries))
	for k, e := range s.entries {
		if k.pair == pair {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	out := make(map[string]model.OrderBook, len(matched))
	for _, e := range matched {
		e.mu.RLock()
		if e.book.Venue != "" {
			out[e.book.Venue] = e.book.Clone()
		}
		e.mu.RUnlock()
	}
	return out
}
