// Package cache provides the response cache consulted before routing. Keys
// are request fingerprints; only clean, non-redacted outcomes are stored.
package cache

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// Entry is one cached response. Grounded records whether the answer was
// produced under grounding, so grounded requests are never served an
// ungrounded entry.
type Entry struct {
	Text         string
	Provider     string
	Confidence   float64
	PromptTokens int
	OutputTokens int
	Grounded     bool
	CreatedAt    time.Time
}

// Result is the outcome of a lookup. Similarity is 1.0 for an exact
// fingerprint hit; semantic backends may return less.
type Result struct {
	Hit        bool
	Entry      *Entry
	Similarity float64
}

// ResponseCache is the lookup/store contract the pipeline uses. Backends may
// be remote; both operations take a context. groundingRequired restricts the
// lookup to entries produced under grounding.
type ResponseCache interface {
	Lookup(ctx context.Context, fingerprint []byte, groundingRequired bool) (Result, error)
	Store(ctx context.Context, fingerprint []byte, e Entry) error
}

// Memory is a TTL-bounded, size-limited in-memory ResponseCache with exact
// fingerprint matching.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}

	nowFunc func() time.Time
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithNowFunc overrides the clock (used by tests).
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Memory) {
		if fn != nil {
			m.nowFunc = fn
		}
	}
}

// NewMemory creates a Memory cache that expires entries after ttl and evicts
// the oldest entry when maxEntries is exceeded. A background goroutine
// prunes expired entries every ttl/2.
func NewMemory(ttl time.Duration, maxEntries int, opts ...Option) *Memory {
	m := &Memory{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	go m.cleanupLoop()
	return m
}

// Lookup returns the cached entry for a fingerprint if present and fresh.
// When grounding is required, an entry produced without grounding is a miss.
func (m *Memory) Lookup(_ context.Context, fingerprint []byte, groundingRequired bool) (Result, error) {
	key := hex.EncodeToString(fingerprint)
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Result{}, nil
	}
	if m.nowFunc().Sub(e.CreatedAt) > m.ttl {
		delete(m.entries, key)
		return Result{}, nil
	}
	if groundingRequired && !e.Grounded {
		return Result{}, nil
	}
	return Result{Hit: true, Entry: e, Similarity: 1.0}, nil
}

// Store saves an entry under the fingerprint, evicting the oldest entry when
// at capacity.
func (m *Memory) Store(_ context.Context, fingerprint []byte, e Entry) error {
	key := hex.EncodeToString(fingerprint)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.nowFunc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}
	m.entries[key] = &e
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop terminates the background cleanup goroutine.
func (m *Memory) Stop() {
	close(m.stop)
}

// cleanupLoop runs in a goroutine and removes expired entries periodically.
func (m *Memory) cleanupLoop() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.prune()
		case <-m.stop:
			return
		}
	}
}

// prune removes all expired entries.
func (m *Memory) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	for k, e := range m.entries {
		if now.Sub(e.CreatedAt) > m.ttl {
			delete(m.entries, k)
		}
	}
}

// evictOldest removes the entry with the earliest CreatedAt. Caller must
// hold m.mu.
func (m *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range m.entries {
		if first || e.CreatedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.CreatedAt
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}
