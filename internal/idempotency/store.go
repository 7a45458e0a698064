// Package idempotency records the first response to a mutating request so a
// retried delivery with the same Idempotency-Key gets the same answer.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"waste-sync/internal/clock"
)

const DefaultTTL = 24 * time.Hour

type Record struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	RecordedAt  time.Time `json:"recordedAt"`
}

type Store interface {
	Get(ctx context.Context, key string) (*Record, bool, error)
	Put(ctx context.Context, key string, rec *Record, ttl time.Duration) error
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is the single-process store used when no redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), clock: clk}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	var rec Record
	if err := json.Unmarshal(e.data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: data, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// Locker serialises requests that share a key inside one process, so a
// replay arriving while the first attempt is still running waits for its
// record instead of executing twice.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
