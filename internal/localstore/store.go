package localstore

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"waste-sync/internal/clock"
)

const (
	DefaultPrefix = "wastesync:"

	lastUpdateSuffix = "_lastUpdate"
	backendTimeout   = 2 * time.Second
)

// Backend is the raw key/value persistence a Store writes through.
// Get reports false with a nil error when the key does not exist.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CacheEntry is the envelope persisted for every key. Each Store call
// replaces it wholesale.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

// Store never returns errors to the caller. Backend and encoding failures
// are logged and surface as a miss or a no-op.
type Store struct {
	backend Backend
	prefix  string
	clock   clock.Clock
	log     *zap.Logger
}

func New(backend Backend, prefix string, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		backend: backend,
		prefix:  prefix,
		clock:   clk,
		log:     log.With(zap.String("component", "localstore")),
	}
}

func (s *Store) Store(key string, value any) {
	s.put(key, value, nil)
}

func (s *Store) StoreWithExpiry(key string, value any, ttl time.Duration) {
	expiresAt := s.clock.Now().Add(ttl)
	s.put(key, value, &expiresAt)
}

// Retrieve decodes the value stored under key into out, ignoring any expiry.
func (s *Store) Retrieve(key string, out any) bool {
	entry, ok := s.get(key)
	if !ok {
		return false
	}
	return s.decode(key, entry, out)
}

// RetrieveWithExpiry behaves like Retrieve but deletes and misses once
// now >= expiresAt.
func (s *Store) RetrieveWithExpiry(key string, out any) bool {
	entry, ok := s.get(key)
	if !ok {
		return false
	}
	if entry.ExpiresAt != nil && !s.clock.Now().Before(*entry.ExpiresAt) {
		s.Delete(key)
		return false
	}
	return s.decode(key, entry, out)
}

func (s *Store) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	if err := s.backend.Delete(ctx, s.prefix+key); err != nil {
		s.log.Warn("delete failed", zap.String("key", key), zap.Error(err))
	}
}

// MarkUpdated records now as the freshness timestamp of a cached collection.
func (s *Store) MarkUpdated(collection string) {
	s.Store(collection+lastUpdateSuffix, s.clock.Now())
}

func (s *Store) LastUpdate(collection string) (time.Time, bool) {
	var at time.Time
	if !s.Retrieve(collection+lastUpdateSuffix, &at) {
		return time.Time{}, false
	}
	return at, true
}

func (s *Store) put(key string, value any, expiresAt *time.Time) {
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Error("encode value failed", zap.String("key", key), zap.Error(err))
		return
	}

	raw, err := json.Marshal(CacheEntry{
		Key:       key,
		Data:      data,
		StoredAt:  s.clock.Now(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.log.Error("encode entry failed", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	if err := s.backend.Set(ctx, s.prefix+key, raw); err != nil {
		s.log.Error("store failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) get(key string) (*CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	raw, ok, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		s.log.Error("retrieve failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.log.Warn("corrupt entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &entry, true
}

func (s *Store) decode(key string, entry *CacheEntry, out any) bool {
	if out == nil {
		return true
	}
	if err := json.Unmarshal(entry.Data, out); err != nil {
		s.log.Warn("decode value failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
