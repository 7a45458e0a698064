package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/domain"
)

// The memory implementations back the server when no CouchDB URL is
// configured, and the end-to-end tests.

type memoryTransactionRepository struct {
	mu   sync.RWMutex
	txs  map[string]domain.WasteTransaction
	revs int
}

func NewMemoryTransactionRepository() TransactionRepository {
	return &memoryTransactionRepository{txs: make(map[string]domain.WasteTransaction)}
}

func (r *memoryTransactionRepository) Create(_ context.Context, tx *domain.WasteTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.txs[tx.ID]; ok {
		return apperrors.Conflict("transaction already exists")
	}
	tx.Rev = r.nextRev()
	r.txs[tx.ID] = copyTransaction(tx)
	return nil
}

func (r *memoryTransactionRepository) FindByID(_ context.Context, id string) (*domain.WasteTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.txs[id]
	if !ok {
		return nil, apperrors.NotFound("transaction not found")
	}
	out := copyTransaction(&tx)
	return &out, nil
}

func (r *memoryTransactionRepository) Update(_ context.Context, tx *domain.WasteTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.txs[tx.ID]
	if !ok {
		return apperrors.NotFound("transaction not found")
	}
	if stored.Rev != tx.Rev {
		return apperrors.Conflict("transaction was changed by another writer")
	}
	tx.Rev = r.nextRev()
	r.txs[tx.ID] = copyTransaction(tx)
	return nil
}

func (r *memoryTransactionRepository) nextRev() string {
	r.revs++
	return fmt.Sprintf("%d-mem", r.revs)
}

func (r *memoryTransactionRepository) List(_ context.Context, filter TransactionFilter) ([]*domain.WasteTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.WasteTransaction
	for _, tx := range r.txs {
		if filter.SellerID != "" && tx.SellerID != filter.SellerID {
			continue
		}
		if filter.RecyclerID != "" && tx.RecyclerID != filter.RecyclerID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		c := copyTransaction(&tx)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyTransaction(tx *domain.WasteTransaction) domain.WasteTransaction {
	c := *tx
	if tx.VerificationCode != nil {
		code := *tx.VerificationCode
		c.VerificationCode = &code
	}
	if tx.PaymentReference != nil {
		ref := *tx.PaymentReference
		c.PaymentReference = &ref
	}
	return c
}

type memoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	now  func() time.Time
}

func NewMemoryDocumentStore() DocumentStore {
	return &memoryDocumentStore{docs: make(map[string][]byte), now: time.Now}
}

func (s *memoryDocumentStore) Insert(_ context.Context, resource, id string, fields Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := documentID(resource, id)
	if _, ok := s.docs[key]; ok {
		return nil, apperrors.Conflict(fmt.Sprintf("%s %s already exists", resource, id))
	}
	return s.put(key, newDocument(resource, id, fields, s.now()))
}

func (s *memoryDocumentStore) Update(_ context.Context, resource, id string, fields Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := documentID(resource, id)
	existing, err := s.get(key)
	if err != nil {
		return nil, err
	}
	merge(existing, fields)
	existing["updated_at"] = s.now()
	return s.put(key, existing)
}

func (s *memoryDocumentStore) Upsert(ctx context.Context, resource, id string, fields Document) (Document, error) {
	doc, err := s.Update(ctx, resource, id, fields)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return s.Insert(ctx, resource, id, fields)
	}
	return doc, err
}

func (s *memoryDocumentStore) Delete(_ context.Context, resource, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := documentID(resource, id)
	if _, ok := s.docs[key]; !ok {
		return apperrors.NotFound(fmt.Sprintf("%s %s not found", resource, id))
	}
	delete(s.docs, key)
	return nil
}

func (s *memoryDocumentStore) Get(_ context.Context, resource, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(documentID(resource, id))
}

func (s *memoryDocumentStore) List(_ context.Context, resource string, filter Document) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Document
	for _, raw := range s.docs {
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if doc["resource_type"] != resource || !matches(doc, filter) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["created_at"]) < fmt.Sprint(out[j]["created_at"])
	})
	return out, nil
}

// get and put round-trip through JSON so stored documents look exactly like
// ones read back from CouchDB.
func (s *memoryDocumentStore) get(key string) (Document, error) {
	raw, ok := s.docs[key]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("%s not found", key))
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return doc, nil
}

func (s *memoryDocumentStore) put(key string, doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "document is not valid JSON", err)
	}
	s.docs[key] = raw

	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return out, nil
}

func matches(doc, filter Document) bool {
	for k, v := range filter {
		if reserved(k) {
			continue
		}
		if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

type staticHealth struct{}

// NewStaticHealthChecker reports healthy; it pairs with the memory stores.
func NewStaticHealthChecker() HealthChecker { return staticHealth{} }

func (staticHealth) Ping(context.Context) error { return nil }
