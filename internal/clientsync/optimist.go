package clientsync

import (
	"sync"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/domain"
	"waste-sync/internal/localstore"
	"waste-sync/internal/syncop"
)

// WasteHistoryKey is the cached collection the projection writes into. Data
// recovery later overwrites it with the authoritative list.
const WasteHistoryKey = "wasteHistory"

// Projection applies waste-sale intents to the cached wasteHistory so the
// worker sees their action immediately. Entries touched by a queued operation
// carry operationId and pendingSync until the server confirms them, and a
// syncError once the operation is dropped.
type Projection struct {
	mu    sync.Mutex
	store *localstore.Store
}

func NewProjection(store *localstore.Store) *Projection {
	return &Projection{store: store}
}

func (p *Projection) Apply(op syncop.QueuedOperation, intent syncop.Intent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	history := p.load()

	switch in := intent.(type) {
	case syncop.CreateWasteSale:
		history = append(history, map[string]any{
			"id":          op.ID,
			"operationId": op.ID,
			"recyclerId":  in.RecyclerID,
			"wasteType":   in.WasteType,
			"weightKg":    in.WeightKg,
			"pricePerKg":  in.PricePerKg,
			"totalAmount": domain.ComputeTotal(in.WeightKg, in.PricePerKg),
			"status":      string(domain.StatusPending),
			"createdAt":   op.EnqueuedAt,
			"pendingSync": true,
		})
	case syncop.TransitionWasteSale:
		if !mark(history, in.TransactionID, op.ID, string(in.Status)) {
			return
		}
	case syncop.PayWasteSale:
		if !mark(history, in.TransactionID, op.ID, string(domain.StatusPaid)) {
			return
		}
	default:
		return
	}

	p.store.Store(WasteHistoryKey, history)
}

func (p *Projection) Confirm(op syncop.QueuedOperation) {
	p.update(op.ID, false, func(entry map[string]any) {
		delete(entry, "pendingSync")
		delete(entry, "syncError")
		delete(entry, "previousStatus")
	})
}

// Rollback also reaches a created entry whose operationId was taken over by a
// later queued transition, since the create's id is its operation id.
func (p *Projection) Rollback(op syncop.QueuedOperation, err error) {
	p.update(op.ID, true, func(entry map[string]any) {
		entry["pendingSync"] = false
		entry["syncError"] = apperrors.Message(err)
		if prev, ok := entry["previousStatus"]; ok {
			entry["status"] = prev
			delete(entry, "previousStatus")
		}
	})
}

// History returns the cached list including optimistic entries.
func (p *Projection) History() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

func (p *Projection) update(opID string, byID bool, fn func(map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	history := p.load()
	for _, entry := range history {
		if entry["operationId"] == opID || (byID && entry["id"] == opID) {
			fn(entry)
			p.store.Store(WasteHistoryKey, history)
			return
		}
	}
}

func (p *Projection) load() []map[string]any {
	var history []map[string]any
	p.store.Retrieve(WasteHistoryKey, &history)
	return history
}

func mark(history []map[string]any, id, opID, status string) bool {
	for _, entry := range history {
		if entry["id"] != id {
			continue
		}
		if _, ok := entry["previousStatus"]; !ok {
			entry["previousStatus"] = entry["status"]
		}
		entry["status"] = status
		entry["operationId"] = opID
		entry["pendingSync"] = true
		return true
	}
	return false
}
