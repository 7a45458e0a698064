// Package syncop defines the mutation vocabulary shared by the client sync queue,
// the REST boundary and the server sync queue.
package syncop

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindUpsert Kind = "UPSERT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindUpsert:
		return true
	}
	return false
}

// Method is the HTTP verb a kind is replayed with.
func (k Kind) Method() string {
	switch k {
	case KindCreate:
		return http.MethodPost
	case KindUpdate:
		return http.MethodPatch
	case KindDelete:
		return http.MethodDelete
	case KindUpsert:
		return http.MethodPut
	}
	return ""
}

const (
	ResourceWasteSales        = "waste-sales"
	ResourceRecyclingOrders   = "recycling-orders"
	ResourceVerificationCodes = "verification-codes"
)

type Target struct {
	ResourceType string `json:"resourceType"`
	Endpoint     string `json:"endpoint"`
}

// QueuedOperation is a durable, not-yet-applied mutation awaiting delivery.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Target     Target          `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	Filter     json.RawMessage `json:"filter"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// SyncStatus is computed on demand for observability endpoints.
type SyncStatus struct {
	QueueLength       int               `json:"queueLength"`
	IsProcessing      bool              `json:"isProcessing"`
	IsOnline          bool              `json:"isOnline"`
	PendingOperations []QueuedOperation `json:"pendingOperations"`
}

// Filter selects the records an UPDATE/DELETE/UPSERT applies to.
type Filter struct {
	ID string `json:"id"`
}

// NewOperation validates intent and renders it as a queued operation.
func NewOperation(id string, intent Intent, now time.Time) (QueuedOperation, error) {
	if err := intent.Validate(); err != nil {
		return QueuedOperation{}, err
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return QueuedOperation{}, fmt.Errorf("failed to encode intent: %w", err)
	}

	op := QueuedOperation{
		ID:         id,
		Kind:       intent.Kind(),
		Target:     intent.Target(),
		Payload:    payload,
		EnqueuedAt: now,
	}

	if f := intent.Filter(); f != nil {
		raw, err := json.Marshal(f)
		if err != nil {
			return QueuedOperation{}, fmt.Errorf("failed to encode filter: %w", err)
		}
		op.Filter = raw
	}

	return op, nil
}

// FilterID extracts the id from an operation's filter, or "" when there is none.
func (op QueuedOperation) FilterID() string {
	if len(op.Filter) == 0 {
		return ""
	}
	var f Filter
	if err := json.Unmarshal(op.Filter, &f); err != nil {
		return ""
	}
	return f.ID
}
