package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/middleware"
	"waste-sync/internal/syncop"
	"waste-sync/internal/writequeue"

	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Submitter hands a write to the server sync queue and waits for its outcome.
type Submitter interface {
	Submit(ctx context.Context, op writequeue.Operation) (any, error)
}

// newOperation builds the queued write for r. A UUID Idempotency-Key becomes
// the operation id, so a create replayed by the client lands on the same
// entity id.
func newOperation(r *http.Request, kind syncop.Kind, resource, id string) (writequeue.Operation, error) {
	op := writequeue.Operation{
		Kind:     kind,
		Resource: resource,
		Filter:   syncop.Filter{ID: id},
		Actor:    middleware.GetActor(r),
	}

	if key := middleware.GetIdempotencyKey(r); key != "" {
		if _, err := uuid.Parse(key); err == nil {
			op.ID = key
		}
	}

	if kind == syncop.KindDelete {
		return op, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return op, apperrors.Wrap(apperrors.CodeInvalid, "failed to read request body", err)
	}
	if len(body) > 0 && !json.Valid(body) {
		return op, apperrors.Invalid("invalid request body")
	}
	op.Payload = body
	return op, nil
}
