package service

import (
	"context"
	"encoding/json"
	"fmt"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/domain"
	"waste-sync/internal/repository"
	"waste-sync/internal/syncop"
	"waste-sync/internal/writequeue"
)

// Router is the server sync queue's executor. Waste sales and their payment
// and code sub-resources go through the state machine; every other resource
// is stored as a plain document.
type Router struct {
	transactions *TransactionService
	documents    repository.DocumentStore
}

func NewRouter(transactions *TransactionService, documents repository.DocumentStore) *Router {
	return &Router{transactions: transactions, documents: documents}
}

func (r *Router) Execute(ctx context.Context, op *writequeue.Operation) (any, error) {
	switch op.Resource {
	case syncop.ResourceWasteSales:
		return r.wasteSale(ctx, op)
	case syncop.ResourceRecyclingOrders:
		if op.Kind != syncop.KindUpdate {
			return nil, unsupported(op)
		}
		var req domain.PaymentRequest
		if err := decode(op.Payload, &req); err != nil {
			return nil, err
		}
		return r.transactions.Pay(ctx, op.Actor, op.Filter.ID, &req)
	case syncop.ResourceVerificationCodes:
		if op.Kind != syncop.KindUpdate {
			return nil, unsupported(op)
		}
		return r.transactions.ReissueCode(ctx, op.Actor, op.Filter.ID)
	default:
		return r.document(ctx, op)
	}
}

func (r *Router) wasteSale(ctx context.Context, op *writequeue.Operation) (any, error) {
	switch op.Kind {
	case syncop.KindCreate:
		var req domain.CreateWasteSaleRequest
		if err := decode(op.Payload, &req); err != nil {
			return nil, err
		}
		return r.transactions.Create(ctx, op.Actor, op.ID, &req)
	case syncop.KindUpdate:
		var req domain.UpdateStatusRequest
		if err := decode(op.Payload, &req); err != nil {
			return nil, err
		}
		return r.transactions.Transition(ctx, op.Actor, op.Filter.ID, &req)
	default:
		// sales are never deleted or overwritten wholesale
		return nil, unsupported(op)
	}
}

func (r *Router) document(ctx context.Context, op *writequeue.Operation) (any, error) {
	if err := syncop.ValidateResourceName(op.Resource); err != nil {
		return nil, err
	}
	if op.Kind != syncop.KindCreate && op.Filter.ID == "" {
		return nil, apperrors.Invalid(fmt.Sprintf("%s requires an id", op.Kind))
	}

	var fields repository.Document
	if op.Kind != syncop.KindDelete {
		if err := decode(op.Payload, &fields); err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, apperrors.Invalid("no fields to write")
		}
	}

	switch op.Kind {
	case syncop.KindCreate:
		fields["created_by"] = op.Actor.UserID
		doc, err := r.documents.Insert(ctx, op.Resource, op.ID, fields)
		if apperrors.Is(err, apperrors.CodeConflict) {
			// replay of a create that already landed
			return r.documents.Get(ctx, op.Resource, op.ID)
		}
		return doc, err
	case syncop.KindUpdate:
		fields["updated_by"] = op.Actor.UserID
		return r.documents.Update(ctx, op.Resource, op.Filter.ID, fields)
	case syncop.KindUpsert:
		fields["updated_by"] = op.Actor.UserID
		return r.documents.Upsert(ctx, op.Resource, op.Filter.ID, fields)
	case syncop.KindDelete:
		if err := r.documents.Delete(ctx, op.Resource, op.Filter.ID); err != nil {
			return nil, err
		}
		return map[string]string{"id": op.Filter.ID}, nil
	}
	return nil, unsupported(op)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return apperrors.Invalid("request body is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalid, "malformed request body", err)
	}
	return nil
}

func unsupported(op *writequeue.Operation) error {
	return apperrors.Invalid(fmt.Sprintf("%s is not supported on %s", op.Kind, op.Resource))
}

// ListDocuments returns a generic resource's documents. Admins see every
// document, everyone else only the ones they created.
func (r *Router) ListDocuments(ctx context.Context, actor domain.Actor, resource string) ([]repository.Document, error) {
	if err := syncop.ValidateResourceName(resource); err != nil {
		return nil, err
	}
	filter := repository.Document{}
	if actor.Role != domain.RoleAdmin {
		filter["created_by"] = actor.UserID
	}
	return r.documents.List(ctx, resource, filter)
}

func (r *Router) GetDocument(ctx context.Context, actor domain.Actor, resource, id string) (repository.Document, error) {
	if err := syncop.ValidateResourceName(resource); err != nil {
		return nil, err
	}
	doc, err := r.documents.Get(ctx, resource, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin && doc["created_by"] != actor.UserID {
		return nil, apperrors.NotFound(fmt.Sprintf("%s %s not found", resource, id))
	}
	return doc, nil
}
