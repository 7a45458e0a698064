package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/domain"
	"waste-sync/internal/repository"
	"waste-sync/internal/syncop"
	"waste-sync/internal/writequeue"
)

func newRouter() (*Router, *fixture, repository.DocumentStore) {
	f := newFixture()
	docs := repository.NewMemoryDocumentStore()
	return NewRouter(f.svc, docs), f, docs
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestRouter_WasteSaleLifecycle(t *testing.T) {
	router, _, _ := newRouter()
	ctx := context.Background()

	v, err := router.Execute(ctx, &writequeue.Operation{
		ID: "op-create", Kind: syncop.KindCreate, Resource: syncop.ResourceWasteSales, Actor: worker,
		Payload: raw(map[string]any{"recyclerId": recycler.UserID, "wasteType": "metal", "weightKg": 4, "pricePerKg": 2.5, "totalAmount": 999}),
	})
	require.NoError(t, err)
	created := v.(*domain.WasteTransactionResponse)
	assert.Equal(t, "op-create", created.ID)
	assert.Equal(t, 10.0, created.TotalAmount)

	for _, st := range []string{"accepted", "processed"} {
		_, err = router.Execute(ctx, &writequeue.Operation{
			Kind: syncop.KindUpdate, Resource: syncop.ResourceWasteSales, Actor: recycler,
			Filter: syncop.Filter{ID: created.ID}, Payload: raw(map[string]any{"status": st}),
		})
		require.NoError(t, err)
	}

	_, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindUpdate, Resource: syncop.ResourceVerificationCodes, Actor: worker,
		Filter: syncop.Filter{ID: created.ID},
	})
	require.NoError(t, err)

	v, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindUpdate, Resource: syncop.ResourceRecyclingOrders, Actor: recycler,
		Filter:  syncop.Filter{ID: created.ID},
		Payload: raw(map[string]any{"verificationCode": "ZX98YW", "transactionId": created.ID, "paymentMethod": "bank"}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, v.(*domain.WasteTransactionResponse).Status)
}

func TestRouter_RejectsUnsupportedWasteSaleKinds(t *testing.T) {
	router, _, _ := newRouter()

	for _, kind := range []syncop.Kind{syncop.KindDelete, syncop.KindUpsert} {
		_, err := router.Execute(context.Background(), &writequeue.Operation{
			Kind: kind, Resource: syncop.ResourceWasteSales, Actor: admin, Filter: syncop.Filter{ID: "x"},
		})
		assert.True(t, apperrors.Is(err, apperrors.CodeInvalid), "kind %s", kind)
	}

	_, err := router.Execute(context.Background(), &writequeue.Operation{
		Kind: syncop.KindCreate, Resource: syncop.ResourceWasteSales, Actor: worker, Payload: json.RawMessage(`{bad`),
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalid))
}

func TestRouter_GenericDocuments(t *testing.T) {
	router, _, docs := newRouter()
	ctx := context.Background()

	v, err := router.Execute(ctx, &writequeue.Operation{
		ID: "op-1", Kind: syncop.KindCreate, Resource: "reports", Actor: citizen,
		Payload: raw(map[string]any{"ward": "7", "description": "overflowing bin"}),
	})
	require.NoError(t, err)
	doc := v.(repository.Document)
	assert.Equal(t, "op-1", doc["id"])
	assert.Equal(t, citizen.UserID, doc["created_by"])

	_, err = router.Execute(ctx, &writequeue.Operation{
		ID: "op-1", Kind: syncop.KindCreate, Resource: "reports", Actor: citizen,
		Payload: raw(map[string]any{"ward": "7", "description": "overflowing bin"}),
	})
	require.NoError(t, err, "replayed create returns the stored document")

	_, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindUpdate, Resource: "reports", Actor: admin, Filter: syncop.Filter{ID: "op-1"},
		Payload: raw(map[string]any{"status": "resolved"}),
	})
	require.NoError(t, err)

	_, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindUpdate, Resource: "reports", Actor: admin, Filter: syncop.Filter{ID: "missing"},
		Payload: raw(map[string]any{"status": "resolved"}),
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindUpsert, Resource: "schedules", Actor: admin, Filter: syncop.Filter{ID: "mon"},
		Payload: raw(map[string]any{"route": "A"}),
	})
	require.NoError(t, err)

	reports, err := docs.List(ctx, "reports", nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "resolved", reports[0]["status"])

	_, err = router.Execute(ctx, &writequeue.Operation{
		Kind: syncop.KindDelete, Resource: "reports", Actor: admin, Filter: syncop.Filter{ID: "op-1"},
	})
	require.NoError(t, err)

	reports, err = docs.List(ctx, "reports", nil)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRouter_DocumentReadsAreScoped(t *testing.T) {
	router, _, _ := newRouter()
	ctx := context.Background()

	other := domain.Actor{UserID: "citizen-2", Role: domain.RoleCitizen}
	for i, actor := range []domain.Actor{citizen, other} {
		_, err := router.Execute(ctx, &writequeue.Operation{
			ID: fmt.Sprintf("r-%d", i), Kind: syncop.KindCreate, Resource: "reports", Actor: actor,
			Payload: raw(map[string]any{"ward": "3"}),
		})
		require.NoError(t, err)
	}

	mine, err := router.ListDocuments(ctx, citizen, "reports")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "r-0", mine[0]["id"])

	all, err := router.ListDocuments(ctx, admin, "reports")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = router.GetDocument(ctx, citizen, "reports", "r-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	doc, err := router.GetDocument(ctx, admin, "reports", "r-1")
	require.NoError(t, err)
	assert.Equal(t, "citizen-2", doc["created_by"])

	_, err = router.ListDocuments(ctx, admin, "waste-sales")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalid))
}

func TestRouter_GenericValidation(t *testing.T) {
	router, _, _ := newRouter()
	ctx := context.Background()

	tests := []struct {
		name string
		op   writequeue.Operation
	}{
		{"bad resource name", writequeue.Operation{Kind: syncop.KindCreate, Resource: "Bad Name", Payload: raw(map[string]any{"a": 1})}},
		{"reserved resource", writequeue.Operation{Kind: syncop.KindCreate, Resource: "stats", Payload: raw(map[string]any{"a": 1})}},
		{"update without id", writequeue.Operation{Kind: syncop.KindUpdate, Resource: "reports", Payload: raw(map[string]any{"a": 1})}},
		{"empty fields", writequeue.Operation{Kind: syncop.KindCreate, Resource: "reports", Payload: raw(map[string]any{})}},
		{"no body", writequeue.Operation{Kind: syncop.KindCreate, Resource: "reports"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Execute(ctx, &tt.op)
			assert.True(t, apperrors.Is(err, apperrors.CodeInvalid), "got %v", err)
		})
	}
}

func TestRandomCodeGenerator(t *testing.T) {
	format := regexp.MustCompile(`^[A-Z0-9]{6}$`)
	gen := NewRandomCodeGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := gen.Generate()
		require.NoError(t, err)
		assert.Regexp(t, format, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}
