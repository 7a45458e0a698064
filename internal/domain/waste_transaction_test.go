package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]TransactionStatus{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusRejected},
		{StatusAccepted, StatusProcessed},
		{StatusProcessed, StatusPaid},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]TransactionStatus{
		{StatusPending, StatusProcessed},
		{StatusPending, StatusPaid},
		{StatusAccepted, StatusPaid},
		{StatusAccepted, StatusPending},
		{StatusProcessed, StatusAccepted},
		{StatusPaid, StatusProcessed},
		{StatusRejected, StatusAccepted},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.True(t, StatusPaid.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.False(t, StatusProcessed.IsTerminal())
}

func TestComputeTotal(t *testing.T) {
	assert.Equal(t, 150.0, ComputeTotal(10, 15))
	assert.Equal(t, 0.0, ComputeTotal(3, 0))
	assert.Equal(t, 33.33, ComputeTotal(3.3333, 10))
}

func TestToResponse_HidesVerificationCode(t *testing.T) {
	code := "AB12CD"
	tx := &WasteTransaction{ID: "t1", Status: StatusProcessed, VerificationCode: &code}

	resp := tx.ToResponse()
	assert.True(t, resp.HasVerificationCode)
	assert.Equal(t, StatusProcessed, resp.Status)
}
