package carevault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditAppendAndList(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	entries := []AuditEntry{
		{ActorID: "clin-1", TenantID: "clinic-a", Action: ActionWrite, RecordID: "rec-1", PHIAccessed: true},
		{ActorID: "clin-1", TenantID: "clinic-a", Action: ActionRead, RecordID: "rec-1"},
		{ActorID: "coord-1", TenantID: "clinic-a", Action: ActionRead, RecordID: "rec-1", Detail: "denied: not entitled"},
	}
	for _, e := range entries {
		require.NoError(t, h.Audit.Append(ctx, nil, e))
	}

	trail, err := h.Audit.ListByRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, ActionWrite, trail[0].Action)
	assert.True(t, trail[0].PHIAccessed)
	assert.NotEmpty(t, trail[0].ID)
	assert.False(t, trail[0].OccurredAt.IsZero())
	assert.Equal(t, "denied: not entitled", trail[2].Detail)
}

func TestAuditAppendRequiresIdentity(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	tests := []struct {
		name  string
		entry AuditEntry
	}{
		{"missing actor", AuditEntry{TenantID: "clinic-a", Action: ActionRead}},
		{"missing tenant", AuditEntry{ActorID: "clin-1", Action: ActionRead}},
		{"missing action", AuditEntry{ActorID: "clin-1", TenantID: "clinic-a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Audit.Append(ctx, nil, tt.entry)
			assert.ErrorIs(t, err, ErrAuditFailed)
		})
	}
}

func TestAuditListIsTenantScoped(t *testing.T) {
	h := NewTestService(t)
	ctxA := TenantCtx(t, "clinic-a")
	ctxB := TenantCtx(t, "clinic-b")

	require.NoError(t, h.Audit.Append(ctxA, nil, AuditEntry{
		ActorID: "clin-1", TenantID: "clinic-a", Action: ActionWrite, RecordID: "rec-1",
	}))

	trail, err := h.Audit.ListByRecord(ctxB, "rec-1")
	require.NoError(t, err)
	assert.Empty(t, trail)

	// The privileged cross-tenant scope sees everything.
	trail, err = h.Audit.ListByRecord(WithoutTenant(context.Background()), "rec-1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestAuditListFailsClosedWithoutTenant(t *testing.T) {
	h := NewTestService(t)
	_, err := h.Audit.ListByRecord(context.Background(), "rec-1")
	assert.ErrorIs(t, err, ErrUnauthenticatedTenant)
}

func TestAuditJoinsTransaction(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	tx, err := h.Store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Audit.Append(ctx, tx, AuditEntry{
		ActorID: "clin-1", TenantID: "clinic-a", Action: ActionWrite, RecordID: "rec-tx",
	}))

	// Rolled back with the transaction: the entry never committed.
	require.NoError(t, tx.Rollback())
	trail, err := h.Audit.ListByRecord(ctx, "rec-tx")
	require.NoError(t, err)
	assert.Empty(t, trail)
}
