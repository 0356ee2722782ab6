package carevault

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/carevault/internal/crypto"
)

func insertTestRecord(t *testing.T, h *TestHarness, ctx context.Context, tenantID, subjectID string) *ProtectedRecord {
	t.Helper()
	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	payload, err := crypto.Seal([]byte(`{"item1":2}`), dek)
	require.NoError(t, err)

	rec := &ProtectedRecord{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SubjectID:     subjectID,
		Payload:       payload,
		PayloadDEK:    []byte("wrapped-" + uuid.NewString()),
		KEKVersion:    1,
		LookupHash:    "hash-" + uuid.NewString(),
		Instrument:    "mood-screen-9",
		PolicyVersion: 1,
		RiskLabel:     RiskModerate,
		Lifecycle:     StateActive,
		CreatedAt:     h.Now,
	}
	require.NoError(t, h.Store.Insert(ctx, nil, rec))
	return rec
}

func TestStoreInsertAndGet(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	assert.Equal(t, int64(1), rec.RowVersion)

	got, err := h.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, StateActive, got.Lifecycle)
	assert.Equal(t, "mood-screen-9", got.Instrument)
	assert.Nil(t, got.DeleteRequestedAt)
}

func TestStoreInsertRejectsTenantMismatch(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := &ProtectedRecord{ID: uuid.NewString(), TenantID: "clinic-b", SubjectID: "s"}
	err := h.Store.Insert(ctx, nil, rec)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestStoreTenantIsolation(t *testing.T) {
	h := NewTestService(t)
	ctxA := TenantCtx(t, "clinic-a")
	ctxB := TenantCtx(t, "clinic-b")

	rec := insertTestRecord(t, h, ctxA, "clinic-a", "subject-1")

	// Another tenant's record is indistinguishable from a missing one.
	_, err := h.Store.Get(ctxB, rec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	records, err := h.Store.ListBySubject(ctxB, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = h.Store.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrUnauthenticatedTenant)
}

func TestStoreHasDuplicate(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")

	dup, err := h.Store.HasDuplicate(ctx, rec.LookupHash)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = h.Store.HasDuplicate(ctx, "different-hash")
	require.NoError(t, err)
	assert.False(t, dup)

	// Same hash, different tenant: no collision across the boundary.
	dup, err = h.Store.HasDuplicate(TenantCtx(t, "clinic-b"), rec.LookupHash)
	require.NoError(t, err)
	assert.False(t, dup)

	// Soft-deleted records still count; erased ones no longer match since
	// their hash is overwritten.
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	dup, err = h.Store.HasDuplicate(ctx, rec.LookupHash)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestStoreInsertEnforcesLookupHashUniqueness(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")

	// Two racing identical submissions can both pass the dedup pre-check;
	// the unique index is the backstop and the loser surfaces as a
	// duplicate.
	dup := &ProtectedRecord{
		ID:            uuid.NewString(),
		TenantID:      "clinic-a",
		SubjectID:     "subject-1",
		Payload:       rec.Payload,
		PayloadDEK:    []byte("wrapped-" + uuid.NewString()),
		KEKVersion:    1,
		LookupHash:    rec.LookupHash,
		Instrument:    "mood-screen-9",
		PolicyVersion: 1,
		RiskLabel:     RiskModerate,
		Lifecycle:     StateActive,
		CreatedAt:     h.Now,
	}
	err := h.Store.Insert(ctx, nil, dup)
	assert.ErrorIs(t, err, ErrDuplicateSubmission)

	// The same hash under another tenant is not a collision.
	other := &ProtectedRecord{
		ID:            uuid.NewString(),
		TenantID:      "clinic-b",
		SubjectID:     "subject-1",
		Payload:       rec.Payload,
		PayloadDEK:    []byte("wrapped-" + uuid.NewString()),
		KEKVersion:    1,
		LookupHash:    rec.LookupHash,
		Instrument:    "mood-screen-9",
		PolicyVersion: 1,
		RiskLabel:     RiskModerate,
		Lifecycle:     StateActive,
		CreatedAt:     h.Now,
	}
	require.NoError(t, h.Store.Insert(TenantCtx(t, "clinic-b"), nil, other))
}

func TestStoreErasedRowsShareLookupPlaceholder(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	// Every erased row carries the same placeholder hash; the unique
	// lookup index must not treat them as duplicates of each other.
	first := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	second := insertTestRecord(t, h, ctx, "clinic-a", "subject-2")
	for _, rec := range []*ProtectedRecord{first, second} {
		require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
		require.NoError(t, h.Store.EraseContent(ctx, rec, h.Now))
	}
	assert.Equal(t, ErasedLookupHashPlaceholder, first.LookupHash)
	assert.Equal(t, ErasedLookupHashPlaceholder, second.LookupHash)
}

func TestStoreOptimisticLocking(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")

	stale, err := h.Store.Get(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	assert.Equal(t, int64(2), rec.RowVersion)

	// The stale copy lost the race.
	err = h.Store.MarkSoftDeleted(ctx, stale, h.Now)
	assert.ErrorIs(t, err, ErrWriteConflict)
}

func TestStoreLifecycleTransitions(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")

	// active -> soft_deleted -> active
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	require.NotNil(t, rec.DeleteRequestedAt)
	require.NoError(t, h.Store.Restore(ctx, rec))
	assert.Equal(t, StateActive, rec.Lifecycle)
	assert.Nil(t, rec.DeleteRequestedAt)

	// Erasure requires a prior soft delete.
	err := h.Store.EraseContent(ctx, rec, h.Now)
	assert.ErrorIs(t, err, ErrLifecycleConflict)

	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	require.NoError(t, h.Store.EraseContent(ctx, rec, h.Now))
	assert.Equal(t, StateHardDeleted, rec.Lifecycle)

	// Purge requires erasure first; retried erasure is a no-op.
	require.NoError(t, h.Store.EraseContent(ctx, rec, h.Now))
	require.NoError(t, h.Store.MarkPurged(ctx, rec, h.Now))
	assert.Equal(t, StatePurged, rec.Lifecycle)
	require.NotNil(t, rec.PurgedAt)
}

func TestStoreEraseContentOverwritesPlaceholders(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	require.NoError(t, h.Store.EraseContent(ctx, rec, h.Now))

	got, err := h.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(ErasedPayloadPlaceholder), got.Payload)
	assert.Empty(t, got.PayloadDEK)
	assert.Equal(t, ErasedLookupHashPlaceholder, got.LookupHash)
	assert.True(t, got.Erased())
	require.NotNil(t, got.ErasedAt)
	assert.Nil(t, got.PurgedAt)

	// The row itself survives for audit-count purposes.
	assert.Equal(t, "subject-1", got.SubjectID)
}

func TestStoreEraseContentBlockedByLegalHold(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, rec, h.Now))
	require.NoError(t, h.Store.SetLegalHold(ctx, rec, true))

	err := h.Store.EraseContent(ctx, rec, h.Now)
	assert.ErrorIs(t, err, ErrLegalHoldActive)

	require.NoError(t, h.Store.SetLegalHold(ctx, rec, false))
	require.NoError(t, h.Store.EraseContent(ctx, rec, h.Now))
}

func TestStoreDueQueriesRequirePrivilege(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	_, err := h.Store.DueForHardDelete(ctx, h.Now, 10)
	assert.ErrorIs(t, err, ErrDenied)

	_, err = h.Store.DueForHardDelete(WithoutTenant(context.Background()), h.Now, 10)
	assert.NoError(t, err)
}

func TestStoreDueForHardDelete(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")
	privileged := WithoutTenant(context.Background())

	old := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, old, h.Now.Add(-40*24*time.Hour)))

	held := insertTestRecord(t, h, ctx, "clinic-a", "subject-2")
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, held, h.Now.Add(-40*24*time.Hour)))
	require.NoError(t, h.Store.SetLegalHold(ctx, held, true))

	recent := insertTestRecord(t, h, ctx, "clinic-a", "subject-3")
	require.NoError(t, h.Store.MarkSoftDeleted(ctx, recent, h.Now))

	cutoff := h.Now.Add(-30 * 24 * time.Hour)
	due, err := h.Store.DueForHardDelete(privileged, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, old.ID, due[0].ID)
}

func TestStoreRewrapDEK(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	require.NoError(t, h.Store.RewrapDEK(ctx, rec, []byte("rewrapped"), 2))

	got, err := h.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("rewrapped"), got.PayloadDEK)
	assert.Equal(t, 2, got.KEKVersion)
}

func TestStoreMarkDisputed(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	rec := insertTestRecord(t, h, ctx, "clinic-a", "subject-1")
	require.NoError(t, h.Store.MarkDisputed(ctx, rec))

	got, err := h.Store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Disputed)
}
