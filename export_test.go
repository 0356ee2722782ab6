package carevault

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemorySink() *memorySink {
	return &memorySink{docs: make(map[string][]byte)}
}

func (m *memorySink) Store(ctx context.Context, name string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = doc
	return nil
}

func TestExportBuildsPortableDocument(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	first := map[string]int{"item1": 1, "item9": 0}
	second := map[string]int{"item1": 3, "item2": 2, "item9": 2}
	_, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9", first)
	require.NoError(t, err)
	h.Advance(time.Hour)
	_, err = h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9", second)
	require.NoError(t, err)

	// Another subject's records never leak into the document.
	_, err = h.Service.Submit(ctx, clinician, "subject-2", "mood-screen-9", first)
	require.NoError(t, err)

	doc, err := h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)
	require.Len(t, doc.Submissions, 2)
	assert.NotEmpty(t, doc.Pseudonym)
	assert.NotContains(t, doc.Pseudonym, "subject-1")
	assert.Equal(t, first, doc.Submissions[0].Answers)
	assert.Equal(t, second, doc.Submissions[1].Answers)
	assert.Equal(t, "mood-screen-9", doc.Submissions[0].Instrument)

	// Internal derivations stay internal: the serialized document carries
	// no risk labels, crisis flags or audit metadata.
	serialized, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(serialized), "risk")
	assert.NotContains(t, string(serialized), "crisis")
}

func TestExportRequiresEntitledCaller(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	_, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9",
		map[string]int{"item1": 1})
	require.NoError(t, err)

	// Analytics never sees decrypted answers, so it cannot export them
	// either.
	analyst := Caller{ID: "analyst-1", Role: RoleAnalytics}
	_, err = h.Service.Export(ctx, analyst, "subject-1")
	assert.ErrorIs(t, err, ErrDenied)

	unassigned := Caller{ID: "clin-2", Role: RoleClinician, Subjects: []string{"other"}}
	_, err = h.Service.Export(ctx, unassigned, "subject-1")
	assert.ErrorIs(t, err, ErrDenied)

	compliance := Caller{ID: "comp-1", Role: RoleCompliance}
	_, err = h.Service.Export(ctx, compliance, "subject-1")
	assert.NoError(t, err)

	// The refusals are audited with their reason, no PHI flag.
	trail, err := h.Audit.ListByRecord(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	denial := trail[0]
	assert.Equal(t, ActionExport, denial.Action)
	assert.Equal(t, "analyst-1", denial.ActorID)
	assert.False(t, denial.PHIAccessed)
	assert.NotEmpty(t, denial.Detail)
}

func TestExportPseudonymStableAcrossExports(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	_, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9",
		map[string]int{"item1": 1})
	require.NoError(t, err)

	first, err := h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)
	second, err := h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, first.Pseudonym, second.Pseudonym)
}

func TestExportSkipsDeletedRecords(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	_, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9",
		map[string]int{"item1": 1})
	require.NoError(t, err)
	_, err = h.Service.RequestDeletion(ctx, clinician, "subject-1")
	require.NoError(t, err)

	doc, err := h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, doc.Submissions)
}

func TestExportIsAuditedPerRecord(t *testing.T) {
	h := NewTestService(t)
	ctx := TenantCtx(t, "clinic-a")

	recordID, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9",
		map[string]int{"item1": 1})
	require.NoError(t, err)

	_, err = h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)

	trail, err := h.Audit.ListByRecord(ctx, recordID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	assert.Equal(t, ActionExport, last.Action)
	assert.True(t, last.PHIAccessed)
}

func TestExportArchivesToSink(t *testing.T) {
	sink := newMemorySink()
	h := NewTestService(t, WithExportSink(sink))
	ctx := TenantCtx(t, "clinic-a")

	_, err := h.Service.Submit(ctx, clinician, "subject-1", "mood-screen-9",
		map[string]int{"item1": 1})
	require.NoError(t, err)

	doc, err := h.Service.Export(ctx, clinician, "subject-1")
	require.NoError(t, err)

	name := "exports/clinic-a/" + doc.Pseudonym + ".json"
	stored, ok := sink.docs[name]
	require.True(t, ok)

	var archived PortableDocument
	require.NoError(t, json.Unmarshal(stored, &archived))
	assert.Equal(t, doc.Pseudonym, archived.Pseudonym)
	assert.Len(t, archived.Submissions, 1)
}
