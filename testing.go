package carevault

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestKMS is an in-memory KeyManagementService for tests. Wrapping is
// simulated by handing out opaque tokens bound to the wrapping key, so a DEK
// wrapped under one KEK version will not unwrap under another, which is what
// rotation tests need.
type TestKMS struct {
	mu        sync.RWMutex
	secrets   map[string][]byte
	keys      map[string]string
	nextKeyID int
	deks      map[string]wrappedDEK

	// FailKMS makes every key operation return ErrKMSUnavailable, for
	// outage-behavior tests.
	FailKMS bool
}

type wrappedDEK struct {
	keyID     string
	plaintext []byte
}

// NewTestKMS returns an empty in-memory KMS.
func NewTestKMS() *TestKMS {
	return &TestKMS{
		secrets: make(map[string][]byte),
		keys:    make(map[string]string),
		deks:    make(map[string]wrappedDEK),
	}
}

func (k *TestKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.FailKMS {
		return "", ErrKMSUnavailable
	}
	keyID, ok := k.keys[alias]
	if !ok {
		return "", fmt.Errorf("key not found for alias %q", alias)
	}
	return keyID, nil
}

func (k *TestKMS) CreateKey(ctx context.Context, description string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailKMS {
		return "", ErrKMSUnavailable
	}
	k.nextKeyID++
	keyID := fmt.Sprintf("test-key-%d", k.nextKeyID)
	k.keys[description] = keyID
	return keyID, nil
}

func (k *TestKMS) RotateKey(ctx context.Context, keyID string) error {
	if k.FailKMS {
		return ErrKMSUnavailable
	}
	return nil
}

func (k *TestKMS) EncryptDEK(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailKMS {
		return nil, ErrKMSUnavailable
	}
	token := "wrapped-" + uuid.NewString()
	dek := make([]byte, len(plaintext))
	copy(dek, plaintext)
	k.deks[token] = wrappedDEK{keyID: keyID, plaintext: dek}
	return []byte(token), nil
}

func (k *TestKMS) DecryptDEK(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.FailKMS {
		return nil, ErrKMSUnavailable
	}
	w, ok := k.deks[string(ciphertext)]
	if !ok || w.keyID != keyID {
		return nil, fmt.Errorf("%w: DEK was not wrapped under key %q", ErrDecryptionFailed, keyID)
	}
	return w.plaintext, nil
}

func (k *TestKMS) GetSecret(ctx context.Context, path string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.FailKMS {
		return nil, ErrKMSUnavailable
	}
	secret, ok := k.secrets[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	return secret, nil
}

func (k *TestKMS) SetSecret(ctx context.Context, path string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.FailKMS {
		return ErrKMSUnavailable
	}
	if _, exists := k.secrets[path]; exists {
		return nil
	}
	k.secrets[path] = value
	return nil
}

// TestInstrumentPolicy returns a validated nine-item screening policy with a
// crisis rule on item9, suitable for most tests.
func TestInstrumentPolicy(t testing.TB) *InstrumentPolicy {
	t.Helper()
	policy := &InstrumentPolicy{
		Instrument: "mood-screen-9",
		Version:    1,
		Items: []ItemSpec{
			{Name: "item1", Max: 3}, {Name: "item2", Max: 3}, {Name: "item3", Max: 3},
			{Name: "item4", Max: 3}, {Name: "item5", Max: 3}, {Name: "item6", Max: 3},
			{Name: "item7", Max: 3}, {Name: "item8", Max: 3}, {Name: "item9", Max: 3},
		},
		Bands: []Band{
			{Label: RiskLow, Min: 0, Max: 5},
			{Label: RiskModerate, Min: 5, Max: 10},
			{Label: RiskHigh, Min: 10, Max: 20},
			{Label: RiskCritical, Min: 20, Max: 28},
		},
		Crisis: []CrisisRule{{Item: "item9", Threshold: 2}},
	}
	require.NoError(t, policy.Validate())
	return policy
}

// TestHarness bundles a fully wired Service over temp-file SQLite and an
// in-memory KMS.
type TestHarness struct {
	Service   *Service
	Store     *RecordStore
	Audit     *AuditRecorder
	Codec     *Codec
	Scheduler *RetentionScheduler
	KMS       *TestKMS
	Policy    *InstrumentPolicy
	Config    Config

	// Now is the mutable clock driving the service and scheduler.
	Now time.Time
}

// Advance moves the harness clock forward.
func (h *TestHarness) Advance(d time.Duration) {
	h.Now = h.Now.Add(d)
}

// NewTestService wires a complete subsystem against t.TempDir databases. The
// returned harness clock starts at a fixed instant and is advanced explicitly
// by tests.
func NewTestService(t testing.TB, opts ...ServiceOption) *TestHarness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite3", filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keyDB, err := sql.Open("sqlite3", filepath.Join(dir, "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { keyDB.Close() })

	kms := NewTestKMS()
	logger := zap.NewNop()

	codec, err := NewCodec(ctx, kms, keyDB, logger)
	require.NoError(t, err)
	store, err := NewRecordStore(ctx, db)
	require.NoError(t, err)
	audit, err := NewAuditRecorder(ctx, db)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "store.db")
	cfg.KeyDBPath = filepath.Join(dir, "keys.db")
	require.NoError(t, cfg.Validate())

	policy := TestInstrumentPolicy(t)

	h := &TestHarness{
		Store:  store,
		Audit:  audit,
		Codec:  codec,
		KMS:    kms,
		Policy: policy,
		Config: cfg,
		Now:    time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}

	opts = append([]ServiceOption{WithClock(func() time.Time { return h.Now })}, opts...)
	svc, err := NewService(codec, store, audit, NewAccessGuard(),
		map[string]*InstrumentPolicy{policy.Instrument: policy}, cfg, logger, opts...)
	require.NoError(t, err)
	h.Service = svc

	scheduler, err := NewRetentionScheduler(store, audit, cfg, logger)
	require.NoError(t, err)
	scheduler.now = func() time.Time { return h.Now }
	h.Scheduler = scheduler

	return h
}

// TenantCtx returns a context resolved for the given tenant.
func TenantCtx(t testing.TB, tenantID string) context.Context {
	t.Helper()
	ctx, err := Resolve(context.Background(), Session{ActorID: "test-actor", TenantID: tenantID})
	require.NoError(t, err)
	return ctx
}
