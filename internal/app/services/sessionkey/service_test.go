package sessionkey

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	domain "github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/metrics"
	"github.com/milestonepay/engine/internal/app/storage/memory"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/keyvault"
)

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []string
	revoked      []string
	failRegister bool
}

func (f *fakeRegistry) RegisterSessionKey(ctx context.Context, owner, publicKey string, maxTotalSpend int64, expiresAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister {
		return "", errors.Network("register", context.DeadlineExceeded)
	}
	f.registered = append(f.registered, publicKey)
	return "reg-tx", nil
}

func (f *fakeRegistry) RevokeSessionKey(ctx context.Context, publicKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, publicKey)
	return "revoke-tx", nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *fakeRegistry) {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{3}, keyvault.KeySize))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	store := memory.New()
	registry := &fakeRegistry{}
	return New(store, vault, registry, nil), store, registry
}

func spendConfig() domain.SpendConfig {
	return domain.SpendConfig{MaxPerOperation: 10, MaxTotalSpend: 50, ValidFor: time.Hour}
}

func TestCreate(t *testing.T) {
	svc, store, registry := newTestService(t)
	ctx := context.Background()

	key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if key.EncryptedPrivKey != nil {
		t.Fatal("returned key carries private material")
	}
	if !key.RegisteredOnChain {
		t.Fatal("expected on-chain registration")
	}
	if len(registry.registered) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(registry.registered))
	}

	stored, err := store.GetSessionKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("get stored key: %v", err)
	}
	if len(stored.EncryptedPrivKey) == 0 {
		t.Fatal("stored key missing encrypted private material")
	}
}

func TestCreateInvalidConfig(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []domain.SpendConfig{
		{MaxPerOperation: 0, MaxTotalSpend: 50, ValidFor: time.Hour},
		{MaxPerOperation: 10, MaxTotalSpend: 0, ValidFor: time.Hour},
		{MaxPerOperation: 60, MaxTotalSpend: 50, ValidFor: time.Hour},
		{MaxPerOperation: 10, MaxTotalSpend: 50, ValidFor: 0},
	}
	for _, cfg := range cases {
		if _, err := svc.Create(ctx, "acct-1", "addr-1", cfg); !errors.IsValidation(err) {
			t.Fatalf("config %+v: expected validation error, got %v", cfg, err)
		}
	}
}

func TestCreateRegistrationFailure(t *testing.T) {
	svc, _, registry := newTestService(t)
	registry.failRegister = true
	ctx := context.Background()

	if _, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig()); err == nil {
		t.Fatal("expected registration failure to surface")
	}

	// An unregistered key is never selectable.
	if _, err := svc.GetActive(ctx, "addr-1"); !errors.Is(err, errors.ErrNoActiveKey) {
		t.Fatalf("expected ErrNoActiveKey, got %v", err)
	}
}

func TestGetActiveSelection(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetActive(ctx, "addr-1"); !errors.Is(err, errors.ErrNoActiveKey) {
		t.Fatalf("expected ErrNoActiveKey, got %v", err)
	}

	first, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	active, err := svc.GetActive(ctx, "addr-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("expected most recent key %s, got %s", second.ID, active.ID)
	}

	// Expire the newer key; selection falls back to the older one.
	stored, err := store.GetSessionKey(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := store.UpdateSessionKey(ctx, stored); err != nil {
		t.Fatalf("expire second: %v", err)
	}

	active, err = svc.GetActive(ctx, "addr-1")
	if err != nil {
		t.Fatalf("get active after expiry: %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("expected fallback to %s, got %s", first.ID, active.ID)
	}
}

func TestRecordUsageCap(t *testing.T) {
	svc, _, registry := newTestService(t)
	ctx := context.Background()

	key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Five 10-unit usages exactly exhaust the 50-unit cap.
	for i := 0; i < 5; i++ {
		if err := svc.RecordUsage(ctx, key.ID, 10); err != nil {
			t.Fatalf("usage %d: %v", i+1, err)
		}
	}

	if err := svc.RecordUsage(ctx, key.ID, 10); !errors.Is(err, errors.ErrSpendCapExceeded) {
		t.Fatalf("expected ErrSpendCapExceeded, got %v", err)
	}
	if len(registry.revoked) != 1 {
		t.Fatalf("expected auto-revoke, got %d revocations", len(registry.revoked))
	}
}

func TestRecordUsageCountsMeteredUnits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before := spendRecordedTotal(t)
	if err := svc.RecordUsage(ctx, key.ID, 7); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if err := svc.RecordUsage(ctx, key.ID, 3); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if got := spendRecordedTotal(t) - before; got != 10 {
		t.Fatalf("expected 10 metered units counted, got %v", got)
	}

	// A rejected usage adds nothing.
	before = spendRecordedTotal(t)
	if err := svc.RecordUsage(ctx, key.ID, 11); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := spendRecordedTotal(t) - before; got != 0 {
		t.Fatalf("rejected usage counted %v units", got)
	}
}

func spendRecordedTotal(t *testing.T) float64 {
	t.Helper()
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "payment_engine_session_keys_spend_recorded_total" {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecordUsagePerOperationCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.RecordUsage(ctx, key.ID, 11); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for per-operation cap, got %v", err)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	svc, store, registry := newTestService(t)
	ctx := context.Background()

	key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := svc.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if len(registry.revoked) != 1 {
		t.Fatalf("expected exactly 1 registry revocation, got %d", len(registry.revoked))
	}

	stored, err := store.GetSessionKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("revoked key must remain readable for audit: %v", err)
	}
	if stored.Active || stored.RevokedAt == nil {
		t.Fatal("revoked key still marked active")
	}
}

// The cap invariant must hold under any interleaving of concurrent usages:
// the committed total never exceeds maxTotalSpend, and equals the sum of the
// usages that reported success.
func TestRecordUsageConcurrencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("concurrent metering never exceeds the cap", prop.ForAll(
		func(amounts []int64) bool {
			svc, store, _ := newTestService(t)
			ctx := context.Background()

			key, err := svc.Create(ctx, "acct-1", "addr-1", spendConfig())
			if err != nil {
				return false
			}

			var mu sync.Mutex
			var succeeded int64
			var wg sync.WaitGroup
			for _, amount := range amounts {
				wg.Add(1)
				go func(a int64) {
					defer wg.Done()
					if err := svc.RecordUsage(ctx, key.ID, a); err == nil {
						mu.Lock()
						succeeded += a
						mu.Unlock()
					}
				}(amount)
			}
			wg.Wait()

			stored, err := store.GetSessionKey(ctx, key.ID)
			if err != nil {
				return false
			}
			return stored.TotalSpent == succeeded && stored.TotalSpent <= stored.MaxTotalSpend
		},
		gen.SliceOfN(12, gen.Int64Range(1, 10)),
	))
	properties.TestingRun(t)
}
