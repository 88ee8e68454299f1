package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/models"
	"github.com/klikdeploy/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The ledger and deployment stores are the real in-memory
// implementations; the cooldown recorder only counts calls.
// ---------------------------------------------------------------------------

type mockCooldowns struct {
	mu    sync.Mutex
	calls map[string]int
}

func (m *mockCooldowns) RecordSubsidized(_ context.Context, requester, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[requester]++
	return nil
}

func (m *mockCooldowns) count(requester string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[requester]
}

type custody int64

func (c custody) CustodialBalance(context.Context) (int64, error) { return int64(c), nil }

type fixture struct {
	svc       *Service
	ledger    ledger.Service
	store     *ledger.MemoryStore
	deps      *repository.MemoryDeployments
	cooldowns *mockCooldowns
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.NewService(store, custody(100_000_000_000), ledger.DefaultSafetyMarginBps)
	deps := repository.NewMemoryDeployments()
	cd := &mockCooldowns{}
	if _, err := l.Credit(context.Background(), models.BucketSubsidyTreasury, "", 50_000_000_000, "seed", "top up"); err != nil {
		t.Fatalf("seed treasury: %v", err)
	}
	return &fixture{svc: NewService(l, cd, deps, nil, nil), ledger: l, store: store, deps: deps, cooldowns: cd}
}

func (f *fixture) submitting(t *testing.T, id, requester, tier string) *models.DeploymentRequest {
	t.Helper()
	now := time.Now()
	d := &models.DeploymentRequest{
		ID: id, Requester: requester, Status: models.StatusSubmitting, Tier: tier,
		RequestedAt: now, SubmittedAt: &now,
	}
	if tier == models.TierPayPerUse {
		d.PlatformFeeGwei = 10_000_000
	}
	if err := f.deps.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func outcome(ref string) Outcome {
	return Outcome{TxReference: ref, GasUsed: 6_000_000, EffectiveFeeWei: gas.Gwei(2), TokenAddress: "0xtoken", At: time.Now()}
}

func (f *fixture) balance(t *testing.T, bucket string) int64 {
	t.Helper()
	b, err := f.store.BucketBalance(context.Background(), bucket)
	if err != nil {
		t.Fatalf("BucketBalance: %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// 1. TestConfirm_Subsidized
// ---------------------------------------------------------------------------

func TestConfirm_Subsidized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submitting(t, "r1", "alice", models.TierFree)

	if err := f.svc.Confirm(ctx, req, outcome("0xaaa")); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	// 6M gas at 2 gwei = 12M gwei.
	if got := f.balance(t, models.BucketSubsidyTreasury); got != 50_000_000_000-12_000_000 {
		t.Errorf("treasury: got %d, want %d", got, 50_000_000_000-12_000_000)
	}
	if got := f.balance(t, models.BucketExpense); got != 12_000_000 {
		t.Errorf("expense: got %d, want 12000000", got)
	}
	if f.cooldowns.count("alice") != 1 {
		t.Errorf("cooldown updates: got %d, want 1", f.cooldowns.count("alice"))
	}
	got, _ := f.deps.Get(ctx, "r1")
	if got.Status != models.StatusConfirmed || got.TxReference != "0xaaa" || *got.CostGwei != 12_000_000 {
		t.Errorf("stored deployment: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// 2. TestConfirm_ReplayDoesNotDoubleDebit
// ---------------------------------------------------------------------------

func TestConfirm_ReplayDoesNotDoubleDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submitting(t, "r1", "alice", models.TierFree)
	stale := *req

	if err := f.svc.Confirm(ctx, req, outcome("0xaaa")); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := f.svc.Confirm(ctx, &stale, outcome("0xaaa")); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("replay: expected ErrAlreadySettled, got %v", err)
	}
	if got := f.balance(t, models.BucketExpense); got != 12_000_000 {
		t.Errorf("expense after replay: got %d, want 12000000", got)
	}
	if f.cooldowns.count("alice") != 1 {
		t.Errorf("cooldown updates after replay: got %d, want 1", f.cooldowns.count("alice"))
	}
}

// ---------------------------------------------------------------------------
// 3. TestConfirm_PayPerUseChargesDepositAndFee
// ---------------------------------------------------------------------------

func TestConfirm_PayPerUseChargesDepositAndFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.ledger.Credit(ctx, models.BucketProtectedDeposit, "bob", 100_000_000, "dep-bob", "deposit"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	req := f.submitting(t, "r2", "bob", models.TierPayPerUse)

	if err := f.svc.Confirm(ctx, req, outcome("0xbbb")); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	bal, _ := f.ledger.RequesterBalance(ctx, "bob")
	if want := int64(100_000_000 - 12_000_000 - 10_000_000); bal != want {
		t.Errorf("bob deposit: got %d, want %d", bal, want)
	}
	if got := f.balance(t, models.BucketPlatformFee); got != 10_000_000 {
		t.Errorf("platform fee: got %d, want 10000000", got)
	}
	if got := f.balance(t, models.BucketSubsidyTreasury); got != 50_000_000_000 {
		t.Errorf("treasury touched by pay tier: %d", got)
	}
	if f.cooldowns.count("bob") != 0 {
		t.Errorf("pay tier updated cooldowns")
	}
}

// ---------------------------------------------------------------------------
// 4. TestConfirm_OverdrawIsIntegrityViolation
// ---------------------------------------------------------------------------

func TestConfirm_OverdrawIsIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.ledger.Credit(ctx, models.BucketProtectedDeposit, "carol", 1_000, "dep-carol", "deposit"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	req := f.submitting(t, "r3", "carol", models.TierPayPerUse)

	err := f.svc.Confirm(ctx, req, outcome("0xccc"))
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if bal, _ := f.ledger.RequesterBalance(ctx, "carol"); bal != 1_000 {
		t.Errorf("deposit moved on aborted settlement: %d", bal)
	}
	if got := f.balance(t, models.BucketExpense); got != 0 {
		t.Errorf("partial posting written: expense %d", got)
	}
	// The chain outcome is still recorded.
	got, _ := f.deps.Get(ctx, "r3")
	if got.Status != models.StatusConfirmed {
		t.Errorf("status: got %s, want confirmed", got.Status)
	}
}

// ---------------------------------------------------------------------------
// 5. TestFail_NeverBroadcastNoLedgerMutation
// ---------------------------------------------------------------------------

func TestFail_NeverBroadcastNoLedgerMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.submitting(t, "r4", "dave", models.TierFree)

	if err := f.svc.Fail(ctx, req, "rpc rejected", nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got := f.balance(t, models.BucketExpense); got != 0 {
		t.Errorf("expense: got %d, want 0", got)
	}
	got, _ := f.deps.Get(ctx, "r4")
	if got.Status != models.StatusFailed || got.FailureReason != "rpc rejected" {
		t.Errorf("stored deployment: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// 6. TestFail_RevertedChargesPayerOfRecord
// ---------------------------------------------------------------------------

func TestFail_RevertedChargesPayerOfRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.ledger.Credit(ctx, models.BucketProtectedDeposit, "erin", 100_000_000, "dep-erin", "deposit"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	free := f.submitting(t, "r5", "erin", models.TierFree)
	out := outcome("0xddd")
	out.Reverted = true
	if err := f.svc.Fail(ctx, free, "reverted", &out); err != nil {
		t.Fatalf("Fail subsidized: %v", err)
	}
	if bal, _ := f.ledger.RequesterBalance(ctx, "erin"); bal != 100_000_000 {
		t.Errorf("subsidized revert touched deposit: %d", bal)
	}
	if got := f.balance(t, models.BucketSubsidyTreasury); got != 50_000_000_000-12_000_000 {
		t.Errorf("treasury after subsidized revert: got %d", got)
	}

	paid := f.submitting(t, "r6", "erin", models.TierPayPerUse)
	out = outcome("0xeee")
	out.Reverted = true
	if err := f.svc.Fail(ctx, paid, "reverted", &out); err != nil {
		t.Fatalf("Fail paid: %v", err)
	}
	// Gas only; no platform fee on a revert.
	if bal, _ := f.ledger.RequesterBalance(ctx, "erin"); bal != 100_000_000-12_000_000 {
		t.Errorf("paid revert deposit: got %d, want %d", bal, 100_000_000-12_000_000)
	}
	if got := f.balance(t, models.BucketPlatformFee); got != 0 {
		t.Errorf("platform fee on revert: %d", got)
	}
}
