package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/chain"
	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/jobs"
	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/models"
	"github.com/klikdeploy/backend/internal/nonce"
	"github.com/klikdeploy/backend/internal/pipeline"
	"github.com/klikdeploy/backend/internal/repository"
	"github.com/klikdeploy/backend/internal/settlement"
)

type system struct {
	eng   *Engine
	sim   *chain.Simulated
	deps  *repository.MemoryDeployments
	queue *pipeline.Queue
	funds ledger.Service
}

// newSystem wires every component over in-memory stores and a simulated network.
func newSystem(t *testing.T, deps *repository.MemoryDeployments) *system {
	t.Helper()
	if deps == nil {
		deps = repository.NewMemoryDeployments()
	}
	sim := chain.NewSimulated(gas.Gwei(1), 100_000_000_000, 5_000_000)
	funds := ledger.NewService(ledger.NewMemoryStore(), sim, ledger.DefaultSafetyMarginBps)
	tracker := cooldown.NewTracker(cooldown.NewMemoryStore(), deps, cooldown.DefaultPolicy(), nil)
	adm := admission.NewService(admission.DefaultConfig(), "", sim, funds, tracker, deps, nil, nil)
	settle := settlement.NewService(funds, tracker, deps, nil, nil)
	queue := pipeline.NewQueue(pipeline.DefaultCapacity, nil)
	notifier := jobs.NewLogNotifier(nil)
	worker := pipeline.NewWorker(queue, adm, nonce.NewSequencer(sim, 0, nil), sim, funds, settle, deps, notifier,
		pipeline.RetryPolicy{ConfirmTimeout: 50 * time.Millisecond}, nil, nil)
	eng := New(adm, queue, worker, deps, funds, tracker, settle, notifier, nil, nil)
	return &system{eng: eng, sim: sim, deps: deps, queue: queue, funds: funds}
}

func newRequest(id, requester string) *models.DeploymentRequest {
	return &models.DeploymentRequest{
		ID: id, Requester: requester, Reputation: 5_000,
		Payload: models.DeploymentPayload{Name: "Token " + id, Symbol: "T" + id},
	}
}

func TestSubmit_FreshRequesterQueuedAsFree(t *testing.T) {
	s := newSystem(t, nil)
	res, err := s.eng.Submit(context.Background(), newRequest("r1", "alice"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, models.TierFree, res.Tier)
	require.Equal(t, models.StatusQueued, res.Status)

	got, err := s.eng.Status(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 1, s.queue.Len())
}

func TestSubmit_EleventhIsQueueFull(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	for i := 0; i < pipeline.DefaultCapacity; i++ {
		res, err := s.eng.Submit(ctx, newRequest(fmt.Sprintf("r%d", i), fmt.Sprintf("user%d", i)))
		require.NoError(t, err)
		require.True(t, res.Accepted, "request %d", i)
	}
	res, err := s.eng.Submit(ctx, newRequest("r10", "user10"))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, RejectQueueFull, res.Rejection)

	_, err = s.eng.Status(ctx, "r10")
	require.ErrorIs(t, err, ErrUnknownRequest, "rejected requests are not stored")
}

func TestSubmit_DuplicateActive(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	_, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)
	res, err := s.eng.Submit(ctx, newRequest("r2", "alice"))
	require.NoError(t, err)
	require.Equal(t, RejectDuplicateActive, res.Rejection)
}

func TestSubmit_SameIDIsIdempotent(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	_, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)
	res, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, models.StatusQueued, res.Status)
	require.Equal(t, 1, s.queue.Len())
}

func TestSubmit_DeniedIsCancelledWithCode(t *testing.T) {
	s := newSystem(t, nil)
	req := newRequest("r1", "alice")
	req.Reputation = 10

	res, err := s.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, models.TierDenied, res.Tier)
	require.Equal(t, admission.DenyReputationTooLow, res.Decision.Denial.Code)

	got, _ := s.eng.Status(context.Background(), "r1")
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Equal(t, admission.DenyReputationTooLow, got.DenialCode)
	require.False(t, s.queue.Active("alice"))
}

func TestSubmit_Invalid(t *testing.T) {
	s := newSystem(t, nil)
	_, err := s.eng.Submit(context.Background(), &models.DeploymentRequest{Requester: "alice"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancel_QueuedOnly(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	_, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)

	got, err := s.eng.Cancel(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Equal(t, CancelUserRequested, got.DenialCode)

	_, err = s.eng.Cancel(ctx, "r1")
	require.ErrorIs(t, err, ErrNotCancellable)
	_, err = s.eng.Cancel(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestStart_ProcessesQueueToConfirmation(t *testing.T) {
	s := newSystem(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.eng.Start(ctx) }()
	require.Eventually(t, func() bool {
		d, err := s.deps.Get(context.Background(), "r1")
		return err == nil && d.Status == models.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	snap, err := s.eng.LedgerSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, gas.CostGwei(5_000_000, gas.Gwei(1)), snap.Balances[models.BucketExpense])

	view, err := s.eng.Requester(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, cooldown.StateEligible, view.State)
	require.False(t, view.Active)
}

// Work left behind by a previous process is recovered on Start.
func TestStart_RecoversInFlightRequests(t *testing.T) {
	deps := repository.NewMemoryDeployments()
	ctx := context.Background()
	now := time.Now()
	for _, d := range []*models.DeploymentRequest{
		{ID: "p1", Requester: "a", Status: models.StatusPending, RequestedAt: now},
		{ID: "s1", Requester: "b", Status: models.StatusSubmitting, Tier: models.TierFree, RequestedAt: now, SubmittedAt: &now},
		{ID: "q1", Requester: "c", Status: models.StatusQueued, Tier: models.TierFree, RequestedAt: now, Reputation: 5_000,
			Payload: models.DeploymentPayload{Name: "C", Symbol: "C"}},
	} {
		require.NoError(t, deps.Create(ctx, d))
	}
	s := newSystem(t, deps)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.eng.Start(runCtx) }()
	require.Eventually(t, func() bool {
		d, err := deps.Get(ctx, "q1")
		return err == nil && d.Status == models.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	p, _ := deps.Get(ctx, "p1")
	require.Equal(t, models.StatusCancelled, p.Status)
	require.Equal(t, CancelInterrupted, p.DenialCode)
	sub, _ := deps.Get(ctx, "s1")
	require.Equal(t, models.StatusFailed, sub.Status)
	require.Equal(t, pipeline.ReasonInterrupted, sub.FailureReason)
}

func TestList_ByStatus(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	_, err := s.eng.Submit(ctx, newRequest("r1", "alice"))
	require.NoError(t, err)

	got, err := s.eng.List(ctx, models.StatusQueued)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.eng.List(ctx, models.StatusConfirmed)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = s.eng.List(ctx, "bogus")
	require.ErrorIs(t, err, ErrInvalidRequest)
}
