package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klikdeploy/backend/internal/models"
)

type fakeHistory struct {
	mu   sync.Mutex
	deps map[string][]models.RecentDeployment
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{deps: make(map[string][]models.RecentDeployment)}
}

func (h *fakeHistory) add(requester, symbol string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[requester] = append(h.deps[requester], models.RecentDeployment{Symbol: symbol, TokenAddress: "0x" + symbol, DeployedAt: at})
}

func (h *fakeHistory) CountSubsidizedSince(_ context.Context, requester string, since time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for _, d := range h.deps[requester] {
		if !d.DeployedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (h *fakeHistory) RecentConfirmed(_ context.Context, requester string, since time.Time, limit int) ([]models.RecentDeployment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.RecentDeployment
	for i := len(h.deps[requester]) - 1; i >= 0 && len(out) < limit; i-- {
		if d := h.deps[requester][i]; !d.DeployedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func newTestTracker(now time.Time) (*Tracker, *MemoryStore, *fakeHistory) {
	store := NewMemoryStore()
	hist := newFakeHistory()
	tr := NewTracker(store, hist, DefaultPolicy(), nil)
	tr.now = func() time.Time { return now }
	return tr, store, hist
}

// confirm records a settled subsidized deployment the way Settlement does.
func confirm(t *testing.T, tr *Tracker, hist *fakeHistory, requester, symbol string, at time.Time) {
	t.Helper()
	hist.add(requester, symbol, at)
	require.NoError(t, tr.RecordSubsidized(context.Background(), requester, models.TierFree, at))
}

func TestTracker_FourthWeeklyAttemptTriggersCooldown(t *testing.T) {
	ctx := context.Background()
	tr, store, hist := newTestTracker(t0)

	confirm(t, tr, hist, "alice", "AAA", t0.Add(-3*day))
	confirm(t, tr, hist, "alice", "BBB", t0.Add(-2*day))
	confirm(t, tr, hist, "alice", "CCC", t0.Add(-1*day))

	a, err := tr.Inspect(ctx, "alice", false)
	require.NoError(t, err)
	require.False(t, a.Verdict.MayProceed)
	require.Equal(t, StateCooldown, a.Verdict.State)
	require.Equal(t, 7, a.Verdict.DaysRemaining)
	require.Equal(t, 3, a.Verdict.WeeklyUsed)

	// Inspect alone writes nothing.
	rec, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, rec.CooldownUntil)

	require.NoError(t, tr.Commit(ctx, a))
	rec, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec.CooldownUntil)
	require.True(t, rec.CooldownUntil.Equal(t0.Add(7*day)))
	require.Equal(t, 3, rec.LifetimeSubsidized)
	require.Equal(t, 3, rec.ConsecutiveDays)

	dl, err := store.DailyLimit(ctx, "alice", t0)
	require.NoError(t, err)
	require.Equal(t, 1, dl.SubsidizedAttempts)

	// Next attempt during the cooldown is a warning that lists recent deployments.
	a, err = tr.Inspect(ctx, "alice", false)
	require.NoError(t, err)
	require.Equal(t, StateWarned, a.Verdict.State)
	require.Equal(t, 9, a.Verdict.AttemptsRemaining)
	require.Contains(t, a.Verdict.Message, "$CCC")
}

func TestTracker_FifthSameDayAttemptBans(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t0)

	for i := 0; i < 4; i++ {
		a, err := tr.Inspect(ctx, "bob", false)
		require.NoError(t, err)
		require.True(t, a.Verdict.MayProceed, "attempt %d", i+1)
		require.NoError(t, tr.Commit(ctx, a))
	}

	a, err := tr.Inspect(ctx, "bob", false)
	require.NoError(t, err)
	require.Equal(t, StateBanned, a.Verdict.State)
	require.Equal(t, 30, a.Verdict.DaysRemaining)
	require.NoError(t, tr.Commit(ctx, a))

	state, rec, err := tr.State(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, StateBanned, state)
	require.Equal(t, models.CooldownBan, rec.CooldownKind)
	require.False(t, rec.CooldownUntil.After(t0.Add(30*day)))
}

func TestTracker_RecheckDoesNotCountAgain(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTracker(t0)

	for i := 0; i < 4; i++ {
		a, err := tr.Inspect(ctx, "carol", false)
		require.NoError(t, err)
		require.NoError(t, tr.Commit(ctx, a))
	}
	// The fourth attempt was counted at admission; the worker's recheck must
	// see it as the same attempt rather than a fifth.
	v, err := tr.Recheck(ctx, "carol", false)
	require.NoError(t, err)
	require.True(t, v.MayProceed)

	a, err := tr.assess(ctx, "carol", false, true)
	require.NoError(t, err)
	require.Error(t, tr.Commit(ctx, a))
}

func TestTracker_WeeklyCountUsesDailyLimitsWhenHigher(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t0)

	// Daily counters saw three confirmations the deployment log lost.
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddConfirmation(ctx, "dave", t0.Add(-day), models.TierFree))
	}
	a, err := tr.Inspect(ctx, "dave", false)
	require.NoError(t, err)
	require.Equal(t, 3, a.Verdict.WeeklyUsed)
	require.Equal(t, StateCooldown, a.Verdict.State)
}

func TestTracker_Sweep(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTracker(t0)

	require.NoError(t, store.Put(ctx, models.CooldownRecord{
		Requester: "expired", CooldownUntil: ptr(t0.Add(-time.Hour)), CooldownKind: models.CooldownWeekly,
		Escalations: 3, ConsecutiveDays: 4,
	}))
	require.NoError(t, store.Put(ctx, models.CooldownRecord{
		Requester: "far", CooldownUntil: ptr(t0.Add(60 * day)), CooldownKind: models.CooldownBan,
	}))
	require.NoError(t, store.Put(ctx, models.CooldownRecord{
		Requester: "active", CooldownUntil: ptr(t0.Add(2 * day)), CooldownKind: models.CooldownWeekly,
	}))

	n, err := tr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, _ := store.Get(ctx, "expired")
	require.Nil(t, rec.CooldownUntil)
	require.Zero(t, rec.Escalations)
	require.Equal(t, 4, rec.ConsecutiveDays, "streak survives the sweep")

	rec, _ = store.Get(ctx, "far")
	require.True(t, rec.CooldownUntil.Equal(t0.Add(30*day)))

	rec, _ = store.Get(ctx, "active")
	require.True(t, rec.CooldownUntil.Equal(t0.Add(2*day)))
}
