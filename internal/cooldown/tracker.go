package cooldown

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klikdeploy/backend/internal/models"
)

const recentLimit = 5

// Store persists cooldown records and per-day usage counters.
type Store interface {
	Get(ctx context.Context, requester string) (*models.CooldownRecord, error)
	Put(ctx context.Context, rec models.CooldownRecord) error
	AddAttempt(ctx context.Context, requester string, day time.Time) error
	AddConfirmation(ctx context.Context, requester string, day time.Time, tier string) error
	DailyLimit(ctx context.Context, requester string, day time.Time) (models.DailyLimit, error)
	// ConfirmedSince sums subsidized confirmations from daily counters on days >= from.
	ConfirmedSince(ctx context.Context, requester string, from time.Time) (int, error)
	// Sweep clears expiries before now and clamps those after maxUntil.
	Sweep(ctx context.Context, now, maxUntil time.Time) (cleared, clamped int, err error)
}

// History is the persisted deployment log the rolling window is recomputed from.
type History interface {
	CountSubsidizedSince(ctx context.Context, requester string, since time.Time) (int, error)
	RecentConfirmed(ctx context.Context, requester string, since time.Time, limit int) ([]models.RecentDeployment, error)
}

// Assessment is a verdict plus the record to persist if the caller commits it.
type Assessment struct {
	Requester string
	Verdict   Verdict
	Next      models.CooldownRecord
	counted   bool
}

type Tracker struct {
	store   Store
	history History
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(store Store, history History, policy Policy, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, history: history, policy: policy, logger: logger, now: time.Now}
}

// WithClock replaces the tracker's time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Policy() Policy { return t.policy }

// Inspect evaluates a new subsidized attempt without writing anything.
func (t *Tracker) Inspect(ctx context.Context, requester string, elevated bool) (Assessment, error) {
	return t.assess(ctx, requester, elevated, false)
}

// Recheck evaluates an attempt that was already counted at admission.
// Its result is informational and never committed.
func (t *Tracker) Recheck(ctx context.Context, requester string, elevated bool) (Verdict, error) {
	a, err := t.assess(ctx, requester, elevated, true)
	if err != nil {
		return Verdict{}, err
	}
	return a.Verdict, nil
}

func (t *Tracker) assess(ctx context.Context, requester string, elevated, alreadyCounted bool) (Assessment, error) {
	now := t.now()
	rec, err := t.store.Get(ctx, requester)
	if err != nil {
		return Assessment{}, fmt.Errorf("get cooldown record: %w", err)
	}
	usage, err := t.usage(ctx, requester, now)
	if err != nil {
		return Assessment{}, err
	}
	if alreadyCounted && usage.AttemptsToday > 0 {
		usage.AttemptsToday--
	}
	v, next := t.policy.Evaluate(rec, usage, elevated, now)
	next.Requester = requester
	return Assessment{Requester: requester, Verdict: v, Next: next, counted: alreadyCounted}, nil
}

// usage recomputes the rolling window from persisted deployments and
// cross-checks it against the daily counters.
func (t *Tracker) usage(ctx context.Context, requester string, now time.Time) (Usage, error) {
	since := now.Add(-7 * day)
	fromLog, err := t.history.CountSubsidizedSince(ctx, requester, since)
	if err != nil {
		return Usage{}, fmt.Errorf("count subsidized deployments: %w", err)
	}
	fromDaily, err := t.store.ConfirmedSince(ctx, requester, models.DayOf(now).Add(-6*day))
	if err != nil {
		return Usage{}, fmt.Errorf("sum daily limits: %w", err)
	}
	weekly := fromLog
	if fromDaily != fromLog {
		t.logger.Warn("rolling subsidized counts disagree",
			"requester", requester, "deployments", fromLog, "daily_limits", fromDaily)
		if fromDaily > weekly {
			weekly = fromDaily
		}
	}
	today, err := t.store.DailyLimit(ctx, requester, models.DayOf(now))
	if err != nil {
		return Usage{}, fmt.Errorf("daily limit: %w", err)
	}
	recent, err := t.history.RecentConfirmed(ctx, requester, since, recentLimit)
	if err != nil {
		return Usage{}, fmt.Errorf("recent deployments: %w", err)
	}
	return Usage{Weekly: weekly, AttemptsToday: today.SubsidizedAttempts, Recent: recent}, nil
}

// Commit persists the assessed transition and counts the attempt for today.
func (t *Tracker) Commit(ctx context.Context, a Assessment) error {
	if a.counted {
		return fmt.Errorf("assessment for %s was a recheck and cannot be committed", a.Requester)
	}
	now := t.now()
	rec := a.Next
	if rec.CooldownUntil != nil {
		rec.CooldownUntil = t.policy.capExpiry(now, *rec.CooldownUntil)
	}
	if err := t.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("put cooldown record: %w", err)
	}
	if err := t.store.AddAttempt(ctx, a.Requester, models.DayOf(now)); err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	switch a.Verdict.State {
	case StateCooldown, StateBanned:
		t.logger.Info("cooldown applied", "requester", a.Requester, "reason", a.Verdict.Reason, "days", a.Verdict.DaysRemaining)
	case StateWarned:
		t.logger.Info("attempt during cooldown", "requester", a.Requester, "attempts_remaining", a.Verdict.AttemptsRemaining)
	}
	return nil
}

// RecordSubsidized updates rolling counts and the consecutive-day streak after
// a subsidized deployment confirmed at `at`.
func (t *Tracker) RecordSubsidized(ctx context.Context, requester, tier string, at time.Time) error {
	rec, err := t.store.Get(ctx, requester)
	if err != nil {
		return fmt.Errorf("get cooldown record: %w", err)
	}
	if rec == nil {
		rec = &models.CooldownRecord{Requester: requester, CreatedAt: at}
	}
	rec.ConsecutiveDays = nextStreak(rec.LastSubsidizedAt, rec.ConsecutiveDays, at)
	rec.LastSubsidizedAt = &at
	rec.LifetimeSubsidized++
	rec.SubsidizedCount7d++
	rec.UpdatedAt = at
	if rec.CooldownUntil != nil {
		rec.CooldownUntil = t.policy.capExpiry(at, *rec.CooldownUntil)
	}
	if err := t.store.Put(ctx, *rec); err != nil {
		return fmt.Errorf("put cooldown record: %w", err)
	}
	return t.store.AddConfirmation(ctx, requester, models.DayOf(at), tier)
}

func nextStreak(last *time.Time, streak int, at time.Time) int {
	if last == nil {
		return 1
	}
	lastDay, today := models.DayOf(*last), models.DayOf(at)
	switch {
	case lastDay.Equal(today):
		if streak == 0 {
			return 1
		}
		return streak
	case lastDay.Add(day).Equal(today):
		return streak + 1
	default:
		return 1
	}
}

// Sweep normalises stale and out-of-range expiries. Expiry is also evaluated
// lazily, so a missed sweep only delays bookkeeping.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	now := t.now()
	cleared, clamped, err := t.store.Sweep(ctx, now, now.Add(t.policy.MaxExpiry))
	if err != nil {
		return 0, err
	}
	if cleared+clamped > 0 {
		t.logger.Info("cooldown sweep", "cleared", cleared, "clamped", clamped)
	}
	return cleared + clamped, nil
}

// State reports the requester's current state without side effects.
func (t *Tracker) State(ctx context.Context, requester string) (State, *models.CooldownRecord, error) {
	rec, err := t.store.Get(ctx, requester)
	if err != nil {
		return "", nil, err
	}
	return StateOf(rec, t.now()), rec, nil
}
