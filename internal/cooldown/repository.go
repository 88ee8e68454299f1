package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klikdeploy/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Get(ctx context.Context, requester string) (*models.CooldownRecord, error) {
	var rec models.CooldownRecord
	var kind *string
	err := r.pool.QueryRow(ctx, `
		SELECT requester, subsidized_count_7d, last_subsidized_at, cooldown_until, cooldown_kind,
		       consecutive_days, lifetime_subsidized, escalations, created_at, updated_at
		FROM cooldown_records WHERE requester = $1
	`, requester).Scan(&rec.Requester, &rec.SubsidizedCount7d, &rec.LastSubsidizedAt, &rec.CooldownUntil, &kind,
		&rec.ConsecutiveDays, &rec.LifetimeSubsidized, &rec.Escalations, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if kind != nil {
		rec.CooldownKind = *kind
	}
	return &rec, nil
}

// Put upserts the record. The expiry cap is enforced again in SQL so no
// writer can store an expiry beyond 30 days.
func (r *Repository) Put(ctx context.Context, rec models.CooldownRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cooldown_records (requester, subsidized_count_7d, last_subsidized_at, cooldown_until, cooldown_kind,
			consecutive_days, lifetime_subsidized, escalations, created_at, updated_at)
		VALUES ($1, $2, $3,
			CASE WHEN $4::timestamptz IS NULL THEN NULL ELSE LEAST($4::timestamptz, now() + interval '30 days') END,
			NULLIF($5, ''), $6, $7, $8, now(), now())
		ON CONFLICT (requester) DO UPDATE SET
			subsidized_count_7d = EXCLUDED.subsidized_count_7d,
			last_subsidized_at  = EXCLUDED.last_subsidized_at,
			cooldown_until      = EXCLUDED.cooldown_until,
			cooldown_kind       = EXCLUDED.cooldown_kind,
			consecutive_days    = EXCLUDED.consecutive_days,
			lifetime_subsidized = EXCLUDED.lifetime_subsidized,
			escalations         = EXCLUDED.escalations,
			updated_at          = now()
	`, rec.Requester, rec.SubsidizedCount7d, rec.LastSubsidizedAt, rec.CooldownUntil, rec.CooldownKind,
		rec.ConsecutiveDays, rec.LifetimeSubsidized, rec.Escalations)
	if err != nil {
		return fmt.Errorf("upsert cooldown record: %w", err)
	}
	return nil
}

func (r *Repository) AddAttempt(ctx context.Context, requester string, day time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_limits (requester, day, subsidized_attempts) VALUES ($1, $2, 1)
		ON CONFLICT (requester, day) DO UPDATE SET subsidized_attempts = daily_limits.subsidized_attempts + 1
	`, requester, models.DayOf(day))
	return err
}

func (r *Repository) AddConfirmation(ctx context.Context, requester string, day time.Time, tier string) error {
	col := "free_confirmed"
	if tier == models.TierElevated {
		col = "elevated_confirmed"
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_limits (requester, day, `+col+`) VALUES ($1, $2, 1)
		ON CONFLICT (requester, day) DO UPDATE SET `+col+` = daily_limits.`+col+` + 1
	`, requester, models.DayOf(day))
	return err
}

func (r *Repository) DailyLimit(ctx context.Context, requester string, day time.Time) (models.DailyLimit, error) {
	dl := models.DailyLimit{Requester: requester, Day: models.DayOf(day)}
	err := r.pool.QueryRow(ctx, `
		SELECT subsidized_attempts, free_confirmed, elevated_confirmed
		FROM daily_limits WHERE requester = $1 AND day = $2
	`, requester, dl.Day).Scan(&dl.SubsidizedAttempts, &dl.FreeConfirmed, &dl.ElevatedConfirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return dl, nil
	}
	return dl, err
}

func (r *Repository) ConfirmedSince(ctx context.Context, requester string, from time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(free_confirmed + elevated_confirmed), 0)::INT
		FROM daily_limits WHERE requester = $1 AND day >= $2
	`, requester, models.DayOf(from)).Scan(&n)
	return n, err
}

func (r *Repository) Sweep(ctx context.Context, now, maxUntil time.Time) (int, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	cleared, err := tx.Exec(ctx, `
		UPDATE cooldown_records
		SET cooldown_until = NULL, cooldown_kind = NULL, escalations = 0, updated_at = $1
		WHERE cooldown_until IS NOT NULL AND cooldown_until < $1
	`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("clear expired cooldowns: %w", err)
	}
	clamped, err := tx.Exec(ctx, `
		UPDATE cooldown_records SET cooldown_until = $1, updated_at = $2
		WHERE cooldown_until > $1
	`, maxUntil, now)
	if err != nil {
		return 0, 0, fmt.Errorf("clamp cooldowns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return int(cleared.RowsAffected()), int(clamped.RowsAffected()), nil
}
