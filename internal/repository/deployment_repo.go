package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klikdeploy/backend/internal/models"
)

type DeploymentRepo struct {
	pool *pgxpool.Pool
}

func NewDeploymentRepo(pool *pgxpool.Pool) *DeploymentRepo {
	return &DeploymentRepo{pool: pool}
}

const deploymentColumns = `id, requester, name, symbol, metadata_ref, image_url, source_url, reputation, salt, predicted_address,
	status, tier, denial_code, tx_reference, token_address, gas_used, cost_gwei, platform_fee_gwei, failure_reason,
	requested_at, submitted_at, completed_at`

func scanDeployment(row pgx.Row) (*models.DeploymentRequest, error) {
	var d models.DeploymentRequest
	var gasUsed *int64
	err := row.Scan(&d.ID, &d.Requester, &d.Payload.Name, &d.Payload.Symbol, &d.Payload.MetadataRef, &d.Payload.ImageURL,
		&d.Payload.SourceURL, &d.Reputation, &d.Salt, &d.PredictedAddress,
		&d.Status, &d.Tier, &d.DenialCode, &d.TxReference, &d.TokenAddress, &gasUsed, &d.CostGwei, &d.PlatformFeeGwei, &d.FailureReason,
		&d.RequestedAt, &d.SubmittedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	if gasUsed != nil {
		g := uint64(*gasUsed)
		d.GasUsed = &g
	}
	return &d, nil
}

func gasParam(g *uint64) *int64 {
	if g == nil {
		return nil
	}
	v := int64(*g)
	return &v
}

func (r *DeploymentRepo) Create(ctx context.Context, d *models.DeploymentRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, d.ID, d.Requester, d.Payload.Name, d.Payload.Symbol, d.Payload.MetadataRef, d.Payload.ImageURL, d.Payload.SourceURL,
		d.Reputation, d.Salt, d.PredictedAddress, d.Status, d.Tier, d.DenialCode, d.TxReference, d.TokenAddress,
		gasParam(d.GasUsed), d.CostGwei, d.PlatformFeeGwei, d.FailureReason, d.RequestedAt, d.SubmittedAt, d.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *DeploymentRepo) Get(ctx context.Context, id string) (*models.DeploymentRequest, error) {
	d, err := scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Save writes d only if the stored row is still in status from. This is the
// single-writer rule: whoever wins the conditional update owns the request.
func (r *DeploymentRepo) Save(ctx context.Context, d *models.DeploymentRequest, from string) error {
	if from != d.Status && !models.CanTransition(from, d.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, d.Status)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE deployments SET
			status = $3, tier = $4, denial_code = $5, tx_reference = $6, token_address = $7,
			gas_used = $8, cost_gwei = $9, failure_reason = $10, salt = $11, predicted_address = $12,
			submitted_at = $13, completed_at = $14, platform_fee_gwei = $15, updated_at = now()
		WHERE id = $1 AND status = $2
	`, d.ID, from, d.Status, d.Tier, d.DenialCode, d.TxReference, d.TokenAddress,
		gasParam(d.GasUsed), d.CostGwei, d.FailureReason, d.Salt, d.PredictedAddress, d.SubmittedAt, d.CompletedAt,
		d.PlatformFeeGwei)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, d.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (r *DeploymentRepo) ListByStatus(ctx context.Context, status string) ([]*models.DeploymentRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deploymentColumns+` FROM deployments WHERE status = $1 ORDER BY requested_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.DeploymentRequest
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// CountSubmittedSince counts system-wide submissions of any tier since the given time.
func (r *DeploymentRepo) CountSubmittedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deployments WHERE submitted_at IS NOT NULL AND submitted_at >= $1
	`, since).Scan(&n)
	return n, err
}

func (r *DeploymentRepo) CountSubsidizedSince(ctx context.Context, requester string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deployments
		WHERE requester = $1 AND status = 'confirmed' AND tier IN ('free', 'elevated') AND completed_at >= $2
	`, requester, since).Scan(&n)
	return n, err
}

func (r *DeploymentRepo) RecentConfirmed(ctx context.Context, requester string, since time.Time, limit int) ([]models.RecentDeployment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT symbol, token_address, completed_at FROM deployments
		WHERE requester = $1 AND status = 'confirmed' AND completed_at >= $2
		ORDER BY completed_at DESC LIMIT $3
	`, requester, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecentDeployment
	for rows.Next() {
		var rd models.RecentDeployment
		if err := rows.Scan(&rd.Symbol, &rd.TokenAddress, &rd.DeployedAt); err != nil {
			return nil, err
		}
		list = append(list, rd)
	}
	return list, rows.Err()
}
