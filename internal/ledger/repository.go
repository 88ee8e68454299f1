package ledger

import (
	"context"
	"fmt"

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

// Apply runs in its own transaction. It:
// a) Claims the posting key (unique; a replay returns ErrAlreadyPosted)
// b) Moves every protected_deposit owner balance via an atomic UPDATE with condition
// c) Inserts the entries into ledger_entries
func (r *Repository) Apply(ctx context.Context, key string, entries []models.LedgerEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_postings (posting_key) VALUES ($1)
		ON CONFLICT (posting_key) DO NOTHING
	`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyPosted
	}

	for _, e := range entries {
		if e.Bucket == models.BucketProtectedDeposit {
			if err := applyProtected(ctx, tx, e.Owner, e.AmountGwei); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, posting_key, bucket, owner, amount_gwei, tx_reference, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, key, e.Bucket, e.Owner, e.AmountGwei, e.TxReference, e.Reason, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// applyProtected is the compare-and-swap guard: the row only changes when the
// resulting balance stays non-negative.
func applyProtected(ctx context.Context, tx pgx.Tx, owner string, delta int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO protected_balances (owner, balance_gwei) VALUES ($1, 0)
		ON CONFLICT (owner) DO NOTHING
	`, owner)
	if err != nil {
		return err
	}
	result, err := tx.Exec(ctx, `
		UPDATE protected_balances
		SET balance_gwei = balance_gwei + $1, updated_at = now()
		WHERE owner = $2 AND balance_gwei + $1 >= 0
	`, delta, owner)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errInsufficientFunds
	}
	return nil
}

func (r *Repository) BucketBalance(ctx context.Context, bucket string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_gwei), 0)::BIGINT FROM ledger_entries WHERE bucket = $1
	`, bucket).Scan(&total)
	return total, err
}

func (r *Repository) OwnerBalance(ctx context.Context, owner string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_gwei), 0)::BIGINT FROM ledger_entries
		WHERE bucket = 'protected_deposit' AND owner = $1
	`, owner).Scan(&total)
	return total, err
}

func (r *Repository) Balances(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT bucket, COALESCE(SUM(amount_gwei), 0)::BIGINT FROM ledger_entries GROUP BY bucket
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var total int64
		if err := rows.Scan(&bucket, &total); err != nil {
			return nil, err
		}
		out[bucket] = total
	}
	return out, rows.Err()
}

func (r *Repository) Entries(ctx context.Context, reference string) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bucket, owner, amount_gwei, tx_reference, reason, created_at
		FROM ledger_entries WHERE tx_reference = $1 ORDER BY created_at, id
	`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Bucket, &e.Owner, &e.AmountGwei, &e.TxReference, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
