package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klikdeploy/backend/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a protected-deposit debit exceeds the owner's balance.
	ErrInsufficientFunds = errInsufficientFunds
	// ErrAlreadyPosted is returned when a posting key has been applied before.
	ErrAlreadyPosted = errors.New("posting already applied")
	// ErrIntegrity signals that custodial funds no longer cover protected deposits.
	ErrIntegrity = errors.New("custodial funds below protected deposits")
	// ErrUnknownBucket is returned for bucket tags outside models.Buckets.
	ErrUnknownBucket = errors.New("unknown ledger bucket")
)

var errInsufficientFunds = errors.New("insufficient funds")

// DefaultSafetyMarginBps is the share of custodial funds never offered for subsidy (5%).
const DefaultSafetyMarginBps = 500

// Store persists append-only ledger entries grouped in postings.
type Store interface {
	// Apply appends all entries under key atomically. A negative
	// protected_deposit entry succeeds only if the owner's balance covers it;
	// otherwise nothing is written and ErrInsufficientFunds is returned.
	Apply(ctx context.Context, key string, entries []models.LedgerEntry) error
	BucketBalance(ctx context.Context, bucket string) (int64, error)
	OwnerBalance(ctx context.Context, owner string) (int64, error)
	Balances(ctx context.Context) (map[string]int64, error)
	Entries(ctx context.Context, reference string) ([]models.LedgerEntry, error)
}

// Custody reports the total funds held by the operating identity, in gwei.
type Custody interface {
	CustodialBalance(ctx context.Context) (int64, error)
}

type Service interface {
	Balance(ctx context.Context, bucket string) (int64, error)
	RequesterBalance(ctx context.Context, requester string) (int64, error)
	AvailableForSubsidy(ctx context.Context) (int64, error)
	Debit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (int64, error)
	Credit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (int64, error)
	Post(ctx context.Context, key string, entries ...models.LedgerEntry) error
	Snapshot(ctx context.Context) (models.LedgerSnapshot, error)
	CheckInvariant(ctx context.Context) error
}

type service struct {
	store     Store
	custody   Custody
	marginBps int64
	now       func() time.Time
}

func NewService(store Store, custody Custody, marginBps int64) *service {
	if marginBps < 0 {
		marginBps = DefaultSafetyMarginBps
	}
	return &service{store: store, custody: custody, marginBps: marginBps, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) Balance(ctx context.Context, bucket string) (int64, error) {
	if !models.ValidBucket(bucket) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}
	return s.store.BucketBalance(ctx, bucket)
}

func (s *service) RequesterBalance(ctx context.Context, requester string) (int64, error) {
	return s.store.OwnerBalance(ctx, requester)
}

// AvailableForSubsidy is custodial funds minus everything earmarked
// (protected deposits, platform fees, reserve) minus the safety margin, floored at zero.
func (s *service) AvailableForSubsidy(ctx context.Context) (int64, error) {
	custodial, err := s.custody.CustodialBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("custodial balance: %w", err)
	}
	balances, err := s.store.Balances(ctx)
	if err != nil {
		return 0, err
	}
	return availableFrom(custodial, balances, s.marginBps), nil
}

func availableFrom(custodial int64, balances map[string]int64, marginBps int64) int64 {
	earmarked := nonNegative(balances[models.BucketProtectedDeposit]) +
		nonNegative(balances[models.BucketPlatformFee]) +
		nonNegative(balances[models.BucketReserveFund])
	margin := custodial * marginBps / 10_000
	avail := custodial - earmarked - margin
	if avail < 0 {
		return 0
	}
	return avail
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Debit appends a negative entry. Only protected_deposit debits are guarded.
func (s *service) Debit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (int64, error) {
	if amountGwei <= 0 {
		return 0, fmt.Errorf("debit amount must be > 0, got %d", amountGwei)
	}
	return s.single(ctx, "debit", bucket, owner, -amountGwei, reference, reason)
}

func (s *service) Credit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (int64, error) {
	if amountGwei <= 0 {
		return 0, fmt.Errorf("credit amount must be > 0, got %d", amountGwei)
	}
	return s.single(ctx, "credit", bucket, owner, amountGwei, reference, reason)
}

func (s *service) single(ctx context.Context, op, bucket, owner string, amount int64, reference, reason string) (int64, error) {
	if !models.ValidBucket(bucket) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}
	if bucket == models.BucketProtectedDeposit && owner == "" {
		return 0, errors.New("protected deposit entries need an owner")
	}
	key := fmt.Sprintf("%s/%s/%s/%s", reference, op, bucket, owner)
	entry := models.LedgerEntry{Bucket: bucket, Owner: owner, AmountGwei: amount, TxReference: reference, Reason: reason}
	if err := s.Post(ctx, key, entry); err != nil {
		return 0, err
	}
	if bucket == models.BucketProtectedDeposit {
		return s.store.OwnerBalance(ctx, owner)
	}
	return s.store.BucketBalance(ctx, bucket)
}

// Post applies entries as one idempotent unit keyed by key.
func (s *service) Post(ctx context.Context, key string, entries ...models.LedgerEntry) error {
	if key == "" {
		return errors.New("posting key required")
	}
	now := s.now()
	out := make([]models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if !models.ValidBucket(e.Bucket) {
			return fmt.Errorf("%w: %q", ErrUnknownBucket, e.Bucket)
		}
		if e.AmountGwei == 0 {
			continue
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return s.store.Apply(ctx, key, out)
}

func (s *service) Snapshot(ctx context.Context) (models.LedgerSnapshot, error) {
	balances, err := s.store.Balances(ctx)
	if err != nil {
		return models.LedgerSnapshot{}, err
	}
	custodial, err := s.custody.CustodialBalance(ctx)
	if err != nil {
		return models.LedgerSnapshot{}, fmt.Errorf("custodial balance: %w", err)
	}
	full := make(map[string]int64, len(models.Buckets))
	for _, b := range models.Buckets {
		full[b] = balances[b]
	}
	return models.LedgerSnapshot{
		Balances:      full,
		CustodialGwei: custodial,
		AvailableGwei: availableFrom(custodial, balances, s.marginBps),
		TakenAt:       s.now(),
	}, nil
}

// CheckInvariant verifies total custodial funds still cover every protected deposit.
func (s *service) CheckInvariant(ctx context.Context) error {
	custodial, err := s.custody.CustodialBalance(ctx)
	if err != nil {
		return fmt.Errorf("custodial balance: %w", err)
	}
	protected, err := s.store.BucketBalance(ctx, models.BucketProtectedDeposit)
	if err != nil {
		return err
	}
	if custodial < protected {
		return fmt.Errorf("%w: custodial %d < protected %d", ErrIntegrity, custodial, protected)
	}
	return nil
}
