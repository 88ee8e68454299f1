package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/models"
)

// CreditResult reports the balance after a deposit or top-up. Replayed is set
// when the reference had already been applied and nothing new was written.
type CreditResult struct {
	Bucket      string `json:"bucket"`
	Owner       string `json:"owner,omitempty"`
	Reference   string `json:"reference"`
	AmountGwei  int64  `json:"amount_gwei"`
	BalanceGwei int64  `json:"balance_gwei"`
	Replayed    bool   `json:"replayed"`
}

// Deposit records funds a requester sent to the custodial identity. reference
// is the funding transfer's identifier and makes the call idempotent.
func (e *Engine) Deposit(ctx context.Context, requester string, amountGwei int64, reference string) (CreditResult, error) {
	owner := models.RequesterKey(requester)
	if owner == "" {
		return CreditResult{}, fmt.Errorf("%w: requester required", ErrInvalidRequest)
	}
	res, err := e.credit(ctx, models.BucketProtectedDeposit, owner, amountGwei, reference, "deposit")
	if err != nil {
		return res, err
	}
	// Deposits raise the protected total; custody has to cover it before the
	// worker submits again.
	if err := e.ledger.CheckInvariant(ctx); err != nil {
		e.logger.Error("deposit recorded but custodial funds do not cover protected deposits",
			"integrity", true, "requester", owner, "reference", reference, "error", err)
	}
	return res, nil
}

// TopUp credits an operator-funded bucket: the subsidy treasury or the
// reserve fund.
func (e *Engine) TopUp(ctx context.Context, bucket string, amountGwei int64, reference, reason string) (CreditResult, error) {
	switch bucket {
	case models.BucketSubsidyTreasury, models.BucketReserveFund:
	default:
		return CreditResult{}, fmt.Errorf("%w: bucket %q cannot be topped up", ErrInvalidRequest, bucket)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "top up"
	}
	return e.credit(ctx, bucket, "", amountGwei, reference, reason)
}

func (e *Engine) credit(ctx context.Context, bucket, owner string, amountGwei int64, reference, reason string) (CreditResult, error) {
	reference = strings.TrimSpace(reference)
	res := CreditResult{Bucket: bucket, Owner: owner, Reference: reference, AmountGwei: amountGwei}
	if amountGwei <= 0 {
		return res, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if reference == "" {
		return res, fmt.Errorf("%w: reference required", ErrInvalidRequest)
	}
	bal, err := e.ledger.Credit(ctx, bucket, owner, amountGwei, reference, reason)
	switch {
	case errors.Is(err, ledger.ErrAlreadyPosted):
		res.Replayed = true
		if bal, err = e.balance(ctx, bucket, owner); err != nil {
			return res, err
		}
	case err != nil:
		return res, err
	}
	res.BalanceGwei = bal
	e.logger.Info("ledger credited", "bucket", bucket, "owner", owner, "amount_gwei", amountGwei,
		"reference", reference, "replayed", res.Replayed)
	return res, nil
}

func (e *Engine) balance(ctx context.Context, bucket, owner string) (int64, error) {
	if bucket == models.BucketProtectedDeposit {
		return e.ledger.RequesterBalance(ctx, owner)
	}
	return e.ledger.Balance(ctx, bucket)
}
