package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klikdeploy/backend/internal/models"
)

func TestDeposit_FundsPayPerUse(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	req := newRequest("p1", "bob")
	req.Reputation = 10

	res, err := s.eng.Submit(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Accepted, "no balance and reputation below the free floor")

	dep, err := s.eng.Deposit(ctx, "@Bob", 20_000_000, "0xfund")
	require.NoError(t, err)
	require.Equal(t, "bob", dep.Owner)
	require.Equal(t, int64(20_000_000), dep.BalanceGwei)
	require.False(t, dep.Replayed)

	again, err := s.eng.Deposit(ctx, "bob", 20_000_000, "0xfund")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, int64(20_000_000), again.BalanceGwei, "replay must not credit twice")

	req = newRequest("p2", "bob")
	req.Reputation = 10
	res, err = s.eng.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, models.TierPayPerUse, res.Tier)
}

func TestDeposit_Invalid(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()
	_, err := s.eng.Deposit(ctx, " ", 5, "ref")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.eng.Deposit(ctx, "bob", 0, "ref")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.eng.Deposit(ctx, "bob", 5, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTopUp_OperatorBucketsOnly(t *testing.T) {
	s := newSystem(t, nil)
	ctx := context.Background()

	res, err := s.eng.TopUp(ctx, models.BucketReserveFund, 1_000, "wire-1", "")
	require.NoError(t, err)
	require.Equal(t, int64(1_000), res.BalanceGwei)

	_, err = s.eng.TopUp(ctx, models.BucketSubsidyTreasury, 2_000, "wire-2", "monthly")
	require.NoError(t, err)
	snap, err := s.eng.LedgerSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2_000), snap.Balances[models.BucketSubsidyTreasury])

	for _, b := range []string{models.BucketExpense, models.BucketPlatformFee, models.BucketProtectedDeposit, "nope"} {
		_, err = s.eng.TopUp(ctx, b, 1, "x", "")
		require.ErrorIs(t, err, ErrInvalidRequest, b)
	}
}
