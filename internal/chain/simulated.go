package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klikdeploy/backend/internal/gas"
)

// Simulated is an in-process network for local runs and tests. It accepts
// any sequence number at or above its pending count and mines immediately.
type Simulated struct {
	mu       sync.Mutex
	pending  uint64
	feeWei   uint64
	balance  int64
	gasUsed  uint64
	receipts map[string]Receipt
	sent     []DeployRequest

	// SubmitHook, when set, runs before a submission is accepted; a non-nil
	// error rejects it.
	SubmitHook func(req DeployRequest) error
	// AwaitHook, when set, replaces receipt lookup.
	AwaitHook func(ref string) (Receipt, error)
}

func NewSimulated(feeWei uint64, balanceGwei int64, gasUsed uint64) *Simulated {
	return &Simulated{feeWei: feeWei, balance: balanceGwei, gasUsed: gasUsed, receipts: make(map[string]Receipt)}
}

func (s *Simulated) SetFeeLevel(wei uint64) {
	s.mu.Lock()
	s.feeWei = wei
	s.mu.Unlock()
}

func (s *Simulated) SetBalance(gwei int64) {
	s.mu.Lock()
	s.balance = gwei
	s.mu.Unlock()
}

// SetPending moves the pending count, as another sender on the same identity would.
func (s *Simulated) SetPending(n uint64) {
	s.mu.Lock()
	s.pending = n
	s.mu.Unlock()
}

// Sent returns every accepted submission in order.
func (s *Simulated) Sent() []DeployRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeployRequest(nil), s.sent...)
}

func (s *Simulated) CurrentSequence(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *Simulated) FeeLevel(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeWei, nil
}

func (s *Simulated) CustodialBalance(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Simulated) PredictAddress(salt [32]byte) string {
	return common.BytesToAddress(salt[12:]).Hex()
}

func (s *Simulated) Submit(_ context.Context, req DeployRequest) (string, error) {
	if s.SubmitHook != nil {
		if err := s.SubmitHook(req); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Nonce < s.pending {
		return "", fmt.Errorf("%w: nonce too low: next nonce %d, tx nonce %d", ErrSequenceConflict, s.pending, req.Nonce)
	}
	s.pending = req.Nonce + 1
	s.sent = append(s.sent, req)
	ref := fmt.Sprintf("0x%064x", len(s.sent))
	s.receipts[ref] = Receipt{
		TxReference:     ref,
		GasUsed:         s.gasUsed,
		EffectiveFeeWei: s.feeWei,
		TokenAddress:    s.PredictAddress(req.Salt),
		BlockNumber:     uint64(len(s.sent)),
	}
	s.balance -= gas.CostGwei(s.gasUsed, s.feeWei)
	return ref, nil
}

func (s *Simulated) AwaitConfirmation(ctx context.Context, ref string, timeout time.Duration) (Receipt, error) {
	if s.AwaitHook != nil {
		return s.AwaitHook(ref)
	}
	s.mu.Lock()
	r, ok := s.receipts[ref]
	s.mu.Unlock()
	if ok {
		return r, nil
	}
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case <-time.After(timeout):
		return Receipt{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, ref)
	}
}
