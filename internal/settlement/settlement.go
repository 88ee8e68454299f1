// Package settlement does post-confirmation bookkeeping for deployments.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/metrics"
	"github.com/klikdeploy/backend/internal/models"
)

var (
	// ErrAlreadySettled is returned when a tx reference has already been settled.
	ErrAlreadySettled = errors.New("deployment already settled")
	// ErrIntegrity is returned when a settlement was aborted to protect deposits.
	ErrIntegrity = errors.New("settlement aborted: integrity violation")
)

// SettlementLedger is the minimal ledger interface for settlement.
type SettlementLedger interface {
	Post(ctx context.Context, key string, entries ...models.LedgerEntry) error
	CheckInvariant(ctx context.Context) error
}

// SettlementCooldowns records subsidized confirmations.
type SettlementCooldowns interface {
	RecordSubsidized(ctx context.Context, requester, tier string, at time.Time) error
}

// SettlementDeployments is the deployment store interface used by settlement.
type SettlementDeployments interface {
	Get(ctx context.Context, id string) (*models.DeploymentRequest, error)
	Save(ctx context.Context, d *models.DeploymentRequest, from string) error
}

// Outcome is what the chain reported for a broadcast transaction.
type Outcome struct {
	TxReference     string
	GasUsed         uint64
	EffectiveFeeWei uint64
	TokenAddress    string
	Reverted        bool
	At              time.Time
}

// CostGwei is the actual gas cost of the outcome.
func (o Outcome) CostGwei() int64 {
	return gas.CostGwei(o.GasUsed, o.EffectiveFeeWei)
}

// Service performs settlement against the funds ledger, the cooldown tracker
// and the deployment store.
type Service struct {
	Ledger      SettlementLedger
	Cooldowns   SettlementCooldowns
	Deployments SettlementDeployments
	Logger      *slog.Logger
	Metrics     *metrics.EngineMetrics
}

func NewService(l SettlementLedger, c SettlementCooldowns, d SettlementDeployments, logger *slog.Logger, m *metrics.EngineMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Ledger: l, Cooldowns: c, Deployments: d, Logger: logger, Metrics: m}
}

// Confirm settles a successful deployment using the actual gas consumed.
// Replaying the same tx reference returns ErrAlreadySettled and changes nothing.
func (s *Service) Confirm(ctx context.Context, req *models.DeploymentRequest, out Outcome) error {
	if out.TxReference == "" {
		return errors.New("confirm: tx reference required")
	}
	cost := out.CostGwei()
	entries := chargeEntries(req, out.TxReference, cost, req.PlatformFeeGwei)

	integrityErr := s.post(ctx, "settle/"+out.TxReference, entries)
	if errors.Is(integrityErr, ErrAlreadySettled) {
		return s.finishReplay(ctx, req, out)
	}
	if integrityErr != nil && !errors.Is(integrityErr, ErrIntegrity) {
		return integrityErr
	}

	if integrityErr == nil && models.IsSubsidized(req.Tier) {
		if err := s.Cooldowns.RecordSubsidized(ctx, req.Requester, req.Tier, out.At); err != nil {
			// The ledger is already posted; the rolling window is recomputed
			// from the deployment log, so a missed counter is recoverable.
			s.Logger.Error("record subsidized confirmation", "request_id", req.ID, "error", err)
		}
	}

	from := req.Status
	d := *req
	d.Status = models.StatusConfirmed
	d.TxReference = out.TxReference
	d.TokenAddress = out.TokenAddress
	d.GasUsed = &out.GasUsed
	d.CostGwei = &cost
	d.CompletedAt = &out.At
	if integrityErr != nil {
		d.FailureReason = integrityErr.Error()
	}
	if err := s.Deployments.Save(ctx, &d, from); err != nil {
		return fmt.Errorf("save confirmed deployment: %w", err)
	}
	*req = d
	s.checkInvariant(ctx, out.TxReference)
	if integrityErr == nil {
		s.observe(req.Tier, cost, req.PlatformFeeGwei)
	}
	return integrityErr
}

// finishReplay handles a settlement whose ledger posting already exists. If
// the row was not yet marked confirmed it is completed now.
func (s *Service) finishReplay(ctx context.Context, req *models.DeploymentRequest, out Outcome) error {
	cur, err := s.Deployments.Get(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("load settled deployment: %w", err)
	}
	if cur.Status == models.StatusConfirmed {
		return ErrAlreadySettled
	}
	cost := out.CostGwei()
	d := *cur
	d.Status = models.StatusConfirmed
	d.TxReference = out.TxReference
	d.TokenAddress = out.TokenAddress
	d.GasUsed = &out.GasUsed
	d.CostGwei = &cost
	d.CompletedAt = &out.At
	if err := s.Deployments.Save(ctx, &d, cur.Status); err != nil {
		return fmt.Errorf("save confirmed deployment: %w", err)
	}
	*req = d
	s.Logger.Warn("completed partially settled deployment", "request_id", req.ID, "tx", out.TxReference)
	return ErrAlreadySettled
}

// Fail marks the request failed. Ledger entries are written only when the
// transaction was broadcast and consumed gas (out != nil), and then against
// the payer of record.
func (s *Service) Fail(ctx context.Context, req *models.DeploymentRequest, reason string, out *Outcome) error {
	var cost int64
	if out != nil && out.TxReference != "" && out.GasUsed > 0 {
		cost = out.CostGwei()
		entries := chargeEntries(req, out.TxReference, cost, 0)
		err := s.post(ctx, "revert/"+out.TxReference, entries)
		switch {
		case errors.Is(err, ErrAlreadySettled):
			cur, gerr := s.Deployments.Get(ctx, req.ID)
			if gerr == nil && models.IsTerminal(cur.Status) {
				return ErrAlreadySettled
			}
		case err != nil && !errors.Is(err, ErrIntegrity):
			return err
		}
	}

	from := req.Status
	d := *req
	d.Status = models.StatusFailed
	d.FailureReason = reason
	now := time.Now()
	if out != nil {
		if out.TxReference != "" {
			d.TxReference = out.TxReference
		}
		if out.GasUsed > 0 {
			d.GasUsed = &out.GasUsed
			d.CostGwei = &cost
		}
		if !out.At.IsZero() {
			now = out.At
		}
	}
	d.CompletedAt = &now
	if err := s.Deployments.Save(ctx, &d, from); err != nil {
		return fmt.Errorf("save failed deployment: %w", err)
	}
	*req = d
	if cost > 0 {
		s.checkInvariant(ctx, out.TxReference)
		s.observe(req.Tier, cost, 0)
	}
	return nil
}

// Cancel moves a request that never reached the chain to cancelled.
func (s *Service) Cancel(ctx context.Context, req *models.DeploymentRequest, code string) error {
	from := req.Status
	d := *req
	d.Status = models.StatusCancelled
	if code != "" {
		d.DenialCode = code
	}
	now := time.Now()
	d.CompletedAt = &now
	if err := s.Deployments.Save(ctx, &d, from); err != nil {
		return fmt.Errorf("save cancelled deployment: %w", err)
	}
	*req = d
	return nil
}

// chargeEntries builds the posting for a gas charge. Subsidized tiers spend
// treasury funds; pay-per-use debits the requester's protected deposit for
// gas plus the platform fee.
func chargeEntries(req *models.DeploymentRequest, ref string, cost, platformFee int64) []models.LedgerEntry {
	entries := []models.LedgerEntry{
		{Bucket: models.BucketExpense, AmountGwei: cost, TxReference: ref, Reason: "gas " + req.ID},
	}
	if req.Tier == models.TierPayPerUse {
		entries = append(entries, models.LedgerEntry{
			Bucket: models.BucketProtectedDeposit, Owner: req.Requester, AmountGwei: -(cost + platformFee),
			TxReference: ref, Reason: "deployment " + req.ID,
		})
		if platformFee > 0 {
			entries = append(entries, models.LedgerEntry{
				Bucket: models.BucketPlatformFee, AmountGwei: platformFee, TxReference: ref, Reason: "platform fee " + req.ID,
			})
		}
		return entries
	}
	return append(entries, models.LedgerEntry{
		Bucket: models.BucketSubsidyTreasury, AmountGwei: -cost, TxReference: ref, Reason: "subsidized gas " + req.ID,
	})
}

func (s *Service) post(ctx context.Context, key string, entries []models.LedgerEntry) error {
	err := s.Ledger.Post(ctx, key, entries...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAlreadyPosted):
		return ErrAlreadySettled
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.Logger.Error("protected deposit would go negative, settlement aborted",
			"integrity", true, "posting", key, "error", err)
		s.Metrics.ObserveIntegrityViolation("protected_deposit_overdraw")
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	default:
		return fmt.Errorf("post %s: %w", key, err)
	}
}

func (s *Service) checkInvariant(ctx context.Context, ref string) {
	if err := s.Ledger.CheckInvariant(ctx); err != nil {
		s.Logger.Error("custodial invariant violated after settlement", "integrity", true, "tx", ref, "error", err)
		s.Metrics.ObserveIntegrityViolation("custodial_below_protected")
	}
}

func (s *Service) observe(tier string, cost, platformFee int64) {
	if tier == models.TierPayPerUse {
		s.Metrics.AddSettled(models.BucketProtectedDeposit, cost+platformFee)
		s.Metrics.AddSettled(models.BucketPlatformFee, platformFee)
		return
	}
	s.Metrics.AddSettled(models.BucketSubsidyTreasury, cost)
}
