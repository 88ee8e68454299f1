package admission

import (
	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/models"
)

// Denial codes. Presentation of a denial is left to the notification layer.
const (
	DenySystemBusy          = "system_busy"
	DenyCooldown            = "cooldown_active"
	DenyBanned              = "banned"
	DenyFeeTooHigh          = "fee_too_high"
	DenyReputationTooLow    = "reputation_too_low"
	DenySubsidyUnavailable  = "subsidy_unavailable"
	DenyInsufficientBalance = "insufficient_balance"
)

type Config struct {
	// Fee ceilings are wei per gas.
	StandardFeeCeiling uint64
	VIPFeeCeiling      uint64
	ElevatedFeeCeiling uint64
	MinReputation      int64
	// VIPReputation raises the free-tier fee ceiling to VIPFeeCeiling.
	VIPReputation     int64
	EstimatedGasUnits uint64
	PlatformFeeGwei   int64
	ThroughputCeiling int
	ExemptOperatorFee bool
	// ExemptOperatorCooldown skips cooldown checks for the operating identity.
	ExemptOperatorCooldown bool
}

func DefaultConfig() Config {
	return Config{
		StandardFeeCeiling: gas.Gwei(3),
		VIPFeeCeiling:      gas.Gwei(6),
		ElevatedFeeCeiling: gas.Gwei(15),
		MinReputation:      1500,
		VIPReputation:      20_000,
		EstimatedGasUnits:  6_500_000,
		PlatformFeeGwei:    10_000_000,
		ThroughputCeiling:  10,
	}
}

// Input is everything the decision depends on, gathered before classification.
type Input struct {
	Requester  string
	Reputation int64
	Elevated   bool
	Operator   bool
	// FeeLevel is the current network fee in wei per gas.
	FeeLevel             uint64
	AvailableSubsidyGwei int64
	PaidBalanceGwei      int64
	Cooldown             cooldown.Verdict
	// RecentSubmissions counts system-wide submissions in the trailing hour.
	RecentSubmissions int
}

type Denial struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

type Decision struct {
	Tier              string           `json:"tier"`
	Denial            *Denial          `json:"denial,omitempty"`
	EstimatedCostGwei int64            `json:"estimated_cost_gwei"`
	PlatformFeeGwei   int64            `json:"platform_fee_gwei"`
	FeeLevel          uint64           `json:"fee_level_wei"`
	Cooldown          cooldown.Verdict `json:"cooldown"`
}

// Admitted reports whether the request may be queued.
func (d Decision) Admitted() bool { return d.Tier != models.TierDenied }

// Subsidized reports whether the treasury pays for gas.
func (d Decision) Subsidized() bool { return models.IsSubsidized(d.Tier) }

// Classify picks a tier. The first matching rule wins:
//  1. throughput guard
//  2. elevated
//  3. free
//  4. pay per use
//  5. denied
//
// It has no side effects; committing the cooldown transition is the caller's job.
func Classify(cfg Config, in Input) Decision {
	cost := gas.CostGwei(cfg.EstimatedGasUnits, in.FeeLevel)
	d := Decision{EstimatedCostGwei: cost, FeeLevel: in.FeeLevel, Cooldown: in.Cooldown}

	if cfg.ThroughputCeiling > 0 && in.RecentSubmissions >= cfg.ThroughputCeiling {
		return deny(d, DenySystemBusy, map[string]any{
			"recent_submissions": in.RecentSubmissions,
			"ceiling":            cfg.ThroughputCeiling,
		})
	}

	cooldownOK := in.Cooldown.MayProceed || (in.Operator && cfg.ExemptOperatorCooldown)
	subsidyOK := in.AvailableSubsidyGwei >= cost

	if in.Elevated && in.FeeLevel <= cfg.ElevatedFeeCeiling && subsidyOK && cooldownOK {
		d.Tier = models.TierElevated
		return d
	}

	freeCeiling := cfg.StandardFeeCeiling
	if cfg.VIPReputation > 0 && in.Reputation >= cfg.VIPReputation && cfg.VIPFeeCeiling > freeCeiling {
		freeCeiling = cfg.VIPFeeCeiling
	}
	reputationOK := in.Reputation >= cfg.MinReputation
	if in.FeeLevel <= freeCeiling && reputationOK && cooldownOK && subsidyOK {
		d.Tier = models.TierFree
		return d
	}

	fee := cfg.PlatformFeeGwei
	if in.Elevated || (in.Operator && cfg.ExemptOperatorFee) {
		fee = 0
	}
	required := cost + fee
	if in.PaidBalanceGwei >= required {
		d.Tier = models.TierPayPerUse
		d.PlatformFeeGwei = fee
		return d
	}

	ctx := map[string]any{
		"required_gwei": required,
		"balance_gwei":  in.PaidBalanceGwei,
	}
	ceiling := freeCeiling
	if in.Elevated && cfg.ElevatedFeeCeiling > ceiling {
		ceiling = cfg.ElevatedFeeCeiling
	}
	switch {
	case !cooldownOK:
		ctx["days_remaining"] = in.Cooldown.DaysRemaining
		ctx["reason"] = in.Cooldown.Reason
		ctx["message"] = in.Cooldown.Message
		if in.Cooldown.AttemptsRemaining > 0 {
			ctx["attempts_remaining"] = in.Cooldown.AttemptsRemaining
		}
		if len(in.Cooldown.Recent) > 0 {
			ctx["recent"] = in.Cooldown.Recent
		}
		code := DenyCooldown
		if in.Cooldown.State == cooldown.StateBanned {
			code = DenyBanned
		}
		return deny(d, code, ctx)
	case in.FeeLevel > ceiling:
		ctx["fee_level_wei"] = in.FeeLevel
		ctx["ceiling_wei"] = ceiling
		return deny(d, DenyFeeTooHigh, ctx)
	case !reputationOK && !in.Elevated:
		ctx["reputation"] = in.Reputation
		ctx["min_reputation"] = cfg.MinReputation
		return deny(d, DenyReputationTooLow, ctx)
	case !subsidyOK:
		ctx["available_gwei"] = in.AvailableSubsidyGwei
		ctx["estimated_cost_gwei"] = cost
		return deny(d, DenySubsidyUnavailable, ctx)
	default:
		return deny(d, DenyInsufficientBalance, ctx)
	}
}

func deny(d Decision, code string, ctx map[string]any) Decision {
	d.Tier = models.TierDenied
	d.Denial = &Denial{Code: code, Context: ctx}
	return d
}
