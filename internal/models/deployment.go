package models

import (
	"strings"
	"time"
)

// RequesterKey is the canonical form of a requester identity: trimmed,
// without a leading "@", lower case.
func RequesterKey(identity string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(identity), "@"))
}

// Deployment status enums. Terminal states are confirmed, failed and cancelled.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusSubmitting = "submitting"
	StatusConfirmed  = "confirmed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Tier enums produced by admission.
const (
	TierFree      = "free"
	TierElevated  = "elevated"
	TierPayPerUse = "pay_per_use"
	TierDenied    = "denied"
)

// statusTransitions lists the allowed from -> to moves. A request is owned by
// whichever component performs the transition out of its current state.
var statusTransitions = map[string][]string{
	StatusPending:    {StatusQueued, StatusCancelled, StatusFailed},
	StatusQueued:     {StatusSubmitting, StatusCancelled},
	StatusSubmitting: {StatusConfirmed, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a deployment may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status == StatusConfirmed || status == StatusFailed || status == StatusCancelled
}

// IsSubsidized reports whether gas for the tier is paid by the treasury.
func IsSubsidized(tier string) bool {
	return tier == TierFree || tier == TierElevated
}

type DeploymentPayload struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	MetadataRef string `json:"metadata_ref,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

type DeploymentRequest struct {
	ID               string            `json:"id"`
	Requester        string            `json:"requester"`
	Payload          DeploymentPayload `json:"payload"`
	Reputation       int64             `json:"reputation"`
	Salt             string            `json:"salt,omitempty"`
	PredictedAddress string            `json:"predicted_address,omitempty"`
	Status           string            `json:"status"`
	Tier             string            `json:"tier,omitempty"`
	DenialCode       string            `json:"denial_code,omitempty"`
	TxReference      string            `json:"tx_reference,omitempty"`
	TokenAddress     string            `json:"token_address,omitempty"`
	GasUsed          *uint64           `json:"gas_used,omitempty"`
	CostGwei         *int64            `json:"cost_gwei,omitempty"`
	PlatformFeeGwei  int64             `json:"platform_fee_gwei,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	RequestedAt      time.Time         `json:"requested_at"`
	SubmittedAt      *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// RecentDeployment is a confirmed deployment shown back to a requester.
type RecentDeployment struct {
	Symbol       string    `json:"symbol"`
	TokenAddress string    `json:"token_address"`
	DeployedAt   time.Time `json:"deployed_at"`
}
