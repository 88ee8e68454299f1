package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger buckets. Every entry belongs to exactly one bucket.
const (
	BucketProtectedDeposit = "protected_deposit"
	BucketSubsidyTreasury  = "subsidy_treasury"
	BucketPlatformFee      = "platform_fee"
	BucketReserveFund      = "reserve_fund"
	BucketExpense          = "expense"
)

// Buckets lists all buckets in display order.
var Buckets = []string{
	BucketProtectedDeposit,
	BucketSubsidyTreasury,
	BucketPlatformFee,
	BucketReserveFund,
	BucketExpense,
}

// ValidBucket reports whether b is a known bucket tag.
func ValidBucket(b string) bool {
	for _, k := range Buckets {
		if k == b {
			return true
		}
	}
	return false
}

// LedgerEntry is append-only. Owner is set only for protected_deposit entries.
type LedgerEntry struct {
	ID          uuid.UUID `json:"id"`
	Bucket      string    `json:"bucket"`
	Owner       string    `json:"owner,omitempty"`
	AmountGwei  int64     `json:"amount_gwei"`
	TxReference string    `json:"tx_reference"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

type LedgerSnapshot struct {
	Balances      map[string]int64 `json:"balances"`
	CustodialGwei int64            `json:"custodial_gwei"`
	AvailableGwei int64            `json:"available_for_subsidy_gwei"`
	TakenAt       time.Time        `json:"taken_at"`
}
