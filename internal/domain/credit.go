package domain

import "time"

// ─── Credit Types ───────────────────────────────────────────────────────────
// All amounts are integer micro-credits. One credit is 100 micro-credits
// and is worth 0.01 GBP.

const (
	MicroPerCredit = 100
	CreditValueGBP = 0.01
)

// TxSource is the business reason for a credit transaction.
type TxSource string

const (
	TxPreauth         TxSource = "preauth"
	TxSettlement      TxSource = "settlement"
	TxSettlementError TxSource = "settlement-error"
	TxRefund          TxSource = "refund"
	TxGrant           TxSource = "grant"
	TxPurchase        TxSource = "purchase"
	TxSignup          TxSource = "signup"
	TxReferral        TxSource = "referral"
)

// Valid reports whether s is a known source.
func (s TxSource) Valid() bool {
	switch s {
	case TxPreauth, TxSettlement, TxSettlementError, TxRefund, TxGrant, TxPurchase, TxSignup, TxReferral:
		return true
	}
	return false
}

// CreditBalance is one row per user.
type CreditBalance struct {
	UserID       string    `json:"user_id"`
	BalanceMicro int64     `json:"balance_micro"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Credits returns the balance in whole credits (rounded down).
func (b CreditBalance) Credits() int64 { return b.BalanceMicro / MicroPerCredit }

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID          int64          `json:"id"`
	UserID      string         `json:"user_id"`
	DeltaMicro  int64          `json:"delta_micro"`
	Source      TxSource       `json:"source"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PreauthResult is the discriminated outcome of a preauthorization.
// Success=false is a normal outcome (insufficient funds), not an error.
type PreauthResult struct {
	Success      bool  `json:"success"`
	BalanceAfter int64 `json:"balance_after"`
}

// SettleResult reports what a settlement actually moved.
type SettleResult struct {
	Applied      bool  `json:"applied"`       // false when the user row was missing
	DeltaMicro   int64 `json:"delta_micro"`   // signed delta recorded in the transaction
	BalanceAfter int64 `json:"balance_after"`
}
