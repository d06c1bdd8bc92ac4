package settlement

import (
	"errors"
	"time"
)

var (
	ErrNotReady            = errors.New("match is not ready for settlement")
	ErrLedgerRejected      = errors.New("ledger rejected the settlement instruction")
	ErrNeedsReconciliation = errors.New("settlement attempts exhausted, flagged for manual reconciliation")
	ErrNoRecord            = errors.New("no settlement record for match")
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusSettled             Status = "settled"
	StatusRejected            Status = "rejected"
	StatusNeedsReconciliation Status = "needs_reconciliation"
)

// Record is the durable retry state of one settlement, keyed by match
// id. The match id doubles as the idempotency key sent to the ledger.
type Record struct {
	MatchID string `json:"match_id"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	Receipt   string `json:"receipt,omitempty"`
	LastError string `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Instruction is the single authoritative message describing a match's
// final outcome.
type Instruction struct {
	MatchID string `json:"match_id"`

	SideA string `json:"side_a"`
	SideB string `json:"side_b"`

	StakeAmount int64 `json:"stake_amount"`

	ChoiceA string `json:"choice_a"`
	ChoiceB string `json:"choice_b"`

	// Winner is empty on a draw, in which case both stakes return.
	Winner string `json:"winner,omitempty"`
}

type Receipt struct {
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
}
