package match

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("match not found")
	ErrNotParticipant   = errors.New("identity is not part of this match")
	ErrWrongPhase       = errors.New("operation not valid in current phase")
	ErrAlreadyCommitted = errors.New("side has already committed")
	ErrAlreadyRevealed  = errors.New("side has already revealed")
	ErrCommitMismatch   = errors.New("reveal does not match stored commitment")
	ErrInvalidChoice    = errors.New("choice out of range")
)

type Phase string

const (
	PhaseCommit    Phase = "commit"
	PhaseReveal    Phase = "reveal"
	PhaseSettling  Phase = "settling"
	PhaseSettled   Phase = "settled"
	PhaseAbandoned Phase = "abandoned"
)

func (p Phase) Terminal() bool {
	return p == PhaseSettled || p == PhaseAbandoned
}

type Choice string

const (
	ChoiceRock     Choice = "rock"
	ChoicePaper    Choice = "paper"
	ChoiceScissors Choice = "scissors"
)

func (c Choice) Valid() bool {
	return c == ChoiceRock || c == ChoicePaper || c == ChoiceScissors
}

// Beats reports whether c wins against other under the cyclic
// rock > scissors > paper > rock relation.
func (c Choice) Beats(other Choice) bool {
	switch c {
	case ChoiceRock:
		return other == ChoiceScissors
	case ChoicePaper:
		return other == ChoiceRock
	case ChoiceScissors:
		return other == ChoicePaper
	}

	return false
}

type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

func (s Side) Opponent() Side {
	if s == SideA {
		return SideB
	}

	return SideA
}

type Match struct {
	MatchID string `json:"match_id"`

	SideA string `json:"side_a"`
	SideB string `json:"side_b"`

	StakeTier   string `json:"stake_tier"`
	StakeAmount int64  `json:"stake_amount"`

	Phase Phase `json:"phase"`

	CommitA   string    `json:"commit_a,omitempty"`
	CommitB   string    `json:"commit_b,omitempty"`
	CommitAAt time.Time `json:"commit_a_at,omitzero"`
	CommitBAt time.Time `json:"commit_b_at,omitzero"`

	RevealA   Choice    `json:"reveal_a,omitempty"`
	RevealB   Choice    `json:"reveal_b,omitempty"`
	SecretA   string    `json:"secret_a,omitempty"`
	SecretB   string    `json:"secret_b,omitempty"`
	RevealAAt time.Time `json:"reveal_a_at,omitzero"`
	RevealBAt time.Time `json:"reveal_b_at,omitzero"`

	MismatchA int `json:"mismatch_a,omitempty"`
	MismatchB int `json:"mismatch_b,omitempty"`

	// Winner holds the winning identity once the outcome is known;
	// empty in a resolved match means a draw.
	Winner        string `json:"winner,omitempty"`
	AbandonReason string `json:"abandon_reason,omitempty"`

	SettlementReceipt string `json:"settlement_receipt,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// SideOf resolves which side of the match an identity plays.
func (m *Match) SideOf(identity string) (Side, bool) {
	switch identity {
	case m.SideA:
		return SideA, true
	case m.SideB:
		return SideB, true
	}

	return "", false
}

func (m *Match) Identity(side Side) string {
	if side == SideA {
		return m.SideA
	}

	return m.SideB
}

func (m *Match) Commitment(side Side) string {
	if side == SideA {
		return m.CommitA
	}

	return m.CommitB
}

func (m *Match) Reveal(side Side) Choice {
	if side == SideA {
		return m.RevealA
	}

	return m.RevealB
}

// WinningSide computes the outcome of two revealed choices. The second
// return value is false on a draw.
func WinningSide(a, b Choice) (Side, bool) {
	if a == b {
		return "", false
	}

	if a.Beats(b) {
		return SideA, true
	}

	return SideB, true
}
