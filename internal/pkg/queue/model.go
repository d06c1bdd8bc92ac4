package queue

import (
	"errors"
	"time"
)

var (
	ErrInvalidStake    = errors.New("unknown stake tier")
	ErrInvalidIdentity = errors.New("identity must not be empty")
	ErrAlreadyQueued   = errors.New("identity is already waiting on a different stake tier")
	ErrAlreadyMatched  = errors.New("identity has a match pending settlement")
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusMatched   Status = "matched"
	StatusCancelled Status = "cancelled"
)

type Entry struct {
	Identity  string `json:"identity"`
	StakeTier string `json:"stake_tier"`

	Status Status `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`

	MatchedWith string `json:"matched_with,omitempty"`
	MatchID     string `json:"match_id,omitempty"`
}

// Eligible reports whether the entry may be considered for pairing:
// still waiting and heartbeating within the liveness window.
func (e *Entry) Eligible(window time.Duration, now time.Time) bool {
	return e.Status == StatusWaiting && now.Sub(e.LastSeen) < window
}
