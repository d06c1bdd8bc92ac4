package store

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/queue"
	"github.com/vreid/janken/internal/pkg/settlement"
)

var (
	ErrQueueBucketNotFound      = errors.New("queue bucket doesn't exist")
	ErrMatchBucketNotFound      = errors.New("match bucket doesn't exist")
	ErrSettlementBucketNotFound = errors.New("settlement bucket doesn't exist")
)

const abandonReasonMismatch = "reveal mismatch limit reached"

// BoltStore keeps every conditional state transition inside a single
// bbolt update transaction. bbolt serializes writers, so a transition
// that read its precondition in the same transaction cannot race a
// concurrent transition on the same rows.
type BoltStore struct {
	DB *bolt.DB
}

func NewBoltStore(i do.Injector) (*BoltStore, error) {
	databaseService, err := do.Invoke[*common.DatabaseService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create database service: %w", err)
	}

	return &BoltStore{DB: databaseService.DB}, nil
}

func getJSON[T any](b *bolt.Bucket, key string) (*T, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil //nolint:nilnil
	}

	var value T

	err := json.Unmarshal(raw, &value)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return &value, nil
}

func putJSON(b *bolt.Bucket, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	err = b.Put([]byte(key), raw)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	return nil
}

func (s *BoltStore) Join(identity, tier string, now time.Time) (*queue.Entry, error) {
	var entry *queue.Entry

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.QueueBucket))
		if b == nil {
			return ErrQueueBucketNotFound
		}

		existing, err := getJSON[queue.Entry](b, identity)
		if err != nil {
			return err
		}

		if existing != nil {
			switch existing.Status {
			case queue.StatusWaiting:
				if existing.StakeTier != tier {
					return queue.ErrAlreadyQueued
				}

				entry = existing

				return nil
			case queue.StatusMatched:
				return queue.ErrAlreadyMatched
			case queue.StatusCancelled:
				// fall through, a cancelled entry may rejoin
			}
		}

		entry = &queue.Entry{
			Identity:  identity,
			StakeTier: tier,
			Status:    queue.StatusWaiting,
			CreatedAt: now,
			LastSeen:  now,
		}

		return putJSON(b, identity, entry)
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (s *BoltStore) Heartbeat(identity string, now time.Time) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.QueueBucket))
		if b == nil {
			return ErrQueueBucketNotFound
		}

		entry, err := getJSON[queue.Entry](b, identity)
		if err != nil {
			return err
		}

		if entry == nil || entry.Status != queue.StatusWaiting {
			return nil
		}

		entry.LastSeen = now

		return putJSON(b, identity, entry)
	})
}

func (s *BoltStore) Leave(identity string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.QueueBucket))
		if b == nil {
			return ErrQueueBucketNotFound
		}

		entry, err := getJSON[queue.Entry](b, identity)
		if err != nil {
			return err
		}

		if entry == nil || entry.Status != queue.StatusWaiting {
			return nil
		}

		entry.Status = queue.StatusCancelled

		return putJSON(b, identity, entry)
	})
}

func (s *BoltStore) Entry(identity string) (*queue.Entry, error) {
	var entry *queue.Entry

	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.QueueBucket))
		if b == nil {
			return ErrQueueBucketNotFound
		}

		var err error
		entry, err = getJSON[queue.Entry](b, identity)

		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// PairTier claims the two oldest eligible waiting entries of a tier
// and creates their match, all in one transaction. Returns nil when
// fewer than two entries are eligible; a pairing attempt that lost the
// race simply observes the updated queue and finds nothing to do.
func (s *BoltStore) PairTier(tier string, stake int64, window time.Duration, now time.Time) (*match.Match, error) {
	var created *match.Match

	err := s.DB.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket([]byte(common.QueueBucket))
		if qb == nil {
			return ErrQueueBucketNotFound
		}

		mb := tx.Bucket([]byte(common.MatchesBucket))
		if mb == nil {
			return ErrMatchBucketNotFound
		}

		var eligible []*queue.Entry

		err := qb.ForEach(func(_, raw []byte) error {
			var entry queue.Entry

			err := json.Unmarshal(raw, &entry)
			if err != nil {
				return fmt.Errorf("failed to unmarshal queue entry: %w", err)
			}

			if entry.StakeTier == tier && entry.Eligible(window, now) {
				eligible = append(eligible, &entry)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if len(eligible) < 2 {
			return nil
		}

		sort.Slice(eligible, func(i, j int) bool {
			if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
				return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
			}

			return eligible[i].Identity < eligible[j].Identity
		})

		sideA, sideB := eligible[0], eligible[1]
		if sideA.Identity == sideB.Identity {
			return nil
		}

		matchID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate match ID: %w", err)
		}

		created = &match.Match{
			MatchID:     matchID.String(),
			SideA:       sideA.Identity,
			SideB:       sideB.Identity,
			StakeTier:   tier,
			StakeAmount: stake,
			Phase:       match.PhaseCommit,
			CreatedAt:   now,
		}

		sideA.Status = queue.StatusMatched
		sideA.MatchedWith = sideB.Identity
		sideA.MatchID = created.MatchID

		sideB.Status = queue.StatusMatched
		sideB.MatchedWith = sideA.Identity
		sideB.MatchID = created.MatchID

		err = putJSON(qb, sideA.Identity, sideA)
		if err != nil {
			return err
		}

		err = putJSON(qb, sideB.Identity, sideB)
		if err != nil {
			return err
		}

		return putJSON(mb, created.MatchID, created)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (s *BoltStore) SweepStale(window time.Duration, now time.Time) (int, error) {
	swept := 0

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.QueueBucket))
		if b == nil {
			return ErrQueueBucketNotFound
		}

		var stale []string

		err := b.ForEach(func(key, raw []byte) error {
			var entry queue.Entry

			err := json.Unmarshal(raw, &entry)
			if err != nil {
				return fmt.Errorf("failed to unmarshal queue entry: %w", err)
			}

			if entry.Status == queue.StatusWaiting && !entry.Eligible(window, now) {
				stale = append(stale, string(key))
			}

			if entry.Status == queue.StatusCancelled {
				stale = append(stale, string(key))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			err := b.Delete([]byte(key))
			if err != nil {
				return fmt.Errorf("failed to delete queue entry: %w", err)
			}

			swept++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return swept, nil
}

func (s *BoltStore) Match(matchID string) (*match.Match, error) {
	var result *match.Match

	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.MatchesBucket))
		if b == nil {
			return ErrMatchBucketNotFound
		}

		var err error
		result, err = getJSON[match.Match](b, matchID)

		return err
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, match.ErrNotFound
	}

	return result, nil
}

func (s *BoltStore) PutCommitment(matchID, identity, commitment string, now time.Time) (*match.Match, error) {
	var result *match.Match

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.MatchesBucket))
		if b == nil {
			return ErrMatchBucketNotFound
		}

		m, err := getJSON[match.Match](b, matchID)
		if err != nil {
			return err
		}

		if m == nil {
			return match.ErrNotFound
		}

		side, ok := m.SideOf(identity)
		if !ok {
			return match.ErrNotParticipant
		}

		if m.Phase != match.PhaseCommit {
			return match.ErrWrongPhase
		}

		if m.Commitment(side) != "" {
			return match.ErrAlreadyCommitted
		}

		if side == match.SideA {
			m.CommitA = commitment
			m.CommitAAt = now
		} else {
			m.CommitB = commitment
			m.CommitBAt = now
		}

		if m.CommitA != "" && m.CommitB != "" {
			m.Phase = match.PhaseReveal
		}

		result = m

		return putJSON(b, matchID, m)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

//nolint:cyclop,funlen // single transaction covering every reveal precondition
func (s *BoltStore) PutReveal(matchID, identity string, choice match.Choice, secret, expected string, mismatchLimit int, now time.Time) (*match.Match, error) {
	var result *match.Match

	// A mismatch must commit its counter update, so it sets this flag
	// instead of failing the transaction.
	mismatched := false

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.MatchesBucket))
		if b == nil {
			return ErrMatchBucketNotFound
		}

		m, err := getJSON[match.Match](b, matchID)
		if err != nil {
			return err
		}

		if m == nil {
			return match.ErrNotFound
		}

		side, ok := m.SideOf(identity)
		if !ok {
			return match.ErrNotParticipant
		}

		if m.Phase != match.PhaseReveal {
			return match.ErrWrongPhase
		}

		if m.Reveal(side) != "" {
			return match.ErrAlreadyRevealed
		}

		if !hmac.Equal([]byte(m.Commitment(side)), []byte(expected)) {
			mismatches := m.MismatchA
			if side == match.SideB {
				mismatches = m.MismatchB
			}

			mismatches++

			if side == match.SideA {
				m.MismatchA = mismatches
			} else {
				m.MismatchB = mismatches
			}

			if mismatches >= mismatchLimit {
				m.Phase = match.PhaseAbandoned
				m.Winner = m.Identity(side.Opponent())
				m.AbandonReason = abandonReasonMismatch
				m.ResolvedAt = now

				err := releaseEntries(tx, m)
				if err != nil {
					return err
				}
			}

			result = m
			mismatched = true

			return putJSON(b, matchID, m)
		}

		if side == match.SideA {
			m.RevealA = choice
			m.SecretA = secret
			m.RevealAAt = now
		} else {
			m.RevealB = choice
			m.SecretB = secret
			m.RevealBAt = now
		}

		if m.RevealA != "" && m.RevealB != "" {
			m.Phase = match.PhaseSettling

			winner, decisive := match.WinningSide(m.RevealA, m.RevealB)
			if decisive {
				m.Winner = m.Identity(winner)
			}
		}

		result = m

		return putJSON(b, matchID, m)
	})
	if err != nil {
		return nil, err
	}

	if mismatched {
		return result, match.ErrCommitMismatch
	}

	return result, nil
}

// releaseEntries drops the matched queue rows of a resolved match so
// both identities may join again.
func releaseEntries(tx *bolt.Tx, m *match.Match) error {
	b := tx.Bucket([]byte(common.QueueBucket))
	if b == nil {
		return ErrQueueBucketNotFound
	}

	for _, identity := range []string{m.SideA, m.SideB} {
		entry, err := getJSON[queue.Entry](b, identity)
		if err != nil {
			return err
		}

		if entry == nil || entry.MatchID != m.MatchID {
			continue
		}

		err = b.Delete([]byte(identity))
		if err != nil {
			return fmt.Errorf("failed to delete queue entry: %w", err)
		}
	}

	return nil
}

//nolint:cyclop // one pass over all timeout shapes
func (s *BoltStore) ExpireMatches(commitWindow, revealWindow time.Duration, now time.Time) ([]*match.Match, error) {
	var abandoned []*match.Match

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.MatchesBucket))
		if b == nil {
			return ErrMatchBucketNotFound
		}

		var expired []*match.Match

		err := b.ForEach(func(_, raw []byte) error {
			var m match.Match

			err := json.Unmarshal(raw, &m)
			if err != nil {
				return fmt.Errorf("failed to unmarshal match: %w", err)
			}

			changed := false

			switch m.Phase {
			case match.PhaseCommit:
				changed = expireCommit(&m, commitWindow, now)
			case match.PhaseReveal:
				changed = expireReveal(&m, revealWindow, now)
			case match.PhaseSettling, match.PhaseSettled, match.PhaseAbandoned:
			}

			if changed {
				expired = append(expired, &m)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range expired {
			err := putJSON(b, m.MatchID, m)
			if err != nil {
				return err
			}

			err = releaseEntries(tx, m)
			if err != nil {
				return err
			}
		}

		abandoned = expired

		return nil
	})
	if err != nil {
		return nil, err
	}

	return abandoned, nil
}

// expireCommit abandons a commit-phase match when the slower side let
// the window elapse. A side that committed in time wins by forfeit; a
// match where neither side committed resolves with no winner.
func expireCommit(m *match.Match, window time.Duration, now time.Time) bool {
	switch {
	case m.CommitA != "" && now.Sub(m.CommitAAt) > window:
		m.Winner = m.SideA
	case m.CommitB != "" && now.Sub(m.CommitBAt) > window:
		m.Winner = m.SideB
	case m.CommitA == "" && m.CommitB == "" && now.Sub(m.CreatedAt) > window:
	default:
		return false
	}

	m.Phase = match.PhaseAbandoned
	m.AbandonReason = "commit window elapsed"
	m.ResolvedAt = now

	return true
}

func expireReveal(m *match.Match, window time.Duration, now time.Time) bool {
	bothCommittedAt := m.CommitAAt
	if m.CommitBAt.After(bothCommittedAt) {
		bothCommittedAt = m.CommitBAt
	}

	switch {
	case m.RevealA != "" && now.Sub(m.RevealAAt) > window:
		m.Winner = m.SideA
	case m.RevealB != "" && now.Sub(m.RevealBAt) > window:
		m.Winner = m.SideB
	case m.RevealA == "" && m.RevealB == "" && now.Sub(bothCommittedAt) > window:
	default:
		return false
	}

	m.Phase = match.PhaseAbandoned
	m.AbandonReason = "reveal window elapsed"
	m.ResolvedAt = now

	return true
}

func (s *BoltStore) Record(matchID string) (*settlement.Record, error) {
	var record *settlement.Record

	err := s.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.SettlementsBucket))
		if b == nil {
			return ErrSettlementBucketNotFound
		}

		var err error
		record, err = getJSON[settlement.Record](b, matchID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *BoltStore) EnsurePending(matchID string, now time.Time) (*settlement.Record, error) {
	var record *settlement.Record

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.SettlementsBucket))
		if b == nil {
			return ErrSettlementBucketNotFound
		}

		existing, err := getJSON[settlement.Record](b, matchID)
		if err != nil {
			return err
		}

		if existing != nil {
			record = existing

			return nil
		}

		record = &settlement.Record{
			MatchID:   matchID,
			Status:    settlement.StatusPending,
			UpdatedAt: now,
		}

		return putJSON(b, matchID, record)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *BoltStore) RecordAttempt(matchID, lastError string, now time.Time) (*settlement.Record, error) {
	return s.updateRecord(matchID, func(record *settlement.Record) error {
		record.Attempts++
		record.LastError = lastError
		record.UpdatedAt = now

		return nil
	})
}

func (s *BoltStore) MarkSettled(matchID, receipt string, now time.Time) (*settlement.Record, error) {
	return s.updateRecord(matchID, func(record *settlement.Record) error {
		record.Status = settlement.StatusSettled
		record.Receipt = receipt
		record.LastError = ""
		record.UpdatedAt = now

		return nil
	}, func(m *match.Match) {
		m.Phase = match.PhaseSettled
		m.SettlementReceipt = receipt
		m.ResolvedAt = now
	})
}

func (s *BoltStore) MarkRejected(matchID, reason string, now time.Time) (*settlement.Record, error) {
	return s.updateRecord(matchID, func(record *settlement.Record) error {
		record.Status = settlement.StatusRejected
		record.LastError = reason
		record.UpdatedAt = now

		return nil
	}, func(m *match.Match) {
		m.Phase = match.PhaseAbandoned
		m.AbandonReason = reason
		m.ResolvedAt = now
	})
}

// MarkReconciliation flags a settlement for manual follow-up. The
// matched queue rows stay held: the stake is in flight and neither
// identity may wager again until an operator resolves the record.
func (s *BoltStore) MarkReconciliation(matchID, reason string, now time.Time) (*settlement.Record, error) {
	return s.updateRecord(matchID, func(record *settlement.Record) error {
		record.Status = settlement.StatusNeedsReconciliation
		record.LastError = reason
		record.UpdatedAt = now

		return nil
	})
}

func (s *BoltStore) updateRecord(matchID string, apply func(*settlement.Record) error, matchApply ...func(*match.Match)) (*settlement.Record, error) {
	var record *settlement.Record

	err := s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.SettlementsBucket))
		if b == nil {
			return ErrSettlementBucketNotFound
		}

		existing, err := getJSON[settlement.Record](b, matchID)
		if err != nil {
			return err
		}

		if existing == nil {
			return settlement.ErrNoRecord
		}

		err = apply(existing)
		if err != nil {
			return err
		}

		record = existing

		err = putJSON(b, matchID, existing)
		if err != nil {
			return err
		}

		if len(matchApply) == 0 {
			return nil
		}

		mb := tx.Bucket([]byte(common.MatchesBucket))
		if mb == nil {
			return ErrMatchBucketNotFound
		}

		m, err := getJSON[match.Match](mb, matchID)
		if err != nil {
			return err
		}

		if m == nil {
			return match.ErrNotFound
		}

		for _, apply := range matchApply {
			apply(m)
		}

		err = putJSON(mb, matchID, m)
		if err != nil {
			return err
		}

		return releaseEntries(tx, m)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}
