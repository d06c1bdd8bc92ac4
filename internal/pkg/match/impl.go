package match

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/identity"
	"github.com/vreid/janken/internal/pkg/signature"
)

type Store interface {
	Match(matchID string) (*Match, error)
	PutCommitment(matchID, identity, commitment string, now time.Time) (*Match, error)
	PutReveal(matchID, identity string, choice Choice, secret, expected string, mismatchLimit int, now time.Time) (*Match, error)
	ExpireMatches(commitWindow, revealWindow time.Duration, now time.Time) ([]*Match, error)
}

// MatchService runs the commit-reveal state machine over the shared
// store. Every transition is decided by the store in one transaction;
// the service validates input, wires the signature verification and
// feeds settling matches to the dispatcher.
type MatchService struct {
	Store     Store
	Signature *signature.SignatureService
	Resolver  *identity.ResolverService

	SettleSink chan<- string

	CommitWindow  time.Duration
	RevealWindow  time.Duration
	MismatchLimit int
}

func NewMatchService(i do.Injector) (*MatchService, error) {
	boundStore := do.MustInvoke[Store](i)

	signatureService, err := do.Invoke[*signature.SignatureService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature service: %w", err)
	}

	resolverService, err := do.Invoke[*identity.ResolverService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver service: %w", err)
	}

	settleSink := do.MustInvokeNamed[chan<- string](i, "settle-sink")

	commitTimeoutSeconds := do.MustInvokeNamed[int](i, "commit-timeout-seconds")
	revealTimeoutSeconds := do.MustInvokeNamed[int](i, "reveal-timeout-seconds")
	mismatchLimit := do.MustInvokeNamed[int](i, "mismatch-limit")

	result := &MatchService{
		Store:     boundStore,
		Signature: signatureService,
		Resolver:  resolverService,

		SettleSink: settleSink,

		CommitWindow:  time.Duration(commitTimeoutSeconds) * time.Second,
		RevealWindow:  time.Duration(revealTimeoutSeconds) * time.Second,
		MismatchLimit: mismatchLimit,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		matchGroup := apiGroup.Group("/match")

		matchGroup.GET("/:id", result.GetMatch)
		matchGroup.POST("/:id/commit", result.PostCommit)
		matchGroup.POST("/:id/reveal", result.PostReveal)
	})

	return result, nil
}

// SubmitCommitment records a side's commitment; the first valid
// submission per side wins, duplicates are rejected.
func (s *MatchService) SubmitCommitment(matchID, participant, commitment string) (*Match, error) {
	return s.Store.PutCommitment(matchID, participant, commitment, time.Now())
}

// SubmitReveal verifies (choice, secret) against the stored commitment
// and records the reveal. A mismatch rejects without consuming the
// reveal; repeated mismatches abandon the match in the opponent's
// favor.
func (s *MatchService) SubmitReveal(matchID, participant string, choice Choice, secret string) (*Match, error) {
	if !choice.Valid() {
		return nil, ErrInvalidChoice
	}

	expected := s.Signature.Commitment(matchID, participant, string(choice), secret)

	m, err := s.Store.PutReveal(matchID, participant, choice, secret, expected, s.MismatchLimit, time.Now())
	if err != nil {
		return m, err
	}

	if m.Phase == PhaseSettling {
		s.enqueueSettlement(m.MatchID)
	}

	return m, nil
}

func (s *MatchService) enqueueSettlement(matchID string) {
	if s.SettleSink == nil {
		return
	}

	select {
	case s.SettleSink <- matchID:
	default:
	}
}

// Run expires overdue matches until the context ends.
func (s *MatchService) Run(ctx context.Context) {
	window := s.CommitWindow
	if s.RevealWindow < window {
		window = s.RevealWindow
	}

	interval := window / 4 //nolint:mnd
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Store.ExpireMatches(s.CommitWindow, s.RevealWindow, time.Now())
		}
	}
}

type sideSnapshot struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Committed   bool   `json:"committed"`
	Revealed    bool   `json:"revealed"`
	Choice      string `json:"choice,omitempty"`
}

type snapshot struct {
	MatchID string `json:"match_id"`

	SideA sideSnapshot `json:"side_a"`
	SideB sideSnapshot `json:"side_b"`

	StakeTier   string `json:"stake_tier"`
	StakeAmount int64  `json:"stake_amount"`

	Phase Phase `json:"phase"`

	Winner        string `json:"winner,omitempty"`
	Draw          bool   `json:"draw,omitempty"`
	AbandonReason string `json:"abandon_reason,omitempty"`

	SettlementReceipt string `json:"settlement_receipt,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Snapshot renders a match for callers: secrets never leave the store,
// and choices stay hidden until both reveals are in.
func (s *MatchService) Snapshot(ctx context.Context, m *Match) snapshot {
	outcomeKnown := m.Phase == PhaseSettling || m.Phase == PhaseSettled ||
		(m.Phase == PhaseAbandoned && m.RevealA != "" && m.RevealB != "")

	sides := [2]sideSnapshot{}

	for i, side := range []Side{SideA, SideB} {
		participant := m.Identity(side)

		sides[i] = sideSnapshot{
			Identity:    participant,
			DisplayName: s.Resolver.Resolve(ctx, participant),
			Committed:   m.Commitment(side) != "",
			Revealed:    m.Reveal(side) != "",
		}

		if outcomeKnown {
			sides[i].Choice = string(m.Reveal(side))
		}
	}

	return snapshot{
		MatchID: m.MatchID,

		SideA: sides[0],
		SideB: sides[1],

		StakeTier:   m.StakeTier,
		StakeAmount: m.StakeAmount,

		Phase: m.Phase,

		Winner:        m.Winner,
		Draw:          outcomeKnown && m.Winner == "",
		AbandonReason: m.AbandonReason,

		SettlementReceipt: m.SettlementReceipt,

		CreatedAt:  m.CreatedAt,
		ResolvedAt: m.ResolvedAt,
	}
}

func (s *MatchService) GetMatch(c echo.Context) error {
	m, err := s.Store.Match(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "match not found")
		}

		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load match")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.Snapshot(c.Request().Context(), m))
}

type commitRequest struct {
	Identity   string `json:"identity"`
	Commitment string `json:"commitment"`
}

func (s *MatchService) PostCommit(c echo.Context) error {
	var req commitRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Identity == "" || req.Commitment == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identity and commitment are required")
	}

	m, err := s.SubmitCommitment(c.Param("id"), req.Identity, req.Commitment)
	if err != nil {
		return matchHTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.Snapshot(c.Request().Context(), m))
}

type revealRequest struct {
	Identity string `json:"identity"`
	Choice   string `json:"choice"`
	Secret   string `json:"secret"`
}

func (s *MatchService) PostReveal(c echo.Context) error {
	var req revealRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.SubmitReveal(c.Param("id"), req.Identity, Choice(req.Choice), req.Secret)
	if err != nil {
		return matchHTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.Snapshot(c.Request().Context(), m))
}

func matchHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "match not found")
	case errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, "identity is not part of this match")
	case errors.Is(err, ErrWrongPhase):
		return echo.NewHTTPError(http.StatusConflict, "operation not valid in current phase")
	case errors.Is(err, ErrAlreadyCommitted):
		return echo.NewHTTPError(http.StatusConflict, "side has already committed")
	case errors.Is(err, ErrAlreadyRevealed):
		return echo.NewHTTPError(http.StatusConflict, "side has already revealed")
	case errors.Is(err, ErrCommitMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, "reveal does not match stored commitment")
	case errors.Is(err, ErrInvalidChoice):
		return echo.NewHTTPError(http.StatusBadRequest, "choice out of range")
	}

	return echo.NewHTTPError(http.StatusInternalServerError, "match operation failed")
}
