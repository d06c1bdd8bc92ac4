package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/match"
)

type Store interface {
	Join(identity, tier string, now time.Time) (*Entry, error)
	Heartbeat(identity string, now time.Time) error
	Leave(identity string) error
	Entry(identity string) (*Entry, error)
	PairTier(tier string, stake int64, window time.Duration, now time.Time) (*match.Match, error)
	SweepStale(window time.Duration, now time.Time) (int, error)
}

// QueueService is the matchmaking queue: participants join a stake
// tier, prove liveness through heartbeats and get paired FIFO with the
// next eligible participant of the same tier. Pairing runs on a ticker
// and opportunistically on join and poll, and is safe against
// concurrent attempts because the store claims both entries in one
// transaction.
type QueueService struct {
	Store  Store
	Logger echo.Logger

	Tiers map[string]int64

	LivenessWindow  time.Duration
	PairingInterval time.Duration
}

func NewQueueService(i do.Injector) (*QueueService, error) {
	boundStore := do.MustInvoke[Store](i)

	tiers, err := ParseTiers(do.MustInvokeNamed[string](i, "stake-tiers"))
	if err != nil {
		return nil, err
	}

	livenessWindowSeconds := do.MustInvokeNamed[int](i, "liveness-window-seconds")
	pairingIntervalSeconds := do.MustInvokeNamed[int](i, "pairing-interval-seconds")

	result := &QueueService{
		Store: boundStore,

		Tiers: tiers,

		LivenessWindow:  time.Duration(livenessWindowSeconds) * time.Second,
		PairingInterval: time.Duration(pairingIntervalSeconds) * time.Second,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	result.Logger = echoService.Logger()

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		queueGroup := apiGroup.Group("/queue")

		queueGroup.POST("/join", result.PostJoin)
		queueGroup.POST("/heartbeat", result.PostHeartbeat)
		queueGroup.POST("/leave", result.PostLeave)
		queueGroup.GET("/poll", result.GetPoll)
	})

	return result, nil
}

// ParseTiers parses a "name=amount,name=amount" flag value.
func ParseTiers(value string) (map[string]int64, error) {
	tiers := map[string]int64{}

	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, amount, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid stake tier %q, want name=amount", part)
		}

		parsed, err := strconv.ParseInt(amount, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid stake amount in tier %q", part)
		}

		tiers[name] = parsed
	}

	if len(tiers) == 0 {
		return nil, errors.New("at least one stake tier is required")
	}

	return tiers, nil
}

// Join puts an identity on its tier's queue and immediately attempts a
// pairing for that tier, so two fresh joiners match without waiting for
// the ticker.
func (s *QueueService) Join(identity, tier string) (*Entry, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	if _, ok := s.Tiers[tier]; !ok {
		return nil, ErrInvalidStake
	}

	entry, err := s.Store.Join(identity, tier, time.Now())
	if err != nil {
		return nil, err
	}

	if entry.Status != StatusWaiting {
		return entry, nil
	}

	_, err = s.Store.PairTier(tier, s.Tiers[tier], s.LivenessWindow, time.Now())
	if err != nil {
		return nil, err
	}

	refreshed, err := s.Store.Entry(identity)
	if err != nil {
		return nil, err
	}

	if refreshed != nil {
		entry = refreshed
	}

	return entry, nil
}

func (s *QueueService) Heartbeat(identity string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	return s.Store.Heartbeat(identity, time.Now())
}

func (s *QueueService) Leave(identity string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	return s.Store.Leave(identity)
}

// Poll reports the caller's match id once paired. A waiting caller
// first triggers a pairing attempt for its own tier, so the queue
// advances even without the background ticker.
func (s *QueueService) Poll(identity string) (string, error) {
	if identity == "" {
		return "", ErrInvalidIdentity
	}

	entry, err := s.Store.Entry(identity)
	if err != nil {
		return "", err
	}

	if entry == nil {
		return "", nil
	}

	if entry.Status == StatusWaiting {
		_, err := s.Store.PairTier(entry.StakeTier, s.Tiers[entry.StakeTier], s.LivenessWindow, time.Now())
		if err != nil {
			return "", err
		}

		entry, err = s.Store.Entry(identity)
		if err != nil {
			return "", err
		}

		if entry == nil {
			return "", nil
		}
	}

	return entry.MatchID, nil
}

// PairAll drains every tier: pairing repeats per tier until fewer than
// two eligible entries remain.
func (s *QueueService) PairAll() error {
	tiers := make([]string, 0, len(s.Tiers))
	for tier := range s.Tiers {
		tiers = append(tiers, tier)
	}

	sort.Strings(tiers)

	for _, tier := range tiers {
		for {
			created, err := s.Store.PairTier(tier, s.Tiers[tier], s.LivenessWindow, time.Now())
			if err != nil {
				return err
			}

			if created == nil {
				break
			}
		}
	}

	return nil
}

// Run drives pairing and the stale sweep until the context ends.
func (s *QueueService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PairingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.PairAll()
			if err != nil {
				s.logError("pairing failed: %v", err)
			}

			_, err = s.Store.SweepStale(s.LivenessWindow, time.Now())
			if err != nil {
				s.logError("stale sweep failed: %v", err)
			}
		}
	}
}

func (s *QueueService) logError(format string, args ...any) {
	if s.Logger == nil {
		return
	}

	s.Logger.Errorf(format, args...)
}

type joinRequest struct {
	Identity  string `json:"identity"`
	StakeTier string `json:"stake_tier"`
}

func (s *QueueService) PostJoin(c echo.Context) error {
	var req joinRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	entry, err := s.Join(req.Identity, req.StakeTier)
	if err != nil {
		return queueHTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, entry)
}

type identityRequest struct {
	Identity string `json:"identity"`
}

func (s *QueueService) PostHeartbeat(c echo.Context) error {
	var req identityRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Heartbeat(req.Identity)
	if err != nil {
		return queueHTTPError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *QueueService) PostLeave(c echo.Context) error {
	var req identityRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Leave(req.Identity)
	if err != nil {
		return queueHTTPError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

type pollResponse struct {
	MatchID string `json:"match_id,omitempty"`
}

func (s *QueueService) GetPoll(c echo.Context) error {
	matchID, err := s.Poll(c.QueryParam("identity"))
	if err != nil {
		return queueHTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, pollResponse{MatchID: matchID})
}

func queueHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidIdentity):
		return echo.NewHTTPError(http.StatusBadRequest, "identity must not be empty")
	case errors.Is(err, ErrInvalidStake):
		return echo.NewHTTPError(http.StatusBadRequest, "unknown stake tier")
	case errors.Is(err, ErrAlreadyQueued):
		return echo.NewHTTPError(http.StatusConflict, "already waiting on a different stake tier")
	case errors.Is(err, ErrAlreadyMatched):
		return echo.NewHTTPError(http.StatusConflict, "a match is still pending settlement")
	}

	return echo.NewHTTPError(http.StatusInternalServerError, "queue operation failed")
}
