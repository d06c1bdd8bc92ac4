package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"golang.org/x/sync/singleflight"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/match"
)

// Ledger is the external settlement authority. Submit must treat the
// instruction's match id as an idempotency key.
type Ledger interface {
	Submit(ctx context.Context, instruction Instruction) (*Receipt, error)
}

type Store interface {
	Match(matchID string) (*match.Match, error)
	Record(matchID string) (*Record, error)
	EnsurePending(matchID string, now time.Time) (*Record, error)
	RecordAttempt(matchID, lastError string, now time.Time) (*Record, error)
	MarkSettled(matchID, receipt string, now time.Time) (*Record, error)
	MarkRejected(matchID, reason string, now time.Time) (*Record, error)
	MarkReconciliation(matchID, reason string, now time.Time) (*Record, error)
}

// DispatcherService turns a settling match into exactly one ledger
// submission. Concurrent callers for the same match share a single
// in-flight submission; the durable record carries the attempt count
// across restarts.
type DispatcherService struct {
	Store  Store
	Ledger Ledger

	Source <-chan string

	MaxAttempts     int
	InitialInterval time.Duration

	group singleflight.Group
}

func NewDispatcherService(i do.Injector) (*DispatcherService, error) {
	boundStore := do.MustInvoke[Store](i)
	ledger := do.MustInvoke[Ledger](i)
	source := do.MustInvokeNamed[<-chan string](i, "settle-source")

	maxAttempts := do.MustInvokeNamed[int](i, "settle-max-attempts")

	result := &DispatcherService{
		Store:  boundStore,
		Ledger: ledger,

		Source: source,

		MaxAttempts:     maxAttempts,
		InitialInterval: 500 * time.Millisecond, //nolint:mnd
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		matchGroup := apiGroup.Group("/match")

		matchGroup.POST("/:id/settle", result.PostSettle)
	})

	return result, nil
}

func (s *DispatcherService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case matchID, ok := <-s.Source:
			if !ok {
				return
			}

			_, _ = s.Dispatch(ctx, matchID)
		}
	}
}

// Dispatch drives one match to a settlement verdict. Repeat calls on a
// settled match return the stored receipt without touching the ledger.
func (s *DispatcherService) Dispatch(ctx context.Context, matchID string) (*Record, error) {
	value, err, _ := s.group.Do(matchID, func() (any, error) {
		return s.dispatch(ctx, matchID)
	})
	if err != nil {
		record, _ := value.(*Record)

		return record, err
	}

	record, _ := value.(*Record)

	return record, nil
}

//nolint:cyclop // verdict classification is inherently branchy
func (s *DispatcherService) dispatch(ctx context.Context, matchID string) (*Record, error) {
	m, err := s.Store.Match(matchID)
	if err != nil {
		return nil, err
	}

	record, err := s.Store.Record(matchID)
	if err != nil {
		return nil, err
	}

	if record != nil {
		switch record.Status {
		case StatusSettled:
			return record, nil
		case StatusRejected:
			return record, fmt.Errorf("%w: %s", ErrLedgerRejected, record.LastError)
		case StatusNeedsReconciliation:
			return record, ErrNeedsReconciliation
		case StatusPending:
		}
	}

	if m.Phase != match.PhaseSettling {
		return nil, ErrNotReady
	}

	record, err = s.Store.EnsurePending(matchID, time.Now())
	if err != nil {
		return nil, err
	}

	remaining := s.MaxAttempts - record.Attempts
	if remaining <= 0 {
		return s.reconcile(matchID, "attempt budget exhausted before submission")
	}

	instruction := Instruction{
		MatchID:     m.MatchID,
		SideA:       m.SideA,
		SideB:       m.SideB,
		StakeAmount: m.StakeAmount,
		ChoiceA:     string(m.RevealA),
		ChoiceB:     string(m.RevealB),
		Winner:      m.Winner,
	}

	receipt, err := s.submit(ctx, instruction, remaining)
	if err != nil {
		if errors.Is(err, ErrLedgerRejected) {
			record, markErr := s.Store.MarkRejected(matchID, err.Error(), time.Now())
			if markErr != nil {
				return nil, markErr
			}

			return record, err
		}

		// An interrupted dispatch is not a verdict on the ledger: the
		// record stays pending with its attempts persisted, and the next
		// call resumes with the remaining budget.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return record, fmt.Errorf("settlement interrupted: %w", err)
		}

		return s.reconcile(matchID, err.Error())
	}

	record, err = s.Store.MarkSettled(matchID, receipt.Reference, time.Now())
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (s *DispatcherService) reconcile(matchID, reason string) (*Record, error) {
	record, err := s.Store.MarkReconciliation(matchID, reason, time.Now())
	if err != nil {
		return nil, err
	}

	return record, ErrNeedsReconciliation
}

// submit retries transient ledger failures with exponential backoff,
// persisting each failed attempt as it happens.
func (s *DispatcherService) submit(ctx context.Context, instruction Instruction, remaining int) (*Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.InitialInterval

	var receipt *Receipt

	// The attempt is persisted inside the operation, so every failed
	// submission is counted exactly once no matter how the retry loop
	// ends (exhaustion or cancellation).
	operation := func() error {
		result, err := s.Ledger.Submit(ctx, instruction)
		if err != nil {
			if errors.Is(err, ErrLedgerRejected) {
				return backoff.Permanent(err)
			}

			_, _ = s.Store.RecordAttempt(instruction.MatchID, err.Error(), time.Now())

			return err
		}

		receipt = result

		return nil
	}

	//nolint:gosec // remaining is positive and small
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(remaining-1)), ctx))
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

type settleResponse struct {
	MatchID string `json:"match_id"`
	Status  Status `json:"status"`
	Receipt string `json:"receipt,omitempty"`
}

func (s *DispatcherService) PostSettle(c echo.Context) error {
	matchID := c.Param("id")

	record, err := s.Dispatch(c.Request().Context(), matchID)

	switch {
	case errors.Is(err, match.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "match not found")
	case errors.Is(err, ErrNotReady):
		return echo.NewHTTPError(http.StatusConflict, "match is not ready for settlement")
	case errors.Is(err, ErrLedgerRejected):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "ledger rejected the settlement")
	case errors.Is(err, ErrNeedsReconciliation):
		return echo.NewHTTPError(http.StatusBadGateway, "settlement needs manual reconciliation")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "settlement failed")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, settleResponse{
		MatchID: record.MatchID,
		Status:  record.Status,
		Receipt: record.Receipt,
	})
}

// HTTPLedger submits instructions to the ledger authority over HTTP.
// A 4xx answer is a permanent rejection; anything else that is not a
// 2xx counts as transient.
type HTTPLedger struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPLedger(i do.Injector) (Ledger, error) {
	ledgerURL := do.MustInvokeNamed[string](i, "ledger-url")

	return &HTTPLedger{
		BaseURL: ledgerURL,
		Client:  &http.Client{Timeout: 10 * time.Second}, //nolint:mnd
	}, nil
}

func (l *HTTPLedger) Submit(ctx context.Context, instruction Instruction) (*Receipt, error) {
	body, err := json.Marshal(instruction)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instruction: %w", err)
	}

	url := l.BaseURL + "/settlements/" + instruction.MatchID

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", instruction.MatchID)

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:mnd

		return nil, fmt.Errorf("%w: %s: %s", ErrLedgerRejected, resp.Status, string(reason))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("ledger returned %s", resp.Status)
	}

	var receipt Receipt

	err = json.NewDecoder(resp.Body).Decode(&receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger receipt: %w", err)
	}

	return &receipt, nil
}
