package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/common"
)

// SignatureService mints and verifies commitment tokens. A token is a
// keyed hash over the canonical message for one (match, identity,
// choice, secret) tuple: without the key nobody can forge a token, and
// the token alone reveals nothing about the choice.
type SignatureService struct {
	Secret []byte
}

func NewSignatureService(i do.Injector) (*SignatureService, error) {
	signatureSecret := do.MustInvokeNamed[string](i, "signature-secret")

	result := &SignatureService{
		Secret: []byte(signatureSecret),
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		signatureGroup := apiGroup.Group("/signature")

		signatureGroup.POST("/commit", result.PostCommit)
	})

	return result, nil
}

// Commitment computes the token for a tuple. The secret is the
// participant's own random nonce, not the service key.
func (s *SignatureService) Commitment(matchID, identity, choice, secret string) string {
	message := fmt.Sprintf("%s|%s|%s|%s", matchID, identity, choice, secret)

	h := hmac.New(sha256.New, s.Secret)
	h.Write([]byte(message))

	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the token for the revealed tuple and compares it
// in constant time against the stored commitment.
func (s *SignatureService) Verify(stored, matchID, identity, choice, secret string) bool {
	computed := s.Commitment(matchID, identity, choice, secret)

	return hmac.Equal([]byte(stored), []byte(computed))
}

type commitRequest struct {
	MatchID  string `json:"match_id"`
	Identity string `json:"identity"`
	Choice   string `json:"choice"`
	Secret   string `json:"secret"`
}

type commitResponse struct {
	Commitment string `json:"commitment"`
}

func (s *SignatureService) PostCommit(c echo.Context) error {
	var req commitRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.MatchID == "" || req.Identity == "" || req.Choice == "" || req.Secret == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "all fields are required")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, commitResponse{
		Commitment: s.Commitment(req.MatchID, req.Identity, req.Choice, req.Secret),
	})
}
