package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/samber/do/v2"
)

// ResolverService maps a wallet-style identity to a display profile
// through an external lookup service. The lookup is read-only and best
// effort: any failure degrades to showing the raw identity.
type ResolverService struct {
	BaseURL string
	Client  *http.Client

	mu    sync.RWMutex
	cache map[string]string
}

type profile struct {
	DisplayName string `json:"display_name"`
}

func NewResolverService(i do.Injector) (*ResolverService, error) {
	profileURL := do.MustInvokeNamed[string](i, "profile-url")

	return &ResolverService{
		BaseURL: profileURL,
		Client:  &http.Client{Timeout: 2 * time.Second}, //nolint:mnd
		cache:   map[string]string{},
	}, nil
}

func (s *ResolverService) Resolve(ctx context.Context, identity string) string {
	if s.BaseURL == "" {
		return identity
	}

	s.mu.RLock()
	cached, ok := s.cache[identity]
	s.mu.RUnlock()

	if ok {
		return cached
	}

	name, err := s.lookup(ctx, identity)
	if err != nil {
		return identity
	}

	s.mu.Lock()
	if s.cache == nil {
		s.cache = map[string]string{}
	}
	s.cache[identity] = name
	s.mu.Unlock()

	return name
}

func (s *ResolverService) lookup(ctx context.Context, identity string) (string, error) {
	url := s.BaseURL + "/profiles/" + identity

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile lookup returned %s", resp.Status)
	}

	var p profile

	err = json.NewDecoder(resp.Body).Decode(&p)
	if err != nil {
		return "", fmt.Errorf("failed to decode profile: %w", err)
	}

	if p.DisplayName == "" {
		return "", fmt.Errorf("profile for %s has no display name", identity)
	}

	return p.DisplayName, nil
}
