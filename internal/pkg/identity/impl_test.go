package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vreid/janken/internal/pkg/identity"
)

func TestResolveWithoutService(t *testing.T) {
	t.Parallel()

	s := &identity.ResolverService{}

	assert.Equal(t, "0xabc", s.Resolve(t.Context(), "0xabc"))
}

func TestResolveProfile(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/profiles/0xabc" {
			_, _ = w.Write([]byte(`{"display_name": "Alice"}`))

			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := &identity.ResolverService{
		BaseURL: server.URL,
		Client:  server.Client(),
	}

	assert.Equal(t, "Alice", s.Resolve(t.Context(), "0xabc"))
	assert.Equal(t, "0xdef", s.Resolve(t.Context(), "0xdef"))
}

func TestResolveDegradesOnFailure(t *testing.T) {
	t.Parallel()

	s := &identity.ResolverService{
		BaseURL: "http://127.0.0.1:1",
		Client:  &http.Client{Timeout: 100 * time.Millisecond},
	}

	assert.Equal(t, "0xabc", s.Resolve(t.Context(), "0xabc"))
}
