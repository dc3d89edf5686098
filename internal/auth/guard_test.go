package auth_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/auth"
)

func newGuard(t *testing.T, cfg auth.Config) *auth.Guard {
	t.Helper()
	cfg.APIKeyFile = filepath.Join(t.TempDir(), "api_key.txt")
	g, err := auth.New(zerolog.Nop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestCheckAuthorizedDisabledAllowsEverything(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: false})
	r := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	assert.True(t, g.CheckAuthorized(r))
}

func TestCheckAuthorizedAPIKeyHeader(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: true})

	r := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	assert.False(t, g.CheckAuthorized(r))

	r.Header.Set("X-Api-Key", g.APIKey())
	assert.True(t, g.CheckAuthorized(r))
}

func TestCheckAuthorizedOneShotTokenConsumedOnce(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: true})

	token, err := g.IssueOneShotToken()
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/server/files/foo.gcode?token="+token, nil)
	assert.True(t, g.CheckAuthorized(r))
	assert.False(t, g.CheckAuthorized(r), "a one-shot token must not be reusable")
}

func TestCheckAuthorizedTrustedIP(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: true, TrustedIPs: []string{"192.168.1.50"}})

	r := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	r.RemoteAddr = "192.168.1.50:54321"
	assert.True(t, g.CheckAuthorized(r))
}

func TestCheckAuthorizedTrustedRange(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: true, TrustedRanges: []string{"10.0.0"}})

	r := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	r.RemoteAddr = "10.0.0.77:1234"
	assert.True(t, g.CheckAuthorized(r))

	other := httptest.NewRequest(http.MethodGet, "/printer/info", nil)
	other.RemoteAddr = "10.0.1.77:1234"
	assert.False(t, g.CheckAuthorized(other))
}

func TestRotateAPIKeyChangesKey(t *testing.T) {
	g := newGuard(t, auth.Config{RequireAuth: true})
	old := g.APIKey()

	fresh, err := g.RotateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, fresh, g.APIKey())
}
