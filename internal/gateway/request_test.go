package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/gateway"
)

type allowAll struct{}

func (allowAll) CheckAuthorized(*http.Request) bool  { return true }
func (allowAll) ApplyCORSHeaders(http.ResponseWriter) {}

func TestRegisterEndpointDispatchesHTTPGet(t *testing.T) {
	s := gateway.New(zerolog.Nop(), allowAll{})
	s.RegisterEndpoint("/printer/info", []string{"GET"}, gateway.ProtocolBoth, func(ctx context.Context, req *gateway.Request) (any, error) {
		return map[string]string{"state": "ready"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/printer/info?foo=bar", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ready")
}

func TestRegisterEndpointRejectsDisallowedMethod(t *testing.T) {
	s := gateway.New(zerolog.Nop(), allowAll{})
	s.RegisterEndpoint("/printer/restart", []string{"POST"}, gateway.ProtocolHTTP, func(ctx context.Context, req *gateway.Request) (any, error) {
		return "ok", nil
	})

	req := httptest.NewRequest(http.MethodGet, "/printer/restart", nil)
	rr := httptest.NewRecorder()
	s.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRequestGetIntParsesValue(t *testing.T) {
	r := &gateway.Request{Args: map[string]any{"count": float64(5)}}

	n, err := r.GetInt("count")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRequestGetIntMissingUsesDefault(t *testing.T) {
	r := &gateway.Request{Args: map[string]any{}}

	n, err := r.GetInt("count", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestRequestGetStrMissingWithoutDefaultErrors(t *testing.T) {
	r := &gateway.Request{Args: map[string]any{}}
	_, err := r.GetStr("name")
	require.Error(t, err)
}
