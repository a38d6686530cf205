package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/integration/crcon"
)

func registry(t *testing.T) *integration.Registry {
	t.Helper()
	r := integration.NewRegistry()
	for _, cfg := range []integration.Config{
		{ID: 2, CommunityID: 9, Enabled: false},
		{ID: 1, CommunityID: 9, Enabled: false},
	} {
		require.NoError(t, r.Add(integration.New(cfg, crcon.New(nil, nil), integration.Deps{})))
	}
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := SetupRoutes(integration.NewRegistry(), map[string]Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = SetupRoutes(integration.NewRegistry(), map[string]Check{
		"nats": func(context.Context) error { return errors.New("disconnected") },
	})
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","failed":{"nats":"disconnected"}}`, rec.Body.String())
}

func TestListIntegrations(t *testing.T) {
	rec := get(t, SetupRoutes(registry(t), nil), "/integrations")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []IntegrationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, IntegrationStatus{ID: 1, CommunityID: 9, Kind: "crcon"}, out[0])
	assert.Equal(t, int64(2), out[1].ID)
}

func TestGetIntegration(t *testing.T) {
	h := SetupRoutes(registry(t), nil)

	rec := get(t, h, "/integrations/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var s IntegrationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, int64(2), s.ID)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/integrations/5").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/integrations/x").Code)
}

func TestMetrics(t *testing.T) {
	rec := get(t, SetupRoutes(integration.NewRegistry(), nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
