package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 5 * time.Millisecond
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "100", r.URL.Query().Get("page[size]"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"list"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testConfig(), nil).WithToken("secret")
	var out struct{ Name string }
	err := c.Get(context.Background(), "/ban-lists", url.Values{"page[size]": {"100"}}, &out)
	require.NoError(t, err)
	require.Equal(t, "list", out.Name)
	require.Equal(t, int32(2), calls.Load())
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "1", body["player_id"])
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := New(srv.URL, testConfig(), nil)
	err := c.Post(context.Background(), "bans", map[string]string{"player_id": "1"}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.StatusCode)
	require.Equal(t, "upstream down", se.Body)
	require.True(t, IsStatus(err, http.StatusBadGateway))
	require.Equal(t, int32(1), calls.Load())
}

func TestGetReturnsStatusErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL, testConfig(), nil).Get(context.Background(), "missing", nil, nil)
	require.True(t, IsStatus(err, http.StatusNotFound))
}

func TestAbsoluteURLBypassesBase(t *testing.T) {
	var hit atomic.Bool
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		require.Equal(t, "/oauth/introspect", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer other.Close()

	c := New("http://127.0.0.1:1", testConfig(), nil)
	require.NoError(t, c.Post(context.Background(), other.URL+"/oauth/introspect", map[string]string{"token": "t"}, nil))
	require.True(t, hit.Load())
}

func TestRateLimiterHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(srv.URL, cfg, nil)
	require.NoError(t, c.Delete(context.Background(), "bans/1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.Delete(ctx, "bans/2"))
}
