package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

func fastConfig(url string) Config {
	cfg := DefaultConfig("test", url, "secret")
	cfg.DialTimeout = time.Second
	cfg.Backoff = BackoffConfig{
		Jitter:     5 * time.Millisecond,
		Floor:      10 * time.Millisecond,
		Ceiling:    50 * time.Millisecond,
		Multiplier: 1.618,
	}
	return cfg
}

// testServer upgrades every request and hands the connection to serve.
func testServer(t *testing.T, serve func(r *http.Request, conn net.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			serve(r, conn)
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func echo(_ *http.Request, conn net.Conn) {
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if err := wsutil.WriteServerMessage(conn, op, msg); err != nil {
			return
		}
	}
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "ws://" + addr
}

func TestTransportSendAndReceive(t *testing.T) {
	srv := testServer(t, echo)

	received := make(chan string, 1)
	tr := NewTransport(fastConfig(srv.URL), Hooks{
		OnMessage: func(_ context.Context, data []byte) { received <- string(data) },
	}, nil)
	tr.Start()
	defer tr.Stop()

	ctx := context.Background()
	require.NoError(t, tr.WaitUntilConnected(ctx, 2*time.Second))
	require.True(t, tr.IsConnected())
	require.NoError(t, tr.Send(ctx, []byte(`{"hello":"world"}`)))

	select {
	case msg := <-received:
		require.Equal(t, `{"hello":"world"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestTransportSendsBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	srv := testServer(t, func(r *http.Request, conn net.Conn) {
		auth <- r.Header.Get("Authorization")
		echo(r, conn)
	})

	tr := NewTransport(fastConfig(srv.URL), Hooks{}, nil)
	tr.Start()
	defer tr.Stop()

	select {
	case got := <-auth:
		require.Equal(t, "Bearer secret", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a handshake")
	}
}

func TestTransportRejectedOnForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rejected := make(chan error, 1)
	tr := NewTransport(fastConfig(srv.URL), Hooks{
		OnRejected: func(err error) { rejected <- err },
	}, nil)
	tr.Start()
	defer tr.Stop()

	err := tr.WaitUntilConnected(context.Background(), 2*time.Second)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, http.StatusForbidden, rej.Status)
	require.Equal(t, StateRejected, tr.State())
	require.True(t, tr.IsStarted())

	select {
	case err := <-rejected:
		require.True(t, IsRejected(err))
	case <-time.After(2 * time.Second):
		t.Fatal("OnRejected not called")
	}
}

func TestTransportRejectedOnPolicyViolationClose(t *testing.T) {
	srv := testServer(t, func(_ *http.Request, conn net.Conn) {
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "invalid token")
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, body)
		time.Sleep(100 * time.Millisecond)
	})

	tr := NewTransport(fastConfig(srv.URL), Hooks{}, nil)
	tr.Start()
	defer tr.Stop()

	require.Eventually(t, func() bool { return tr.State() == StateRejected }, 2*time.Second, 10*time.Millisecond)
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	srv := testServer(t, func(r *http.Request, conn net.Conn) {
		if connections.Add(1) == 1 {
			return // drop the first connection right away
		}
		echo(r, conn)
	})

	var setups atomic.Int32
	tr := NewTransport(fastConfig(srv.URL), Hooks{
		OnConnect: func(context.Context) error {
			setups.Add(1)
			return nil
		},
	}, nil)
	tr.Start()
	defer tr.Stop()

	require.Eventually(t, func() bool {
		return connections.Load() >= 2 && tr.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return setups.Load() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestTransportWaitTimesOut(t *testing.T) {
	tr := NewTransport(fastConfig(unreachableURL(t)), Hooks{}, nil)
	tr.Start()
	defer tr.Stop()

	start := time.Now()
	err := tr.WaitUntilConnected(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestTransportStopReleasesWaiters(t *testing.T) {
	tr := NewTransport(fastConfig(unreachableURL(t)), Hooks{}, nil)
	tr.Start()

	errc := make(chan error, 1)
	go func() { errc <- tr.WaitUntilConnected(context.Background(), 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	tr.Stop()
	tr.Stop()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrConnectionStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Stop")
	}
	require.False(t, tr.IsConnected())
	require.False(t, tr.IsStarted())
}

func TestTransportDoneClosedByStop(t *testing.T) {
	tr := NewTransport(fastConfig(unreachableURL(t)), Hooks{}, nil)
	tr.Start()
	done := tr.Done()

	select {
	case <-done:
		t.Fatal("done closed while running")
	default:
	}

	tr.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed by Stop")
	}

	tr.Start()
	defer tr.Stop()
	select {
	case <-tr.Done():
		t.Fatal("restarted transport reports stopped")
	default:
	}
}

func TestTransportStopMakesDisconnectedImmediately(t *testing.T) {
	srv := testServer(t, echo)
	tr := NewTransport(fastConfig(srv.URL), Hooks{}, nil)
	tr.Start()
	require.NoError(t, tr.WaitUntilConnected(context.Background(), 2*time.Second))

	tr.Stop()
	require.False(t, tr.IsConnected())
	require.ErrorIs(t, tr.Send(context.Background(), []byte("x")), ErrNotConnected)
	require.ErrorIs(t, tr.WaitUntilConnected(context.Background(), time.Second), ErrConnectionStopped)
}

func TestTransportSendWithoutConnection(t *testing.T) {
	tr := NewTransport(fastConfig(unreachableURL(t)), Hooks{}, nil)
	err := tr.Send(context.Background(), []byte("x"))
	require.True(t, errors.Is(err, ErrNotConnected))
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "wss://example.com/ws", websocketURL("https://example.com/ws"))
	require.Equal(t, "ws://example.com", websocketURL("http://example.com"))
	require.Equal(t, "wss://ws.battlemetrics.com", websocketURL("wss://ws.battlemetrics.com"))
}
