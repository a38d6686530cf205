// Package ws maintains long-lived websocket client connections to
// integration backends. A Transport keeps one logical connection alive
// across network failures, hides reconnect churn from callers and delivers
// inbound messages to a protocol-agnostic handler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
)

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds everything needed to reach one endpoint.
type Config struct {
	Name         string          `koanf:"-"` // label used in logs and metrics
	URL          string          `koanf:"-"` // ws(s):// or http(s):// address
	Token        string          `koanf:"-"` // sent as a bearer Authorization header when set
	DialTimeout  time.Duration   `koanf:"dial_timeout"`
	WriteTimeout time.Duration   `koanf:"write_timeout"`
	Heartbeat    HeartbeatConfig `koanf:"heartbeat"`
	Backoff      BackoffConfig   `koanf:"backoff"`
}

// DefaultConfig returns production timeouts for the given endpoint.
func DefaultConfig(name, url, token string) Config {
	return Config{
		Name:         name,
		URL:          url,
		Token:        token,
		DialTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
		Backoff:      DefaultBackoffConfig(),
	}
}

// Hooks are the owner's callbacks. All of them are optional.
type Hooks struct {
	// OnMessage receives every inbound text or binary message, in order of
	// receipt, from the read loop goroutine.
	OnMessage func(ctx context.Context, data []byte)
	// OnConnect runs in its own goroutine after every successful handshake.
	// Returning an error drops the connection.
	OnConnect func(ctx context.Context) error
	// OnRejected is called once when the remote refuses the credentials.
	OnRejected func(err error)
}

// Transport is a self-healing websocket client.
type Transport struct {
	logger *zap.Logger
	hooks  Hooks

	mu      sync.Mutex
	cfg     Config
	state   State
	started bool
	conn    *Connection
	err     error         // set once rejected
	changed chan struct{} // closed and replaced on every state change
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{} // closed by Stop, replaced by the next Start
}

func NewTransport(cfg Config, hooks Hooks, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		logger:  logger.With(zap.String("transport", cfg.Name)),
		hooks:   hooks,
		cfg:     cfg,
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the connection loop. Starting a started transport is a
// no-op.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.started = true
	t.err = nil
	t.cancel = cancel
	t.done = make(chan struct{})
	select {
	case <-t.stopped:
		t.stopped = make(chan struct{})
	default:
	}
	t.setStateLocked(StateConnecting)

	go t.run(ctx, t.cfg, t.done)
}

// Stop terminates the connection loop and closes the live connection. After
// Stop returns IsConnected is false and waiters have been released with
// ErrConnectionStopped. Stop is idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel, done, conn := t.cancel, t.done, t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.notifyLocked()
	close(t.stopped)
	t.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	t.logger.Info("ws: transport stopped")
}

// Done returns a channel closed when the transport is stopped. A later
// Start hands out a fresh channel.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Reconfigure swaps address and credentials. A running transport is
// restarted so that the next handshake uses them.
func (t *Transport) Reconfigure(url, token string) {
	t.mu.Lock()
	t.cfg.URL = url
	t.cfg.Token = token
	running := t.started
	t.mu.Unlock()

	if running {
		t.Stop()
		t.Start()
	}
}

// ---------------------------------------------------------------------------
// State queries
// ---------------------------------------------------------------------------

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// IsStarted reports whether Start was called without a matching Stop. A
// rejected transport stays started until it is stopped.
func (t *Transport) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// WaitUntilConnected blocks until the transport is connected. It fails with
// ErrConnectTimeout after timeout, with ErrConnectionStopped if the
// transport is or becomes stopped, and with a *RejectedError once the
// remote refused the credentials.
func (t *Transport) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		state, started, rejectErr, changed := t.state, t.started, t.err, t.changed
		t.mu.Unlock()

		switch {
		case !started:
			return ErrConnectionStopped
		case state == StateRejected:
			return rejectErr
		case state == StateConnected:
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return ErrConnectTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes one text message on the live connection.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteMessage(data); err != nil {
		// The read loop notices the closed connection and reconnects.
		conn.Close()
		return fmt.Errorf("ws: send: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

func (t *Transport) run(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	bo := NewBackoff(cfg.Backoff)
	for {
		err := t.connectAndServe(ctx, cfg, bo)
		if ctx.Err() != nil {
			return
		}

		if rejected := asRejection(err); rejected != nil {
			t.reject(rejected)
			return
		}

		t.setState(ctx, StateDisconnected)
		delay := bo.Next()
		metrics.TransportReconnects.WithLabelValues(cfg.Name).Inc()
		t.logger.Warn("ws: connection failed, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		t.setState(ctx, StateConnecting)
	}
}

func (t *Transport) connectAndServe(ctx context.Context, cfg Config, bo *Backoff) error {
	dialer := ws.Dialer{Timeout: cfg.DialTimeout}
	if cfg.Token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
		})
	}

	netConn, br, _, err := dialer.Dial(ctx, websocketURL(cfg.URL))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := newConnection(netConn, br, cfg.WriteTimeout)
	defer conn.Close()

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return ctx.Err()
	}
	t.conn = conn
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	bo.Reset()
	metrics.TransportConnected.WithLabelValues(cfg.Name).Set(1)
	defer metrics.TransportConnected.WithLabelValues(cfg.Name).Set(0)
	t.logger.Info("ws: connected")

	startHeartbeat(conn, cfg.Heartbeat, t.logger)

	if t.hooks.OnConnect != nil {
		go func() {
			if err := t.hooks.OnConnect(ctx); err != nil {
				if ctx.Err() == nil {
					t.logger.Error("ws: connection setup failed", zap.Error(err))
				}
				conn.Close()
			}
		}()
	}

	for {
		data, _, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				if t.started {
					t.setStateLocked(StateDisconnected)
				}
			}
			t.mu.Unlock()
			return fmt.Errorf("read: %w", err)
		}
		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(ctx, data)
		}
	}
}

func (t *Transport) reject(err *RejectedError) {
	t.mu.Lock()
	t.err = err
	t.setStateLocked(StateRejected)
	t.mu.Unlock()

	t.logger.Error("ws: credentials rejected, giving up", zap.Error(err))
	if t.hooks.OnRejected != nil {
		// The owner typically stops this transport in response, which waits
		// for the loop to exit, so it cannot run on the loop goroutine.
		go t.hooks.OnRejected(err)
	}
}

// setState changes the state unless the transport was stopped meanwhile.
func (t *Transport) setState(ctx context.Context, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() == nil && t.started {
		t.setStateLocked(s)
	}
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.notifyLocked()
}

// notifyLocked wakes every WaitUntilConnected caller.
func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// websocketURL maps http(s) schemes onto ws(s).
func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

// IsRejected reports whether err is a credential rejection.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
