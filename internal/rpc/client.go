// Package rpc correlates requests and responses exchanged over a duplex
// connection. It is independent of the wire dialect, which is supplied as a
// Codec, and of the connection, which only needs to send bytes and report
// whether it is connected or stopped.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/metrics"
	"github.com/barricade/ban-sync/internal/protocol"
	"github.com/barricade/ban-sync/internal/ws"
)

// Codec converts between wire frames and protocol messages.
type Codec interface {
	NextID() string
	EncodeRequest(id, command string, payload any) ([]byte, error)
	EncodeResponse(id string, result any, failure error) ([]byte, error)
	Decode(data []byte) (protocol.Message, error)
}

// Conn is the transport a Client talks through.
type Conn interface {
	WaitUntilConnected(ctx context.Context, timeout time.Duration) error
	Send(ctx context.Context, data []byte) error
	// Done is closed once the connection has been stopped for good.
	Done() <-chan struct{}
}

// Config holds the RPC timing parameters.
type Config struct {
	ResponseTimeout     time.Duration `koanf:"response_timeout"`      // wait before retransmitting (default: 10s)
	RetryTimeout        time.Duration `koanf:"retry_timeout"`         // wait after the retransmit (default: 5s)
	ConnectTimeout      time.Duration `koanf:"connect_timeout"`       // wait for a connection before sending (default: 2s)
	ReplyConnectTimeout time.Duration `koanf:"reply_connect_timeout"` // wait for a connection before replying to the server (default: 10s)
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout:     10 * time.Second,
		RetryTimeout:        5 * time.Second,
		ConnectTimeout:      2 * time.Second,
		ReplyConnectTimeout: 10 * time.Second,
	}
}

// Client issues requests and serves server initiated requests over one
// connection.
type Client struct {
	conn   Conn
	codec  Codec
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.Message

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

func NewClient(conn Conn, codec Codec, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:     conn,
		codec:    codec,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan protocol.Message),
		handlers: make(map[string]Handler),
	}
}

// Execute sends a request and waits for its response. If nothing arrives
// within ResponseTimeout the request is sent once more and the caller waits
// another RetryTimeout before ErrRequestTimeout is returned. Stopping the
// connection ends the wait with ws.ErrConnectionStopped. A failed response
// is returned as *CommandError.
func (c *Client) Execute(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	if err := c.conn.WaitUntilConnected(ctx, c.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", command, err)
	}

	id := c.codec.NextID()
	data, err := c.codec.EncodeRequest(id, command, payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: encode: %w", command, err)
	}

	waiter := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = waiter
	c.mu.Unlock()
	defer c.release(id)

	start := time.Now()
	if err := c.conn.Send(ctx, data); err != nil {
		metrics.RPCRequests.WithLabelValues(command, "failed").Inc()
		return nil, fmt.Errorf("rpc: %s: %w", command, err)
	}
	c.logger.Info("rpc: sent request", zap.String("id", id), zap.String("command", command))

	msg, err := c.await(ctx, waiter, c.cfg.ResponseTimeout)
	if errors.Is(err, errWaitTimeout) {
		c.logger.Warn("rpc: no response in time, retransmitting",
			zap.String("id", id), zap.String("command", command),
			zap.Duration("retry_timeout", c.cfg.RetryTimeout))
		metrics.RPCRetransmits.Inc()

		msg, err = c.retransmit(ctx, waiter, data)
		if errors.Is(err, errWaitTimeout) {
			c.logger.Error("rpc: request timed out", zap.String("id", id), zap.String("command", command))
			metrics.RPCRequests.WithLabelValues(command, "timeout").Inc()
			return nil, ErrRequestTimeout
		}
	}
	if errors.Is(err, ws.ErrConnectionStopped) {
		c.logger.Warn("rpc: connection stopped while awaiting response", zap.String("id", id), zap.String("command", command))
		metrics.RPCRequests.WithLabelValues(command, "stopped").Inc()
		return nil, ws.ErrConnectionStopped
	}
	if err != nil {
		metrics.RPCRequests.WithLabelValues(command, "cancelled").Inc()
		return nil, fmt.Errorf("rpc: %s: %w", command, err)
	}

	metrics.RPCLatency.WithLabelValues(command).Observe(time.Since(start).Seconds())
	if msg.Failed {
		metrics.RPCRequests.WithLabelValues(command, "failed").Inc()
		cmdErr := &CommandError{Command: command, Message: msg.Error, Response: msg.Payload}
		c.logger.Error("rpc: remote returned error", zap.String("id", id), zap.Error(cmdErr))
		return nil, cmdErr
	}
	metrics.RPCRequests.WithLabelValues(command, "ok").Inc()
	return msg.Payload, nil
}

// retransmit resends data and waits the retry window. A connection that
// does not come back in time counts as a timeout, one that was stopped
// does not.
func (c *Client) retransmit(ctx context.Context, waiter chan protocol.Message, data []byte) (protocol.Message, error) {
	if err := c.conn.WaitUntilConnected(ctx, c.cfg.ConnectTimeout); err != nil {
		if ctx.Err() != nil {
			return protocol.Message{}, ctx.Err()
		}
		if c.stopped() {
			return protocol.Message{}, ws.ErrConnectionStopped
		}
		c.logger.Warn("rpc: connection unavailable for retransmit", zap.Error(err))
		return protocol.Message{}, errWaitTimeout
	}
	if err := c.conn.Send(ctx, data); err != nil {
		if ctx.Err() != nil {
			return protocol.Message{}, ctx.Err()
		}
		c.logger.Warn("rpc: retransmit failed", zap.Error(err))
	}
	return c.await(ctx, waiter, c.cfg.RetryTimeout)
}

var errWaitTimeout = errors.New("wait timeout")

func (c *Client) await(ctx context.Context, waiter chan protocol.Message, timeout time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-waiter:
		return msg, nil
	case <-timer.C:
		return protocol.Message{}, errWaitTimeout
	case <-c.conn.Done():
		return protocol.Message{}, ws.ErrConnectionStopped
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.conn.Done():
		return true
	default:
		return false
	}
}

func (c *Client) release(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleMessage is the transport's inbound callback. Responses are matched
// to their waiter on the calling goroutine; requests are served on their
// own goroutine so that a slow handler never delays responses.
func (c *Client) HandleMessage(ctx context.Context, data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Error("rpc: received malformed message", zap.Error(err), zap.ByteString("data", data))
		return
	}

	if msg.IsResponse {
		c.resolve(msg)
		return
	}
	go c.dispatch(ctx, msg)
}

func (c *Client) resolve(msg protocol.Message) {
	c.mu.Lock()
	waiter, ok := c.pending[msg.ID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("rpc: discarding response that is not awaited", zap.String("id", msg.ID))
		return
	}
	select {
	case waiter <- msg:
	default:
		c.logger.Warn("rpc: discarding duplicate response", zap.String("id", msg.ID))
	}
}
