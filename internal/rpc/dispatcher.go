package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/protocol"
)

// Handler serves one server initiated command. The returned value is sent
// back as the response payload; a returned error is sent as a failed
// response carrying the error text.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Register associates a handler with a command. Registering the same
// command twice replaces the earlier handler.
func (c *Client) Register(command string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[command] = h
	c.handlersMu.Unlock()
}

// dispatch runs the handler for msg and, when the dialect expects it,
// replies to the originating id. Unknown commands are answered with an
// error instead of being dropped.
func (c *Client) dispatch(ctx context.Context, msg protocol.Message) {
	c.logger.Debug("rpc: handling request", zap.String("id", msg.ID), zap.String("command", msg.Command))

	c.handlersMu.RLock()
	h, ok := c.handlers[msg.Command]
	c.handlersMu.RUnlock()

	var (
		result any
		err    error
	)
	if !ok {
		c.logger.Warn("rpc: no handler for request", zap.String("command", msg.Command))
		err = errors.New(protocol.ErrTextNoSuchCommand)
	} else {
		result, err = c.invoke(ctx, h, msg)
		if err != nil {
			c.logger.Error("rpc: handler failed", zap.String("command", msg.Command), zap.Error(err))
		}
	}

	if !msg.ExpectsReply {
		return
	}
	data, encErr := c.codec.EncodeResponse(msg.ID, result, err)
	if encErr != nil {
		c.logger.Error("rpc: failed to build response", zap.String("id", msg.ID), zap.Error(encErr))
		return
	}
	if err := c.conn.WaitUntilConnected(ctx, c.cfg.ReplyConnectTimeout); err != nil {
		c.logger.Warn("rpc: cannot reply, not connected", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := c.conn.Send(ctx, data); err != nil {
		c.logger.Warn("rpc: failed to send response", zap.String("id", msg.ID), zap.Error(err))
	}
}

func (c *Client) invoke(ctx context.Context, h Handler, msg protocol.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg.Payload)
}
