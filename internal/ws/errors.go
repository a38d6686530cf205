package ws

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	ErrNotConnected = errors.New("ws: not connected")
	// ErrConnectionStopped is returned to callers waiting on a transport
	// that is not started or was stopped while they waited.
	ErrConnectionStopped = errors.New("ws: connection stopped")
	// ErrConnectTimeout is returned by WaitUntilConnected when the timeout
	// elapses first.
	ErrConnectTimeout = errors.New("ws: timed out waiting for connection")
)

// RejectedError means the remote refused our credentials. The transport
// does not retry after it.
type RejectedError struct {
	Status int           // HTTP status of the failed handshake, if any
	Code   ws.StatusCode // close code, if the remote closed an established connection
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ws: remote rejected credentials (status %d)", e.Status)
	}
	return fmt.Sprintf("ws: remote rejected credentials (close %d %s)", e.Code, e.Reason)
}

// asRejection classifies a dial or read error. It returns nil for errors
// that are worth retrying.
func asRejection(err error) *RejectedError {
	var status ws.StatusError
	if errors.As(err, &status) {
		if int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden {
			return &RejectedError{Status: int(status)}
		}
		return nil
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) && closed.Code == ws.StatusPolicyViolation {
		return &RejectedError{Code: closed.Code, Reason: closed.Reason}
	}
	return nil
}
