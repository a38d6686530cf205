package ws

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one established client session with a remote endpoint. All
// writes, including control frame replies produced while reading, go through
// the write mutex so that frames never interleave.
type Connection struct {
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the handshake completed
	reader       io.Reader // handshake leftovers followed by Conn
	writeTimeout time.Duration
	lastRead     atomic.Int64 // unix nanos of the last frame received
	writeMu      sync.Mutex   // serializes writes to this connection
	closeOnce    sync.Once
	done         chan struct{}
}

// newConnection wraps a freshly dialed connection. br holds any bytes the
// server sent right after the handshake response and may be nil.
func newConnection(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Connection {
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c := &Connection{
		Conn:         conn,
		CreatedAt:    time.Now(),
		reader:       r,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.lastRead.Store(c.CreatedAt.UnixNano())
	return c
}

// WriteMessage sends a masked text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.Conn, ws.OpPing, nil)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ReadMessage blocks until the next text or binary message. Pings are
// answered and close frames are acknowledged on the way; a close frame
// surfaces as wsutil.ClosedError.
func (c *Connection) ReadMessage() ([]byte, ws.OpCode, error) {
	rd := wsutil.Reader{
		Source:         c.reader,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		c.lastRead.Store(time.Now().UnixNano())

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		return data, hdr.OpCode, err
	}
}

// handleControl buffers the control reply so it can be written in one go
// under the write mutex.
func (c *Connection) handleControl(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &buf,
		State:               ws.StateClientSide,
		DisableSrcCiphering: true,
	}.Handle(h)

	if buf.Len() > 0 {
		c.writeMu.Lock()
		c.setWriteDeadline()
		_, werr := c.Conn.Write(buf.Bytes())
		c.writeMu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// LastRead returns the time the last frame arrived.
func (c *Connection) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying network connection. It is safe to call
// multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}
