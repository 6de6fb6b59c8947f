package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/rpc"
)

// Conn is one open JSON-RPC channel to a guardian.
type Conn interface {
	// Call sends req and waits for the response with the same id.
	Call(ctx context.Context, req rpc.Request) (rpc.Response, error)
	// Done is closed once the channel is no longer usable.
	Done() <-chan struct{}
	// Close shuts the channel and reports whether the close handshake was clean.
	Close() bool
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

const (
	handshakeTimeout = 30 * time.Second
	closeGrace       = 2 * time.Second
)

// DialWebsocket is the production DialFunc.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(ws), nil
}

// wsConn multiplexes concurrent calls over one websocket by request id.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan rpc.Response
	readErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		pending: make(map[string]chan rpc.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var resp rpc.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			// Not ours to answer; a malformed frame does not poison other calls.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *wsConn) fail(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Call(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	ch := make(chan rpc.Response, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return rpc.Response{}, fmt.Errorf("%w: write: %w", domain.ErrConnectionLost, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return rpc.Response{}, fmt.Errorf("%w: %w", domain.ErrConnectionLost, c.err())
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	}
}

func (c *wsConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *wsConn) Close() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	clean := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)) == nil
	if clean {
		// Wait for the peer to echo the close frame.
		select {
		case <-c.done:
			clean = websocket.IsCloseError(c.err(), websocket.CloseNormalClosure)
		case <-time.After(closeGrace):
			clean = false
		}
	}
	c.ws.Close()
	c.fail(net.ErrClosed)
	return clean
}
