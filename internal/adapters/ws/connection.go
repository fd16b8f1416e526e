// Package ws is the client side of the shared signaling socket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Telecall/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
	ErrUnauthorized = errors.New("socket handshake rejected")
	ErrLost         = errors.New("connection lost")
)

const (
	writeWait         = 5 * time.Second
	DefaultSendBuffer = 256
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a WSConn. The gorilla dialer is the production implementation.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (WSConn, *http.Response, error)
}

type gorillaDialer struct {
	d *websocket.Dialer
}

func NewDialer(handshakeTimeout time.Duration) Dialer {
	return &gorillaDialer{d: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (g *gorillaDialer) DialContext(ctx context.Context, u string, header http.Header) (WSConn, *http.Response, error) {
	c, resp, err := g.d.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, resp, errors.Join(ErrUnauthorized, err)
		}
		return nil, resp, err
	}
	return c, resp, nil
}

// SocketURL appends the bearer token as the token query parameter.
func SocketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connection owns one dialed socket. It implements core.SignalConnection.
type Connection struct {
	conn WSConn
	send chan core.Frame

	mu      sync.RWMutex
	closed  bool
	local   bool
	running bool
}

func NewConnection(conn WSConn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		conn: conn,
		send: make(chan core.Frame, buffer),
	}
}

func (c *Connection) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops accepting frames on behalf of the owner. A running writer
// flushes the queued frames and a close frame before closing the socket;
// Run then returns nil. Safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.local = true
	close(c.send)
	if !c.running {
		_ = c.conn.Close()
	}
}

// release closes the socket at once, dropping anything still queued.
func (c *Connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	_ = c.conn.Close()
}

// Run pumps frames in both directions until the socket dies or ctx ends.
// Every inbound frame is handed to onFrame on the read goroutine, in order.
// It returns nil after Close, ctx.Err() when ctx ended, and the cause otherwise.
func (c *Connection) Run(parent context.Context, onFrame func([]byte), pingPeriod time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	var readErr error
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.writePump(ctx, pingPeriod)
	})
	wg.Go(func() {
		defer cancel()
		readErr = c.readPump(onFrame, pingPeriod)
	})
	<-ctx.Done()
	c.release()
	wg.Wait()

	c.mu.RLock()
	local := c.local
	c.mu.RUnlock()
	switch {
	case local:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	case readErr != nil:
		return readErr
	default:
		return ErrLost
	}
}

func (c *Connection) writePump(ctx context.Context, pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.conn.Close()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		case <-tick:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "ws").Msg("ping failed")
				return
			}
		}
	}
}

func (c *Connection) readPump(onFrame func([]byte), pingPeriod time.Duration) error {
	if pingPeriod > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * pingPeriod))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(2 * pingPeriod))
		})
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		onFrame(data)
	}
}
