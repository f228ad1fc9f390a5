package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"securechat/pkg/crypto"
)

const (
	writeWait = 10 * time.Second

	// maxFrameBytes matches the relay's default frame limit.
	maxFrameBytes = 48 << 20
)

// WSTransport connects a Client to the relay over WebSocket and keeps it
// connected, rejoining the room after every reconnect.
type WSTransport struct {
	url     string
	dialer  *websocket.Dialer
	log     zerolog.Logger
	backoff func() backoff.BackOff

	mu   sync.Mutex
	conn *websocket.Conn
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithNetDialContext routes the connection through a custom dialer, such
// as a tor.Dialer.
func WithNetDialContext(dial func(ctx context.Context, network, addr string) (net.Conn, error)) WSOption {
	return func(t *WSTransport) { t.dialer.NetDialContext = dial }
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(log zerolog.Logger) WSOption {
	return func(t *WSTransport) { t.log = log }
}

// WithBackOff sets the reconnect policy.
func WithBackOff(newBackOff func() backoff.BackOff) WSOption {
	return func(t *WSTransport) { t.backoff = newBackOff }
}

// NewWSTransport creates a transport for the relay WebSocket URL.
func NewWSTransport(url string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		log:     zerolog.Nop(),
		backoff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Send writes one frame. It fails with ErrTransport while disconnected.
func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrTransport
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.conn.Close()
		t.conn = nil
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Connected reports whether a connection is up.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Run connects, joins c's room and feeds incoming frames to c until ctx is
// done or c reports a fatal error. Dropped connections are redialled with
// backoff; the session key is kept across reconnects.
func (t *WSTransport) Run(ctx context.Context, c *Client) error {
	for {
		conn, err := t.connect(ctx)
		if err != nil {
			return err
		}

		t.setConn(conn)
		if err := c.Join(ctx); err != nil {
			t.log.Warn().Err(err).Msg("join failed")
		}
		if err := c.Flush(ctx); err != nil {
			t.log.Warn().Err(err).Int("pending", c.Pending()).Msg("flush failed")
		}

		err = t.readLoop(ctx, conn, c)
		t.clearConn(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, crypto.ErrKeyDerivation) {
			return err
		}

		t.log.Warn().Err(err).Msg("disconnected from relay")
		c.sink.System("Disconnected from server. Attempting to reconnect...")
	}
}

// Close closes the current connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.log.Warn().Err(err).Dur("retry_in", wait).Msg("relay connection failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(t.backoff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	conn.SetReadLimit(maxFrameBytes)
	t.log.Info().Str("url", t.url).Msg("connected to relay")
	return conn, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, c *Client) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if err := c.Handle(ctx, data); err != nil {
			return err
		}
	}
}

func (t *WSTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *WSTransport) clearConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}
