package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ClientConfig configures the socket client.
type ClientConfig struct {
	Network              string // "tcp" or "unix"
	Address              string
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// DefaultClientConfig returns the defaults for a TCP relay address.
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Network:              "tcp",
		Address:              address,
		DialTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          60 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Backoff returns the wait before reconnect attempt n (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Client is a Channel over a stream socket.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	ls     listeners

	mu        sync.Mutex
	conn      *Conn
	stopped   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	connected    atomic.Bool
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

var _ Channel = (*Client)(nil)

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	logger = logger.With("component", "transport", "address", cfg.Address)
	c := &Client{cfg: cfg, logger: logger}
	c.ls.logger = logger
	return c
}

// Connect dials the relay. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	if c.runCtx == nil || c.runCtx.Err() != nil {
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", c.cfg.Network, c.cfg.Address, err)
	}
	conn := NewConn(nc, c.cfg.WriteTimeout, c.cfg.IdleTimeout)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		nc.Close()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		nc.Close()
		return nil
	}
	c.conn = conn
	c.connected.Store(true)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected")
	c.ls.dispatch(EventConnect, nil)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection and suppresses reconnects. It is safe to
// call from an event handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.stopped = true
	cancel := c.runCancel
	c.connected.Store(false)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.logger.Info("disconnected", "reason", ReasonClientDisconnect)
	c.ls.dispatchValue(EventDisconnect, DisconnectInfo{Reason: ReasonClientDisconnect})
	return err
}

// Close disconnects and waits for the reader goroutine to exit. It must not
// be called from an event handler.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.wg.Wait()
	return err
}

// Emit sends one event frame.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) On(event string, h Handler) ListenerID { return c.ls.on(event, h) }
func (c *Client) Off(event string, id ListenerID)       { c.ls.off(event, id) }
func (c *Client) OffAll(event string)                   { c.ls.offAll(event) }

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) readLoop(conn *Conn) {
	defer c.wg.Done()

	for {
		f, err := conn.ReadEvent()
		if err != nil {
			c.lost(conn, err)
			return
		}
		c.ls.dispatch(f.Event, f.Payload)
	}
}

// lost tears down conn after a read failure. Failures on a connection that
// has already been replaced or closed by Disconnect are ignored.
func (c *Client) lost(conn *Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Store(false)
	stopped := c.stopped
	runCtx := c.runCtx
	c.mu.Unlock()

	conn.Close()

	reason := ReasonTransportClose
	if errors.Is(cause, ErrPeerClosed) {
		reason = ReasonServerDisconnect
	}
	c.logger.Warn("connection lost", "reason", reason, "error", cause)
	c.ls.dispatchValue(EventDisconnect, DisconnectInfo{Reason: reason})

	if reason == ReasonTransportClose && c.cfg.AutoReconnect && !stopped {
		go c.reconnect(runCtx)
	}
}

// reconnect retries with exponential backoff until it succeeds, the
// attempts run out, or the client is disconnected.
func (c *Client) reconnect(ctx context.Context) {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		wait := Backoff(c.cfg.ReconnectDelay, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		err := c.dial(ctx)
		if err == nil {
			c.logger.Info("reconnected", "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "next_wait", Backoff(c.cfg.ReconnectDelay, attempt+1), "error", err)
	}
	c.logger.Error("giving up on reconnect", "attempts", c.cfg.MaxReconnectAttempts)
}
