package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPeerClosed is returned by ReadEvent when the peer ended the session
// deliberately with a close frame.
var ErrPeerClosed = errors.New("transport: peer closed the session")

// Conn is a framed connection. Reads must come from a single goroutine;
// writes may come from any.
type Conn struct {
	nc           net.Conn
	writeMu      sync.Mutex
	nextReqID    atomic.Uint32
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// NewConn wraps nc. A zero idleTimeout disables keepalive pings.
func NewConn(nc net.Conn, writeTimeout, idleTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{nc: nc, writeTimeout: writeTimeout, idleTimeout: idleTimeout}
}

// Send writes one event frame.
func (c *Conn) Send(event string, payload any) error {
	msg, err := NewEventMessage(c.nextReqID.Add(1), event, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Conn) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return msg.Write(c.nc)
}

func (c *Conn) control(t MessageType, reqID uint32) error {
	return c.write(NewMessage(t, reqID, nil))
}

// ReadEvent blocks until the next event frame. Ping and pong frames are
// handled here. When the connection has been idle for idleTimeout a ping
// is sent to probe the peer.
func (c *Conn) ReadEvent() (Frame, error) {
	for {
		if c.idleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		msg, err := ReadMessage(c.nc)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if err := c.control(MsgPing, c.nextReqID.Add(1)); err != nil {
					return Frame{}, err
				}
				continue
			}
			return Frame{}, err
		}

		switch msg.Header.Type {
		case MsgPing:
			if err := c.control(MsgPong, msg.Header.RequestID); err != nil {
				return Frame{}, err
			}
		case MsgPong:
		case MsgClose:
			return Frame{}, ErrPeerClosed
		case MsgEvent:
			return msg.Frame()
		}
	}
}

// CloseGracefully tells the peer the session is over, then closes.
func (c *Conn) CloseGracefully() error {
	c.control(MsgClose, 0)
	return c.nc.Close()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if a := c.nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
