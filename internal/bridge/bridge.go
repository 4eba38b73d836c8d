// Package bridge is the local socket the kiosk browser talks to. Each line
// in either direction is one JSON object: requests carry an "op", replies
// echo the request "id", and pushed notices carry an "event".
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"proctord/internal/transport"
	"proctord/internal/wire"
)

// Op names a bridge request.
type Op string

const (
	OpViolation Op = "violation"
	OpActivity  Op = "activity"
	OpCode      Op = "code"
	OpSave      Op = "save"
	OpComplete  Op = "complete"
	OpLogin     Op = "login"
	OpState     Op = "state"
)

var (
	ErrUnknownOp    = errors.New("bridge: unknown op")
	ErrMissingField = errors.New("bridge: missing field")
	ErrClosed       = errors.New("bridge: closed")
)

const (
	defaultMaxLine   = 1 << 20
	defaultIdle      = 5 * time.Minute
	defaultWriteWait = 5 * time.Second
)

// Request is one line from the kiosk.
type Request struct {
	ID       string               `json:"id,omitempty"`
	Op       Op                   `json:"op"`
	Kind     string               `json:"kind,omitempty"`
	Data     map[string]any       `json:"data,omitempty"`
	Code     *string              `json:"code,omitempty"`
	Filename string               `json:"filename,omitempty"`
	Name     string               `json:"name,omitempty"`
	Class    string               `json:"class,omitempty"`
	State    *wire.HeartbeatState `json:"state,omitempty"`
}

// Validate checks that the fields the op needs are present.
func (r Request) Validate() error {
	switch r.Op {
	case OpViolation:
		if r.Kind == "" {
			return fmt.Errorf("%w: kind", ErrMissingField)
		}
	case OpCode, OpSave:
		if r.Code == nil {
			return fmt.Errorf("%w: code", ErrMissingField)
		}
	case OpLogin:
		if r.Name == "" || r.Class == "" {
			return fmt.Errorf("%w: name and class", ErrMissingField)
		}
	case OpState:
		if r.State == nil {
			return fmt.Errorf("%w: state", ErrMissingField)
		}
	case OpActivity, OpComplete:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, r.Op)
	}
	return nil
}

// Response answers a request.
type Response struct {
	ID     string `json:"id,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Notice is pushed to every connected kiosk.
type Notice struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Handler executes validated requests.
type Handler interface {
	HandleBridge(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

func (f HandlerFunc) HandleBridge(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

type client struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex
	enc     *json.Encoder
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return c.enc.Encode(v)
}

// Server accepts kiosk connections on a unix socket.
type Server struct {
	path      string
	handler   Handler
	logger    *slog.Logger
	checkPeer bool
	maxLine   int
	idle      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	clients map[uint64]*client
	nextID  uint64
	closed  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithPeerCheck rejects connections from other users when enabled.
func WithPeerCheck(on bool) Option { return func(s *Server) { s.checkPeer = on } }

// WithMaxLine bounds the size of a request line.
func WithMaxLine(n int) Option { return func(s *Server) { s.maxLine = n } }

// WithIdleTimeout closes connections that stay silent this long.
func WithIdleTimeout(d time.Duration) Option { return func(s *Server) { s.idle = d } }

// New creates a bridge server for the socket at path.
func New(path string, h Handler, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		path:      path,
		handler:   h,
		logger:    slog.Default(),
		checkPeer: true,
		maxLine:   defaultMaxLine,
		idle:      defaultIdle,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[uint64]*client),
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxLine <= 0 {
		s.maxLine = defaultMaxLine
	}
	s.logger = s.logger.With("component", "bridge")
	return s
}

// Start opens the socket and begins accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ln != nil {
		return nil
	}
	ln, err := transport.Listen("unix", s.path, 0600)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("bridge listening", "path", s.path)
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Clients returns the number of connected kiosks.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.checkPeer {
			if err := verifyPeer(conn); err != nil {
				s.logger.Warn("rejected bridge peer", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.nextID++
		c := &client{id: s.nextID, conn: conn, enc: json.NewEncoder(conn)}
		s.clients[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
	}()

	// The scanner accepts tokens up to the larger of the buffer capacity
	// and the max, so the buffer must not start above maxLine.
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, min(64*1024, s.maxLine)), s.maxLine)
	for {
		if s.idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("bridge connection closed", "client", c.id, "error", err)
			}
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := c.send(s.dispatch(line)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: "malformed request: " + err.Error()}
	}
	if err := req.Validate(); err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	result, err := s.handler.HandleBridge(s.ctx, req)
	if err != nil {
		s.logger.Debug("bridge request failed", "op", req.Op, "error", err)
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

// Broadcast pushes a notice to every connected kiosk. Kiosks that cannot
// be written to are dropped.
func (s *Server) Broadcast(event string, payload any) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	n := Notice{Event: event, Payload: payload}
	for _, c := range targets {
		if err := c.send(n); err != nil {
			s.logger.Debug("bridge push failed", "client", c.id, "error", err)
			c.conn.Close()
		}
	}
}

// Close stops accepting, disconnects kiosks and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	ln := s.ln
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if rmErr := transport.CleanupSocket(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
