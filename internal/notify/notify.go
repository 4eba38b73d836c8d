// Package notify shows desktop notifications to the student: server
// warnings, time warnings, and the termination notice.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyCall = busName + ".Notify"
)

// Urgency follows the freedesktop hint values.
type Urgency byte

const (
	UrgencyLow      Urgency = 0
	UrgencyNormal   Urgency = 1
	UrgencyCritical Urgency = 2
)

// Notification is one message.
type Notification struct {
	Summary string
	Body    string
	Urgency Urgency
	// Timeout of zero lets the server decide; critical notices usually stay
	// until dismissed.
	Timeout time.Duration
	// Replace reuses the previous bubble instead of stacking a new one.
	Replace bool
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notify: closed")

// caller is the part of dbus.BusObject the notifier uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// DBus sends notifications over the session bus.
type DBus struct {
	app    string
	icon   string
	obj    caller
	conn   *dbus.Conn
	logger *slog.Logger

	mu     sync.Mutex
	lastID uint32
	closed bool
}

// NewDBus connects to the session bus.
func NewDBus(app string, logger *slog.Logger) (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	d := newDBus(app, conn.Object(busName, objectPath), logger)
	d.conn = conn
	return d, nil
}

func newDBus(app string, obj caller, logger *slog.Logger) *DBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBus{
		app:    app,
		icon:   "dialog-warning",
		obj:    obj,
		logger: logger.With("component", "notify"),
	}
}

// Notify implements Notifier.
func (d *DBus) Notify(ctx context.Context, n Notification) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	var replaces uint32
	if n.Replace {
		replaces = d.lastID
	}
	d.mu.Unlock()

	timeout := int32(-1)
	if n.Timeout > 0 {
		timeout = int32(n.Timeout / time.Millisecond)
	}

	call := d.obj.CallWithContext(ctx, notifyCall, 0,
		d.app,
		replaces,
		d.icon,
		n.Summary,
		n.Body,
		[]string{},
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(n.Urgency))},
		timeout,
	)
	if call.Err != nil {
		return fmt.Errorf("send notification: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		d.logger.Debug("notification id not returned", "error", err)
		return nil
	}
	d.mu.Lock()
	d.lastID = id
	d.mu.Unlock()
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Log writes notifications to the log. It is used when no session bus is
// available, e.g. on a headless test machine.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Urgency == UrgencyCritical {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification", "summary", n.Summary, "body", n.Body)
	return nil
}

// Close implements Notifier.
func (l *Log) Close() error { return nil }

// New returns a D-Bus notifier when enabled and a session bus is
// reachable, and a log notifier otherwise.
func New(enabled bool, app string, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if !enabled {
		return NewLog(logger)
	}
	d, err := NewDBus(app, logger)
	if err != nil {
		logger.Warn("desktop notifications unavailable, logging instead", "error", err)
		return NewLog(logger)
	}
	return d
}
