package transport

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-memory Channel pair. Emit delivers to the
// peer's handlers synchronously on the caller's goroutine, after the
// payload has been round-tripped through JSON like a real frame.
type PipeEnd struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	peer      *PipeEnd
	ls        listeners
}

// Pipe returns two connected-on-demand ends wired to each other.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.peer, b.peer = b, a
	return a, b
}

// Connect marks the end connected and dispatches the connect event.
func (p *PipeEnd) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	p.mu.Unlock()

	p.ls.dispatch(EventConnect, nil)
	return nil
}

// Disconnect marks the end disconnected and dispatches the disconnect
// event locally.
func (p *PipeEnd) Disconnect() error {
	return p.drop(ReasonClientDisconnect)
}

// Drop simulates a transport failure on this end.
func (p *PipeEnd) Drop() {
	p.drop(ReasonTransportClose)
}

func (p *PipeEnd) drop(reason string) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.mu.Unlock()

	p.ls.dispatchValue(EventDisconnect, DisconnectInfo{Reason: reason})
	return nil
}

// Close disconnects and refuses further connects.
func (p *PipeEnd) Close() error {
	err := p.Disconnect()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

// Emit sends event to the peer. Frames sent while the peer is disconnected
// are lost, as they would be on a real socket.
func (p *PipeEnd) Emit(event string, payload any) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	msg, err := NewEventMessage(0, event, payload)
	if err != nil {
		return err
	}
	f, err := msg.Frame()
	if err != nil {
		return err
	}
	if p.peer.Connected() {
		p.peer.ls.dispatch(f.Event, f.Payload)
	}
	return nil
}

func (p *PipeEnd) On(event string, h Handler) ListenerID { return p.ls.on(event, h) }
func (p *PipeEnd) Off(event string, id ListenerID)       { p.ls.off(event, id) }
func (p *PipeEnd) OffAll(event string)                   { p.ls.offAll(event) }

// Listeners returns the number of handlers registered for event.
func (p *PipeEnd) Listeners(event string) int { return p.ls.count(event) }

// Connected reports whether this end is connected.
func (p *PipeEnd) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
