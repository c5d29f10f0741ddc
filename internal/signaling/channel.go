// Package signaling turns a raw duplex message socket into a typed
// publish/subscribe and request/response surface. Inbound messages are
// multiplexed by their type tag to registered listeners and one-shot
// waiters; correlation is by message type alone, there is no request id.
package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkaryakin/confa/internal/protocol"
)

// ErrChannelNotOpen is returned by Send when the socket is not open. It is
// a synchronous precondition check, never a queued retry.
var ErrChannelNotOpen = errors.New("signaling channel not open")

// Conn is the raw socket. *gorilla/websocket.Conn satisfies it through the
// wsConn adapter in dial.go; tests script their own.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc establishes the underlying socket.
type DialFunc func(ctx context.Context) (Conn, error)

// EventType tags channel lifecycle events, exposed independently of
// message-type listeners.
type EventType string

const (
	EventOpen  EventType = "open"
	EventClose EventType = "close"
	EventError EventType = "error"
)

type Event struct {
	Type EventType
	Err  error
}

type listener struct {
	fn   func(protocol.Message)
	once bool
}

// Channel is the message correlation channel. One goroutine reads the
// socket; listeners for a tag are invoked synchronously in insertion order.
type Channel struct {
	dial DialFunc

	mu        sync.Mutex
	conn      Conn
	open      bool
	closed    bool
	openCh    chan struct{}
	listeners map[protocol.MessageType][]*listener
	lifecycle []func(Event)

	wmu sync.Mutex // serializes writes
}

func NewChannel(dial DialFunc) *Channel {
	return &Channel{
		dial:      dial,
		openCh:    make(chan struct{}),
		listeners: make(map[protocol.MessageType][]*listener),
	}
}

// Start connects the socket and begins reading. It returns once the dial
// attempt finished; the read loop runs until the socket closes.
func (c *Channel) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.emitLifecycle(Event{Type: EventError, Err: err})
		c.markClosed()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("channel already closed")
	}
	c.conn = conn
	c.open = true
	close(c.openCh)
	c.mu.Unlock()

	c.emitLifecycle(Event{Type: EventOpen})
	log.Info().Str("module", "signaling").Msg("channel open")

	go c.readLoop()
	return nil
}

// WaitForOpen suspends until the socket reaches the open state; it resolves
// immediately if already open.
func (c *Channel) WaitForOpen(ctx context.Context) error {
	select {
	case <-c.openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send serializes and transmits. It fails with ErrChannelNotOpen when the
// socket is not in the open state.
func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	open, conn := c.open, c.conn
	c.mu.Unlock()
	if !open {
		return ErrChannelNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return err
	}
	log.Debug().Str("module", "signaling").Str("type", string(msg.Type)).Msg("message sent")
	return nil
}

// On registers a listener for the given message type and returns its
// unsubscribe function.
func (c *Channel) On(t protocol.MessageType, fn func(protocol.Message)) func() {
	l := &listener{fn: fn}
	c.mu.Lock()
	c.listeners[t] = append(c.listeners[t], l)
	c.mu.Unlock()
	return func() { c.off(t, l) }
}

// WaitForMessage registers a one-shot listener for the type and suspends
// until exactly one message of that type arrives. With several concurrent
// waiters for the same type, the first to have registered gets the first
// arriving message; there is no request/response identifier.
func (c *Channel) WaitForMessage(ctx context.Context, t protocol.MessageType) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	l := &listener{fn: func(m protocol.Message) { ch <- m }, once: true}

	c.mu.Lock()
	c.listeners[t] = append(c.listeners[t], l)
	c.mu.Unlock()

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		c.off(t, l)
		return protocol.Message{}, ctx.Err()
	}
}

// OnLifecycle registers a listener for open/close/error events.
func (c *Channel) OnLifecycle(fn func(Event)) {
	c.mu.Lock()
	c.lifecycle = append(c.lifecycle, fn)
	c.mu.Unlock()
}

// Close shuts the socket down. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		return // readLoop observes the closure and emits the event
	}
	c.markClosed()
	c.emitLifecycle(Event{Type: EventClose})
}

func (c *Channel) readLoop() {
	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signaling").Msg("channel closed")
			c.markClosed()
			c.emitLifecycle(Event{Type: EventClose})
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signaling").Msg("bad inbound payload")
			continue
		}
		if msg.Type == "" {
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch fans msg out to the listeners registered for its tag, in
// insertion order, each invoked synchronously in turn. Exactly one one-shot
// waiter is consumed per message: the first registered. Later waiters stay
// queued for the next message of the same type, so concurrent waiters
// resolve in arrival order.
func (c *Channel) dispatch(msg protocol.Message) {
	c.mu.Lock()
	regs := c.listeners[msg.Type]
	targets := make([]*listener, 0, len(regs))
	kept := make([]*listener, 0, len(regs))
	onceTaken := false
	for _, l := range regs {
		if l.once {
			if onceTaken {
				kept = append(kept, l)
				continue
			}
			onceTaken = true
			targets = append(targets, l)
			continue
		}
		targets = append(targets, l)
		kept = append(kept, l)
	}
	c.listeners[msg.Type] = kept
	c.mu.Unlock()

	for _, l := range targets {
		l.fn(msg)
	}
}

func (c *Channel) off(t protocol.MessageType, target *listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := c.listeners[t]
	for i, l := range regs {
		if l == target {
			c.listeners[t] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.open = false
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) emitLifecycle(e Event) {
	c.mu.Lock()
	fns := make([]func(Event), len(c.lifecycle))
	copy(fns, c.lifecycle)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
