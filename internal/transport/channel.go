// Package transport wraps the external best-effort broadcast provider.
// Delivery is at-most-once; the durable store is the authoritative
// fallback, so every caller treats a failed Publish as non-fatal.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/envelope"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	// ConnectTimeout bounds how long Connect may suspend its caller.
	ConnectTimeout = 30 * time.Second

	sendBufferSize     = 32
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 15 * time.Second
)

var (
	ErrConnectTimeout = errors.New("transport: connect timeout")
	ErrNotConnected   = errors.New("transport: channel not connected")
	ErrBackpressure   = errors.New("transport: send buffer full")
	ErrClosed         = errors.New("transport: channel closed")
)

// Credential is the opaque session token plus where to present it.
type Credential struct {
	Endpoint string
	Token    string
	RoomID   domain.RoomID
	UserID   domain.UserID
}

// Conn is one established connection to the provider.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// Dialer establishes provider connections. The websocket dialer is the
// production implementation; tests plug in pipes.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}

// Channel is one room's broadcast pipe with explicit connection-state
// tracking and automatic reconnect.
type Channel struct {
	dial Dialer
	log  zerolog.Logger

	connectTimeout time.Duration

	mu        sync.Mutex
	state     State
	cred      Credential
	send      chan []byte
	subs      *Subscriptions
	dispatch  map[envelope.Kind][]Handler
	connected chan struct{}
	closedCh  chan struct{}
	cancel    context.CancelFunc
	closed    bool
}

type ChannelOption func(*Channel)

// WithConnectTimeout overrides the 30s connect bound; tests shrink it.
func WithConnectTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.connectTimeout = d }
}

func NewChannel(dial Dialer, opts ...ChannelOption) *Channel {
	c := &Channel{
		dial:           dial,
		connectTimeout: ConnectTimeout,
		log:            log.With().Str("module", "transport.channel").Logger(),
		subs:           NewSubscriptions(),
		connected:      make(chan struct{}),
		closedCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the provider and suspends the caller until the channel
// is Connected or the 30-second bound elapses. On expiry partial
// resources are torn down and ErrConnectTimeout is returned. After a
// successful Connect the channel keeps itself alive, re-dialing with
// backoff whenever the connection drops, until ctx is cancelled or
// Close is called.
func (c *Channel) Connect(ctx context.Context, cred Credential) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("transport: connect in state %s", c.state)
	}
	c.cred = cred
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dial.Dial(dialCtx, cred)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if dialCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("transport: dial: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = runCancel
	c.mu.Unlock()

	c.onConnected()
	go c.run(runCtx, conn)
	return nil
}

// run owns the pump lifecycle for each connection epoch and the
// reconnect loop between epochs.
func (c *Channel) run(ctx context.Context, conn Conn) {
	for {
		c.pump(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateReconnecting)
		c.log.Warn().Str("room", string(c.cred.RoomID)).Msg("connection lost, reconnecting")

		var err error
		conn, err = c.redial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			return
		}
		c.onConnected()
	}
}

func (c *Channel) redial(ctx context.Context) (Conn, error) {
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		conn, err := c.dial.Dial(dialCtx, c.cred)
		cancel()
		if err == nil {
			return conn, nil
		}
		c.log.Warn().Err(err).Dur("next_delay", delay).Msg("redial failed")

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// onConnected flips state, rebuilds the per-connection dispatch table
// from the declarative subscription list, and wakes Connected waiters.
// The provider retains no handler state across reconnects, so the
// reapply happens on every Disconnected->Connected transition.
func (c *Channel) onConnected() {
	c.mu.Lock()
	c.state = StateConnected
	c.send = make(chan []byte, sendBufferSize)
	c.dispatch = make(map[envelope.Kind][]Handler)
	c.subs.Reapply(func(kind envelope.Kind, h Handler) {
		c.dispatch[kind] = append(c.dispatch[kind], h)
	})
	close(c.connected)
	c.mu.Unlock()

	c.log.Info().Str("room", string(c.cred.RoomID)).Msg("channel connected")
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s != StateConnected {
		// Fresh barrier for the next Connected transition.
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
}

// pump runs the read and write loops for one connection and returns
// when either side fails or the context is cancelled.
func (c *Channel) pump(ctx context.Context, conn Conn) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				c.log.Debug().Err(err).Msg("read pump exit")
				return
			}
			c.deliver(data)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-done
			return
		case <-done:
			conn.Close()
			return
		case data := <-send:
			if err := conn.WriteFrame(data); err != nil {
				c.log.Debug().Err(err).Msg("write pump exit")
				conn.Close()
				<-done
				return
			}
		}
	}
}

func (c *Channel) deliver(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		if errors.Is(err, envelope.ErrUnknownKind) {
			c.log.Debug().Str("type", string(env.Type)).Msg("unknown envelope type")
		} else {
			c.log.Warn().Err(err).Msg("bad frame")
		}
		return
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.dispatch[env.Type]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// Publish sends one envelope to the room, fire-and-forget. A transient
// failure (not connected, buffer full) is returned so the caller can
// log it, but by contract no caller aborts its flow over it.
func (c *Channel) Publish(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Subscribe registers a handler for one envelope kind. Registrations
// are declarative and survive reconnects.
func (c *Channel) Subscribe(kind envelope.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs.Add(kind, h)
	if c.state == StateConnected {
		c.dispatch[kind] = append(c.dispatch[kind], h)
	}
}

// WaitConnected blocks until the channel reaches Connected or the
// bound expires. Signaling uses this with a ~10s bound before the
// first invite send, the path most exposed to channel-not-ready races.
func (c *Channel) WaitConnected(ctx context.Context, bound time.Duration) error {
	deadline := time.After(bound)
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		barrier := c.connected
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrNotConnected
		case <-c.closedCh:
			return ErrClosed
		case <-barrier:
		}
	}
}

// Close tears the channel down and stops the reconnect loop.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	close(c.closedCh) // wakes parked WaitConnected callers
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.log.Info().Str("room", string(c.cred.RoomID)).Msg("channel closed")
}
