// Package session owns one Session value per joined room and the
// registry that maps room ids to them. There are no ambient globals:
// teardown removes the entry, cancels its timers and unsubscribes its
// channel handlers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/call"
	"github.com/avelin/parley/internal/chat"
	"github.com/avelin/parley/internal/crypto"
	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/envelope"
	"github.com/avelin/parley/internal/media"
	"github.com/avelin/parley/internal/store"
	"github.com/avelin/parley/internal/transport"
)

// Session is everything one joined room needs: key, channel,
// reconciler and call machine, plus the cancel that tears it all down.
type Session struct {
	RoomID   domain.RoomID
	Channel  *transport.Channel
	Messages *chat.Reconciler
	Calls    *call.Machine

	cancel context.CancelFunc
}

// Coordinator builds and tracks room sessions.
type Coordinator struct {
	self       domain.Participant
	keys       *crypto.KeyManager
	store      *store.Store
	tokens     transport.TokenSource
	dial       transport.Dialer
	media      media.Starter
	translator chat.Translator
	callCfg    call.Config
	poll       time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[domain.RoomID]*Session
}

type Option func(*Coordinator)

func WithMedia(m media.Starter) Option {
	return func(c *Coordinator) { c.media = m }
}

func WithTranslator(t chat.Translator) Option {
	return func(c *Coordinator) { c.translator = t }
}

func WithCallConfig(cfg call.Config) Option {
	return func(c *Coordinator) { c.callCfg = cfg }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.poll = d }
}

func NewCoordinator(self domain.Participant, keys *crypto.KeyManager, st *store.Store, tokens transport.TokenSource, dial transport.Dialer, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:     self,
		keys:     keys,
		store:    st,
		tokens:   tokens,
		dial:     dial,
		media:    media.Nop{},
		callCfg:  call.DefaultConfig(),
		poll:     chat.DefaultPollInterval,
		log:      log.With().Str("module", "session.coordinator").Logger(),
		sessions: make(map[domain.RoomID]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join derives the room key, obtains a credential, connects the
// channel, loads history and wires subscriptions. Joining a room
// twice returns the existing session.
func (c *Coordinator) Join(ctx context.Context, roomID domain.RoomID) (*Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[roomID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	key := c.keys.RoomKey(roomID)

	cred, err := c.tokens.Issue(ctx, roomID, c.self.ID)
	if err != nil {
		return nil, err
	}

	// Session lifetime outlives the Join call; only Leave ends it.
	sctx, cancel := context.WithCancel(context.Background())

	ch := transport.NewChannel(c.dial)
	if err := ch.Connect(sctx, cred); err != nil {
		cancel()
		ch.Close()
		return nil, err
	}

	recon := chat.NewReconciler(roomID, c.self, key, c.store, ch,
		chat.WithPollInterval(c.poll),
		chat.WithTranslator(c.translator),
	)
	if err := recon.LoadHistory(); err != nil {
		// Degraded entry: the reconciliation poll retries from zero.
		c.log.Warn().Err(err).Str("room", string(roomID)).Msg("history load failed")
	}

	machine := call.NewMachine(roomID, c.self, c.store, ch, c.media, c.callCfg)
	machine.Start(sctx)

	ch.Subscribe(envelope.KindChat, recon.Receive)
	for _, kind := range []envelope.Kind{
		envelope.KindCallInvite,
		envelope.KindCallAccepted,
		envelope.KindCallDeclined,
		envelope.KindCallEnded,
	} {
		ch.Subscribe(kind, machine.Receive)
	}

	recon.Start(sctx)

	s := &Session{
		RoomID:   roomID,
		Channel:  ch,
		Messages: recon,
		Calls:    machine,
		cancel:   cancel,
	}

	c.mu.Lock()
	if existing, ok := c.sessions[roomID]; ok {
		// Lost a concurrent Join race; keep the first one.
		c.mu.Unlock()
		cancel()
		machine.Close()
		ch.Close()
		return existing, nil
	}
	c.sessions[roomID] = s
	c.mu.Unlock()

	c.log.Info().Str("room", string(roomID)).Msg("joined room")
	return s, nil
}

// Get returns the live session for a room, if any.
func (c *Coordinator) Get(roomID domain.RoomID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[roomID]
	return s, ok
}

// Leave tears one room down: hang up if needed, cancel every timer and
// poll, close the channel, discard the key.
func (c *Coordinator) Leave(roomID domain.RoomID) {
	c.mu.Lock()
	s, ok := c.sessions[roomID]
	if ok {
		delete(c.sessions, roomID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.Calls.Close()
	s.cancel()
	s.Channel.Close()
	c.keys.Forget(roomID)
	c.log.Info().Str("room", string(roomID)).Msg("left room")
}

// Close leaves every room.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rooms := make([]domain.RoomID, 0, len(c.sessions))
	for id := range c.sessions {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()
	for _, id := range rooms {
		c.Leave(id)
	}
}
