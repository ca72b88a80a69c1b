// Package call drives the signaling lifecycle of voice/video calls on
// top of the broadcast channel. One machine exists per room session;
// every transition goes through an explicit (state, event) table and a
// single dispatcher, so the protocol is testable without a network.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/envelope"
	"github.com/avelin/parley/internal/media"
	"github.com/avelin/parley/internal/retry"
)

const (
	// DefaultRingTimeout converts an unanswered outbound call into a
	// missed one.
	DefaultRingTimeout = 60 * time.Second
	// DefaultConnectWait bounds how long an invite send waits for the
	// channel right after room entry.
	DefaultConnectWait = 10 * time.Second
)

var (
	ErrCallActive   = errors.New("call: a call is already active")
	ErrNoActiveCall = errors.New("call: no active call")
)

// CallStore is the durable side of the machine. The record it writes
// is authoritative; signaling sends are best-effort on top.
type CallStore interface {
	InsertCallRecord(domain.CallRecord) error
	UpdateCallStatus(callID string, status domain.CallStatus, durationSeconds int) error
}

// Channel is the outbound slice of the transport the machine uses.
type Channel interface {
	Publish(*envelope.Envelope) error
	WaitConnected(ctx context.Context, bound time.Duration) error
}

type Config struct {
	RingTimeout  time.Duration
	ConnectWait  time.Duration
	InvitePolicy retry.Policy
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:  DefaultRingTimeout,
		ConnectWait:  DefaultConnectWait,
		InvitePolicy: retry.InvitePolicy,
	}
}

// Machine is the per-room call signaling state machine. Inbound
// envelopes and local actions serialize through its mutex; there is
// exactly one active CallSession slot.
type Machine struct {
	roomID domain.RoomID
	self   domain.Participant
	store  CallStore
	ch     Channel
	media  media.Starter
	cfg    Config
	log    zerolog.Logger

	// OnState, when set before Start, observes every transition.
	OnState func(domain.CallState, *domain.CallSession)

	mu        sync.Mutex
	state     domain.CallState
	session   *domain.CallSession
	ringTimer *time.Timer
	ringEpoch int
	mediaConn media.Connection

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMachine(roomID domain.RoomID, self domain.Participant, cs CallStore, ch Channel, m media.Starter, cfg Config) *Machine {
	if m == nil {
		m = media.Nop{}
	}
	return &Machine{
		roomID: roomID,
		self:   self,
		store:  cs,
		ch:     ch,
		media:  m,
		cfg:    cfg,
		state:  domain.CallIdle,
		// Replaced by Start; keeps async publishes safe if a caller
		// initiates before arming the machine.
		ctx: context.Background(),
		log: log.With().Str("module", "call.machine").Str("room", string(roomID)).Logger(),
	}
}

// Start arms the machine. The context bounds every async publish and
// timer; cancelling it (room teardown) stops them all.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
}

// Close cancels timers and pending publishes. A connected call is hung
// up first so the record lands in a terminal state.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.state == domain.CallConnected || m.state == domain.CallRingingOutbound {
		m.dispatchLocked(evHangupLocal, nil)
	}
	m.stopRingTimerLocked()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns the current state and a copy of the active session.
func (m *Machine) State() (domain.CallState, *domain.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return m.state, nil
	}
	sess := *m.session
	return m.state, &sess
}

// Initiate starts an outbound call: record first, then redundant
// invite publishes, then the ring timer.
func (m *Machine) Initiate(callType domain.CallType) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallIdle {
		return nil, ErrCallActive
	}

	m.session = &domain.CallSession{
		CallID:      uuid.NewString(),
		RoomID:      m.roomID,
		InitiatorID: m.self.ID,
		Type:        callType,
		State:       domain.CallRingingOutbound,
		StartedAt:   time.Now(),
	}
	if err := m.dispatchLocked(evInitiate, nil); err != nil {
		m.session = nil
		return nil, err
	}
	sess := *m.session
	return &sess, nil
}

// Accept answers the ringing inbound call.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallRingingInbound {
		return ErrNoActiveCall
	}
	return m.dispatchLocked(evAcceptLocal, nil)
}

// Decline rejects the ringing inbound call.
func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallRingingInbound {
		return ErrNoActiveCall
	}
	return m.dispatchLocked(evDeclineLocal, nil)
}

// Hangup ends the call, whether still ringing outbound or connected.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallConnected && m.state != domain.CallRingingOutbound {
		return ErrNoActiveCall
	}
	return m.dispatchLocked(evHangupLocal, nil)
}

// Receive handles one inbound signaling envelope. A participant never
// processes its own broadcast; duplicate invite copies and envelopes
// for a different callId are dropped here, before the table.
func (m *Machine) Receive(env *envelope.Envelope) {
	if env == nil || !env.Signaling() || env.SenderID == m.self.ID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ev Event
	switch env.Type {
	case envelope.KindCallInvite:
		ev = evInviteRecv
		if m.state != domain.CallIdle {
			// Busy semantics: no transition, no signal, no UI change.
			m.log.Debug().Str("call_id", env.CallID).Msg("invite ignored, call active")
			return
		}
		m.session = &domain.CallSession{
			CallID:      env.CallID,
			RoomID:      m.roomID,
			InitiatorID: env.SenderID,
			ReceiverID:  m.self.ID,
			Type:        env.CallType,
			State:       domain.CallRingingInbound,
			StartedAt:   time.Unix(0, env.Timestamp*int64(time.Millisecond)),
		}
	case envelope.KindCallAccepted:
		ev = evAcceptedRecv
	case envelope.KindCallDeclined:
		ev = evDeclinedRecv
	case envelope.KindCallEnded:
		ev = evEndedRecv
	default:
		return
	}

	if ev != evInviteRecv && m.session != nil && env.CallID != "" && env.CallID != m.session.CallID {
		m.log.Debug().Str("call_id", env.CallID).Str("active", m.session.CallID).Msg("signal for foreign call ignored")
		return
	}
	if ev == evAcceptedRecv && m.session != nil {
		m.session.ReceiverID = env.SenderID
	}

	if err := m.dispatchLocked(ev, env); err != nil {
		m.log.Debug().Err(err).Str("event", ev.String()).Msg("signal ignored")
	}
}

// dispatchLocked is the single place transitions happen. Caller holds
// the mutex. Effects run in table order against a session snapshot
// taken before effClearSession wipes the slot.
func (m *Machine) dispatchLocked(ev Event, env *envelope.Envelope) error {
	tr, ok := table[transKey{m.state, ev}]
	if !ok {
		return ErrNoActiveCall
	}

	prev := m.state
	m.state = tr.next
	sess := m.session
	if sess != nil {
		sess.State = tr.next
	}

	m.log.Info().
		Str("event", ev.String()).
		Str("from", prev.String()).
		Str("to", tr.next.String()).
		Msg("call transition")

	for _, eff := range tr.effects {
		m.runEffect(eff, sess)
	}

	if m.OnState != nil {
		var snap *domain.CallSession
		if m.session != nil {
			c := *m.session
			snap = &c
		}
		m.OnState(m.state, snap)
	}
	return nil
}

func (m *Machine) runEffect(eff effect, sess *domain.CallSession) {
	switch eff {
	case effPersistInitiated:
		m.persistInsert(sess)
	case effPersistAccepted:
		m.persistStatus(sess, domain.CallStatusAccepted, 0)
	case effPersistDeclined:
		m.persistStatus(sess, domain.CallStatusDeclined, 0)
	case effPersistMissed:
		m.persistStatus(sess, domain.CallStatusMissed, 0)
	case effPersistEnded:
		secs := int(sess.Duration(time.Now()).Seconds())
		m.persistStatus(sess, domain.CallStatusEnded, secs)
	case effPublishInvite:
		m.publishInvite(sess)
	case effPublishAccepted:
		m.publishSignal(envelope.KindCallAccepted, sess.CallID)
	case effPublishDeclined:
		m.publishSignal(envelope.KindCallDeclined, sess.CallID)
	case effPublishEnded:
		m.publishSignal(envelope.KindCallEnded, sess.CallID)
	case effStartRingTimer:
		m.startRingTimerLocked(sess.CallID)
	case effClearRingTimer:
		m.stopRingTimerLocked()
	case effStartClock:
		sess.AcceptedAt = time.Now()
	case effStartMedia:
		m.startMedia(sess)
	case effStopMedia:
		m.stopMedia()
	case effClearSession:
		m.session = nil
	}
}

// persist failures degrade the call log but never the live flow.
func (m *Machine) persistInsert(sess *domain.CallSession) {
	rec := domain.CallRecord{
		CallID:     sess.CallID,
		RoomID:     sess.RoomID,
		CallerID:   sess.InitiatorID,
		CallerName: m.self.Name,
		Type:       sess.Type,
		Status:     domain.CallStatusInitiated,
		StartedAt:  sess.StartedAt.UnixMilli(),
	}
	if err := m.store.InsertCallRecord(rec); err != nil {
		m.log.Error().Err(err).Str("call_id", sess.CallID).Msg("persist call record failed")
	}
}

func (m *Machine) persistStatus(sess *domain.CallSession, status domain.CallStatus, secs int) {
	if err := m.store.UpdateCallStatus(sess.CallID, status, secs); err != nil {
		m.log.Error().Err(err).Str("call_id", sess.CallID).Str("status", string(status)).Msg("update call record failed")
	}
}

// publishInvite waits (bounded) for the channel to come up, then sends
// the identical invite at the policy's offsets. No ack exists; the
// redundancy covers a remote whose channel missed the first copy.
func (m *Machine) publishInvite(sess *domain.CallSession) {
	env := &envelope.Envelope{
		Type:       envelope.KindCallInvite,
		CallID:     sess.CallID,
		RoomID:     sess.RoomID,
		SenderID:   m.self.ID,
		SenderName: m.self.Name,
		CallType:   sess.Type,
		Timestamp:  sess.StartedAt.UnixMilli(),
	}
	ctx := m.ctx
	policy := m.cfg.InvitePolicy
	go func() {
		if err := m.ch.WaitConnected(ctx, m.cfg.ConnectWait); err != nil {
			m.log.Warn().Err(err).Str("call_id", sess.CallID).Msg("channel never came up, invite not sent")
			return
		}
		if err := policy.Run(ctx, func(attempt int) error {
			err := m.ch.Publish(env)
			if err != nil {
				m.log.Warn().Err(err).Int("attempt", attempt).Str("call_id", sess.CallID).Msg("invite publish failed")
			}
			return err
		}); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn().Err(err).Str("call_id", sess.CallID).Msg("invite schedule incomplete")
		}
	}()
}

// publishSignal sends one non-invite signaling envelope. Failures are
// logged and swallowed; the call record stays authoritative.
func (m *Machine) publishSignal(kind envelope.Kind, callID string) {
	env := &envelope.Envelope{
		Type:      kind,
		CallID:    callID,
		SenderID:  m.self.ID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := m.ch.Publish(env); err != nil {
		m.log.Warn().Err(err).Str("type", string(kind)).Str("call_id", callID).Msg("signal publish failed")
	}
}

func (m *Machine) startRingTimerLocked(callID string) {
	m.ringEpoch++
	epoch := m.ringEpoch
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.ringExpired(epoch, callID)
	})
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.ringEpoch++
}

// ringExpired fires off the timer goroutine; the epoch guard discards
// timers that lost the race against accept/decline/hangup.
func (m *Machine) ringExpired(epoch int, callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringEpoch != epoch || m.state != domain.CallRingingOutbound {
		return
	}
	if m.session == nil || m.session.CallID != callID {
		return
	}
	m.log.Info().Str("call_id", callID).Msg("ring timeout, marking missed")
	if err := m.dispatchLocked(evRingTimeout, nil); err != nil {
		m.log.Error().Err(err).Msg("ring timeout dispatch failed")
	}
}

func (m *Machine) startMedia(sess *domain.CallSession) {
	conn, err := m.media.Start(m.ctx, sess.RoomID, sess.Type)
	if err != nil {
		// Signaling reached Connected; media degradation is survivable.
		m.log.Error().Err(err).Str("call_id", sess.CallID).Msg("media start failed")
		return
	}
	m.mediaConn = conn
}

func (m *Machine) stopMedia() {
	if m.mediaConn != nil {
		m.mediaConn.Close()
		m.mediaConn = nil
	}
}
