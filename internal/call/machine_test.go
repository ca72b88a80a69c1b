package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/envelope"
	"github.com/avelin/parley/internal/retry"
)

type fakeCallStore struct {
	mu       sync.Mutex
	records  map[string]domain.CallRecord
	statuses map[string][]domain.CallStatus
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{
		records:  make(map[string]domain.CallRecord),
		statuses: make(map[string][]domain.CallStatus),
	}
}

func (f *fakeCallStore) InsertCallRecord(rec domain.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.CallID] = rec
	return nil
}

func (f *fakeCallStore) UpdateCallStatus(callID string, status domain.CallStatus, secs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[callID]
	rec.Status = status
	rec.DurationSeconds = secs
	f.records[callID] = rec
	f.statuses[callID] = append(f.statuses[callID], status)
	return nil
}

func (f *fakeCallStore) status(callID string) domain.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[callID].Status
}

type fakeSignalChan struct {
	mu      sync.Mutex
	sent    []*envelope.Envelope
	forward func(*envelope.Envelope)
}

func (f *fakeSignalChan) Publish(env *envelope.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	fwd := f.forward
	f.mu.Unlock()
	if fwd != nil {
		fwd(env)
	}
	return nil
}

func (f *fakeSignalChan) WaitConnected(ctx context.Context, bound time.Duration) error {
	return nil
}

func (f *fakeSignalChan) ofKind(kind envelope.Kind) []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*envelope.Envelope
	for _, e := range f.sent {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func quickConfig() Config {
	return Config{
		RingTimeout:  time.Minute,
		ConnectWait:  time.Second,
		InvitePolicy: retry.Policy{Offsets: []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond}},
	}
}

func newTestMachine(t *testing.T, self domain.Participant, cs CallStore, ch Channel, cfg Config) *Machine {
	t.Helper()
	m := NewMachine("r1", self, cs, ch, nil, cfg)
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m
}

var (
	caller = domain.Participant{ID: "u-caller", Name: "Caller"}
	callee = domain.Participant{ID: "u-callee", Name: "Callee"}
)

func TestInitiatePublishesRedundantInvites(t *testing.T) {
	cs := newFakeCallStore()
	ch := &fakeSignalChan{}
	m := newTestMachine(t, caller, cs, ch, quickConfig())

	sess, err := m.Initiate(domain.CallVideo)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, domain.CallRingingOutbound, sess.State)

	require.Eventually(t, func() bool {
		return len(ch.ofKind(envelope.KindCallInvite)) == 3
	}, time.Second, 5*time.Millisecond, "all scheduled invite copies go out")

	invites := ch.ofKind(envelope.KindCallInvite)
	for _, inv := range invites {
		assert.Equal(t, sess.CallID, inv.CallID, "every copy carries the same callId")
		assert.Equal(t, caller.ID, inv.SenderID)
		assert.Equal(t, domain.CallVideo, inv.CallType)
	}

	assert.Equal(t, domain.CallStatusInitiated, cs.status(sess.CallID))
}

func TestInitiateBeforeStart(t *testing.T) {
	cs := newFakeCallStore()
	ch := &fakeSignalChan{}
	m := NewMachine("r1", caller, cs, ch, nil, quickConfig())
	t.Cleanup(m.Close)

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ch.ofKind(envelope.KindCallInvite)) == 3
	}, time.Second, 5*time.Millisecond, "invites go out even without Start")
	assert.Equal(t, domain.CallStatusInitiated, cs.status(sess.CallID))
}

func TestInitiateWhileActive(t *testing.T) {
	m := newTestMachine(t, caller, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	_, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	_, err = m.Initiate(domain.CallAudio)
	assert.ErrorIs(t, err, ErrCallActive)
}

func TestAcceptWithoutInboundCall(t *testing.T) {
	m := newTestMachine(t, callee, newFakeCallStore(), &fakeSignalChan{}, quickConfig())
	assert.ErrorIs(t, m.Accept(), ErrNoActiveCall)
	assert.ErrorIs(t, m.Decline(), ErrNoActiveCall)
	assert.ErrorIs(t, m.Hangup(), ErrNoActiveCall)
}

func invite(callID string, from domain.Participant) *envelope.Envelope {
	return &envelope.Envelope{
		Type:       envelope.KindCallInvite,
		CallID:     callID,
		RoomID:     "r1",
		SenderID:   from.ID,
		SenderName: from.Name,
		CallType:   domain.CallAudio,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestInviteWhileBusyIsIgnored(t *testing.T) {
	ch := &fakeSignalChan{}
	m := newTestMachine(t, callee, newFakeCallStore(), ch, quickConfig())

	m.Receive(invite("c1", caller))
	st, sess := m.State()
	require.Equal(t, domain.CallRingingInbound, st)
	require.Equal(t, "c1", sess.CallID)

	// Second caller rings while c1 is still up: nothing moves, nothing
	// is sent back, the second caller just keeps ringing.
	m.Receive(invite("c2", domain.Participant{ID: "u-third", Name: "Third"}))

	st, sess = m.State()
	assert.Equal(t, domain.CallRingingInbound, st)
	assert.Equal(t, "c1", sess.CallID)
	assert.Empty(t, ch.ofKind(envelope.KindCallDeclined))
}

func TestDuplicateInviteCopiesCollapse(t *testing.T) {
	m := newTestMachine(t, callee, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	// The redundant send schedule delivers the same invite three times.
	for i := 0; i < 3; i++ {
		m.Receive(invite("c1", caller))
	}

	st, sess := m.State()
	assert.Equal(t, domain.CallRingingInbound, st)
	assert.Equal(t, "c1", sess.CallID)
}

func TestOwnBroadcastFiltered(t *testing.T) {
	m := newTestMachine(t, caller, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	m.Receive(invite("c1", caller))

	st, _ := m.State()
	assert.Equal(t, domain.CallIdle, st)
}

func TestForeignCallIDIgnored(t *testing.T) {
	m := newTestMachine(t, caller, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	m.Receive(&envelope.Envelope{
		Type: envelope.KindCallAccepted, CallID: "someone-elses", SenderID: callee.ID,
	})

	st, cur := m.State()
	assert.Equal(t, domain.CallRingingOutbound, st)
	assert.Equal(t, sess.CallID, cur.CallID)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	cfg := quickConfig()
	cfg.RingTimeout = 20 * time.Millisecond
	cs := newFakeCallStore()
	ch := &fakeSignalChan{}
	m := newTestMachine(t, caller, cs, ch, cfg)

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := m.State()
		return st == domain.CallIdle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.CallStatusMissed, cs.status(sess.CallID))
	assert.Len(t, ch.ofKind(envelope.KindCallEnded), 1, "final call_ended tells ringing remotes to stand down")
	_, cur := m.State()
	assert.Nil(t, cur, "session slot freed")
}

func TestAcceptBeforeTimeoutKeepsCall(t *testing.T) {
	cfg := quickConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	cs := newFakeCallStore()
	m := newTestMachine(t, caller, cs, &fakeSignalChan{}, cfg)

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	m.Receive(&envelope.Envelope{
		Type: envelope.KindCallAccepted, CallID: sess.CallID, SenderID: callee.ID,
	})
	st, _ := m.State()
	require.Equal(t, domain.CallConnected, st)

	// Let the original ring deadline pass; the stale timer must not fire.
	time.Sleep(60 * time.Millisecond)
	st, _ = m.State()
	assert.Equal(t, domain.CallConnected, st)
	assert.NotEqual(t, domain.CallStatusMissed, cs.status(sess.CallID))
}

func TestFullCallBetweenTwoMachines(t *testing.T) {
	csA, csB := newFakeCallStore(), newFakeCallStore()

	chA, chB := &fakeSignalChan{}, &fakeSignalChan{}
	cfg := quickConfig()
	a := NewMachine("r1", caller, csA, chA, nil, cfg)
	b := NewMachine("r1", callee, csB, chB, nil, cfg)
	broadcast := func(env *envelope.Envelope) {
		a.Receive(env)
		b.Receive(env)
	}
	chA.forward = broadcast
	chB.forward = broadcast
	a.Start(context.Background())
	b.Start(context.Background())
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	sess, err := a.Initiate(domain.CallVideo)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == domain.CallRingingInbound
	}, time.Second, 5*time.Millisecond, "invite reaches the callee")

	_, bSess := b.State()
	require.Equal(t, sess.CallID, bSess.CallID)

	require.NoError(t, b.Accept())

	stB, _ := b.State()
	assert.Equal(t, domain.CallConnected, stB)
	require.Eventually(t, func() bool {
		st, _ := a.State()
		return st == domain.CallConnected
	}, time.Second, 5*time.Millisecond, "accepted signal reaches the caller")

	assert.Equal(t, domain.CallStatusAccepted, csB.status(sess.CallID))

	require.NoError(t, a.Hangup())

	stA, _ := a.State()
	assert.Equal(t, domain.CallIdle, stA)
	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == domain.CallIdle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.CallStatusEnded, csA.status(sess.CallID))
}

func TestDeclineFlow(t *testing.T) {
	cs := newFakeCallStore()
	ch := &fakeSignalChan{}
	m := newTestMachine(t, callee, cs, ch, quickConfig())

	m.Receive(invite("c1", caller))
	require.NoError(t, m.Decline())

	st, sess := m.State()
	assert.Equal(t, domain.CallIdle, st)
	assert.Nil(t, sess)
	assert.Equal(t, domain.CallStatusDeclined, cs.status("c1"))
	require.Len(t, ch.ofKind(envelope.KindCallDeclined), 1)
	assert.Equal(t, "c1", ch.ofKind(envelope.KindCallDeclined)[0].CallID)
}

func TestDeclinedRemoteStopsOutboundRing(t *testing.T) {
	m := newTestMachine(t, caller, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	m.Receive(&envelope.Envelope{
		Type: envelope.KindCallDeclined, CallID: sess.CallID, SenderID: callee.ID,
	})

	st, cur := m.State()
	assert.Equal(t, domain.CallIdle, st)
	assert.Nil(t, cur)
}

func TestHangupWhileRingingOutbound(t *testing.T) {
	cs := newFakeCallStore()
	ch := &fakeSignalChan{}
	m := newTestMachine(t, caller, cs, ch, quickConfig())

	sess, err := m.Initiate(domain.CallAudio)
	require.NoError(t, err)

	require.NoError(t, m.Hangup())

	st, _ := m.State()
	assert.Equal(t, domain.CallIdle, st)
	assert.Equal(t, domain.CallStatusEnded, cs.status(sess.CallID))
	assert.Len(t, ch.ofKind(envelope.KindCallEnded), 1)
}

func TestRemoteEndedWhileRingingInbound(t *testing.T) {
	m := newTestMachine(t, callee, newFakeCallStore(), &fakeSignalChan{}, quickConfig())

	m.Receive(invite("c1", caller))
	m.Receive(&envelope.Envelope{
		Type: envelope.KindCallEnded, CallID: "c1", SenderID: caller.ID,
	})

	st, sess := m.State()
	assert.Equal(t, domain.CallIdle, st, "caller gave up before we answered")
	assert.Nil(t, sess)
}

func TestStateCallbackObservesTransitions(t *testing.T) {
	m := NewMachine("r1", callee, newFakeCallStore(), &fakeSignalChan{}, nil, quickConfig())
	var seen []domain.CallState
	m.OnState = func(st domain.CallState, _ *domain.CallSession) {
		seen = append(seen, st)
	}
	m.Start(context.Background())
	t.Cleanup(m.Close)

	m.Receive(invite("c1", caller))
	require.NoError(t, m.Accept())
	require.NoError(t, m.Hangup())

	assert.Equal(t, []domain.CallState{
		domain.CallRingingInbound,
		domain.CallConnected,
		domain.CallIdle,
	}, seen)
}
