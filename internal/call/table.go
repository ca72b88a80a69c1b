package call

import "github.com/avelin/parley/internal/domain"

// Event is every stimulus the machine reacts to, local or remote.
type Event int

const (
	evInitiate Event = iota
	evInviteRecv
	evAcceptLocal
	evDeclineLocal
	evAcceptedRecv
	evDeclinedRecv
	evEndedRecv
	evHangupLocal
	evRingTimeout
)

func (e Event) String() string {
	switch e {
	case evInitiate:
		return "initiate"
	case evInviteRecv:
		return "invite_recv"
	case evAcceptLocal:
		return "accept_local"
	case evDeclineLocal:
		return "decline_local"
	case evAcceptedRecv:
		return "accepted_recv"
	case evDeclinedRecv:
		return "declined_recv"
	case evEndedRecv:
		return "ended_recv"
	case evHangupLocal:
		return "hangup_local"
	case evRingTimeout:
		return "ring_timeout"
	}
	return "unknown"
}

// effect is a discrete command run by the dispatcher after a
// transition. Effects never decide state; the table already has.
type effect int

const (
	effPersistInitiated effect = iota
	effPersistAccepted
	effPersistDeclined
	effPersistMissed
	effPersistEnded
	effPublishInvite
	effPublishAccepted
	effPublishDeclined
	effPublishEnded
	effStartRingTimer
	effClearRingTimer
	effStartClock
	effStartMedia
	effStopMedia
	effClearSession
)

type transKey struct {
	state domain.CallState
	event Event
}

type transition struct {
	next    domain.CallState
	effects []effect
}

// table is the whole call protocol. A (state, event) pair absent from
// it is ignored outright -- that one rule carries the busy semantics:
// an inbound invite while any session is active simply has no entry.
var table = map[transKey]transition{
	{domain.CallIdle, evInitiate}: {
		next:    domain.CallRingingOutbound,
		effects: []effect{effPersistInitiated, effPublishInvite, effStartRingTimer},
	},
	{domain.CallIdle, evInviteRecv}: {
		next: domain.CallRingingInbound,
	},

	{domain.CallRingingOutbound, evAcceptedRecv}: {
		next:    domain.CallConnected,
		effects: []effect{effClearRingTimer, effStartClock, effStartMedia},
	},
	{domain.CallRingingOutbound, evDeclinedRecv}: {
		next:    domain.CallIdle,
		effects: []effect{effClearRingTimer, effClearSession},
	},
	{domain.CallRingingOutbound, evEndedRecv}: {
		next:    domain.CallIdle,
		effects: []effect{effClearRingTimer, effClearSession},
	},
	{domain.CallRingingOutbound, evHangupLocal}: {
		next:    domain.CallIdle,
		effects: []effect{effClearRingTimer, effPersistEnded, effPublishEnded, effClearSession},
	},
	{domain.CallRingingOutbound, evRingTimeout}: {
		next:    domain.CallIdle,
		effects: []effect{effPersistMissed, effPublishEnded, effClearSession},
	},

	{domain.CallRingingInbound, evAcceptLocal}: {
		next:    domain.CallConnected,
		effects: []effect{effPersistAccepted, effPublishAccepted, effStartClock, effStartMedia},
	},
	{domain.CallRingingInbound, evDeclineLocal}: {
		next:    domain.CallIdle,
		effects: []effect{effPersistDeclined, effPublishDeclined, effClearSession},
	},
	{domain.CallRingingInbound, evEndedRecv}: {
		next:    domain.CallIdle,
		effects: []effect{effClearSession},
	},

	{domain.CallConnected, evHangupLocal}: {
		next:    domain.CallIdle,
		effects: []effect{effPersistEnded, effPublishEnded, effStopMedia, effClearSession},
	},
	{domain.CallConnected, evEndedRecv}: {
		next:    domain.CallIdle,
		effects: []effect{effStopMedia, effClearSession},
	},
}
