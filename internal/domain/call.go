package domain

import "time"

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallState is the in-memory signaling state of the local participant.
type CallState int

const (
	CallIdle CallState = iota
	CallRingingOutbound
	CallRingingInbound
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRingingOutbound:
		return "ringing_outbound"
	case CallRingingInbound:
		return "ringing_inbound"
	case CallConnected:
		return "connected"
	}
	return "unknown"
}

// CallSession is the live call slot. At most one exists per participant.
type CallSession struct {
	CallID      string    `json:"callId"`
	RoomID      RoomID    `json:"roomId"`
	InitiatorID UserID    `json:"initiatorId"`
	ReceiverID  UserID    `json:"receiverId,omitempty"`
	Type        CallType  `json:"callType"`
	State       CallState `json:"state"`
	StartedAt   time.Time `json:"startedAt"`
	AcceptedAt  time.Time `json:"acceptedAt,omitempty"`
}

// Duration is the elapsed connected time, zero before accept.
func (c *CallSession) Duration(now time.Time) time.Duration {
	if c.AcceptedAt.IsZero() {
		return 0
	}
	return now.Sub(c.AcceptedAt)
}

// CallStatus is the persisted mirror of a call's progress.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
	CallStatusEnded     CallStatus = "ended"
)

// Terminal reports whether a status may never change again.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusMissed, CallStatusEnded:
		return true
	}
	return false
}

// CallRecord is the durable row behind a CallSession.
type CallRecord struct {
	CallID          string     `json:"callId"`
	RoomID          RoomID     `json:"roomId"`
	CallerID        UserID     `json:"callerId"`
	CallerName      string     `json:"callerName,omitempty"`
	Type            CallType   `json:"callType"`
	Status          CallStatus `json:"status"`
	StartedAt       int64      `json:"startedAt"`
	EndedAt         int64      `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
}
