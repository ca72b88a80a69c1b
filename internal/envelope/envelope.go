// Package envelope defines the discriminated payload carried on the
// broadcast channel. Every frame is one JSON envelope dispatched by Type.
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/avelin/parley/internal/domain"
)

type Kind string

const (
	KindChat         Kind = "CHAT_MESSAGE"
	KindCallInvite   Kind = "call_invite"
	KindCallAccepted Kind = "call_accepted"
	KindCallDeclined Kind = "call_declined"
	KindCallEnded    Kind = "call_ended"
)

var ErrUnknownKind = errors.New("unknown envelope type")

// Envelope is the union of chat and signaling payloads. Fields not
// relevant to the discriminating Type stay at their zero values.
type Envelope struct {
	Type       Kind          `json:"type"`
	SenderID   domain.UserID `json:"senderId"`
	SenderName string        `json:"senderName,omitempty"`
	Timestamp  int64         `json:"timestamp"`

	// signaling fields
	CallID   string          `json:"callId,omitempty"`
	RoomID   domain.RoomID   `json:"roomId,omitempty"`
	CallType domain.CallType `json:"callType,omitempty"`

	// chat fields; Text carries base64 ciphertext when IsEncrypted.
	ID           string             `json:"id,omitempty"`
	Text         string             `json:"text,omitempty"`
	IV           string             `json:"iv,omitempty"`
	IsEncrypted  bool               `json:"isEncrypted,omitempty"`
	Lang         string             `json:"lang,omitempty"`
	Translations map[string]string  `json:"translations,omitempty"`
	Attachment   *domain.Attachment `json:"attachment,omitempty"`
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw frame into an Envelope. Frames of unknown type
// decode fine but report ErrUnknownKind so dispatchers can skip them.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	switch e.Type {
	case KindChat, KindCallInvite, KindCallAccepted, KindCallDeclined, KindCallEnded:
		return &e, nil
	}
	return &e, ErrUnknownKind
}

// Signaling reports whether the envelope belongs to the call machine.
func (e *Envelope) Signaling() bool {
	switch e.Type {
	case KindCallInvite, KindCallAccepted, KindCallDeclined, KindCallEnded:
		return true
	}
	return false
}
