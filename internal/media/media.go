// Package media owns the lifecycle of the real-time transport provider
// used once a call is connected. Codec and ICE negotiation internals
// stay inside the provider; this core only starts and stops it.
package media

import (
	"context"

	"github.com/avelin/parley/internal/domain"
)

// Connection is one live media session.
type Connection interface {
	Close()
}

// Starter brings up a media connection for an accepted call.
type Starter interface {
	Start(ctx context.Context, roomID domain.RoomID, callType domain.CallType) (Connection, error)
}

// Nop is the no-media fallback used by tests and headless runs.
type Nop struct{}

type nopConn struct{}

func (nopConn) Close() {}

func (Nop) Start(ctx context.Context, roomID domain.RoomID, callType domain.CallType) (Connection, error) {
	return nopConn{}, nil
}
