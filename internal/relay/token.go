package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/avelin/parley/internal/domain"
)

// grant binds an issued token to one room and user.
type grant struct {
	room domain.RoomID
	user domain.UserID
}

// Issuer hands out opaque session credentials and validates them at
// websocket upgrade time. Tokens are single-room; nothing about the
// user is trusted beyond what was presented at issue time.
type Issuer struct {
	mu     sync.Mutex
	grants map[string]grant
}

func NewIssuer() *Issuer {
	return &Issuer{grants: make(map[string]grant)}
}

func (i *Issuer) Issue(room domain.RoomID, user domain.UserID) string {
	token := uuid.NewString()
	i.mu.Lock()
	i.grants[token] = grant{room: room, user: user}
	i.mu.Unlock()
	return token
}

// Validate checks a token against the room it is being presented for.
func (i *Issuer) Validate(token string, room domain.RoomID) (domain.UserID, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	g, ok := i.grants[token]
	if !ok || g.room != room {
		return "", false
	}
	return g.user, true
}
