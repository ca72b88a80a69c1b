// Package crypto derives per-room symmetric keys and seals/opens
// message payloads with them. Keys are derived deterministically so
// every participant computes the same key without a handshake.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/avelin/parley/internal/domain"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyIterations is the PBKDF2 cost. Raising it invalidates no data
	// but changes every derived key, so it is fixed application-wide.
	KeyIterations = 150_000
	keySize       = 32
)

// appSalt is shared by all installs; the room ID is the only secret input.
var appSalt = []byte("parley/room-key/v1")

// ErrCryptoUnavailable means the runtime cannot provide the required
// primitives. Fatal: session initialization must not proceed.
var ErrCryptoUnavailable = errors.New("crypto primitives unavailable")

// KeyManager memoizes derived room keys. Derivation costs the full
// PBKDF2 iteration count, so it must happen once per room, not per message.
type KeyManager struct {
	mu   sync.Mutex
	keys map[domain.RoomID][]byte
}

// NewKeyManager self-tests the cipher path once so a broken runtime
// surfaces at session start instead of on the first message.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{keys: make(map[domain.RoomID][]byte)}
	probe := pbkdf2.Key([]byte("probe"), appSalt, 1, keySize, sha256.New)
	ct, nonce, err := Seal(probe, []byte("probe"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	if _, err := Open(probe, nonce, ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return km, nil
}

// RoomKey returns the 256-bit key for a room, deriving it on first use.
func (m *KeyManager) RoomKey(roomID domain.RoomID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[roomID]; ok {
		return k
	}
	k := pbkdf2.Key([]byte(roomID), appSalt, KeyIterations, keySize, sha256.New)
	m.keys[roomID] = k
	return k
}

// Forget discards a room's key material on room teardown.
func (m *KeyManager) Forget(roomID domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[roomID]; ok {
		for i := range k {
			k[i] = 0
		}
		delete(m.keys, roomID)
	}
}
