package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecryptFailed covers corrupt data, wrong key and foreign-room
// payloads alike. Callers substitute a placeholder and keep going.
var ErrDecryptFailed = errors.New("decrypt failed")

// Seal encrypts plaintext with AES-256-GCM and returns ciphertext plus
// the fresh random 96-bit nonce. Nonce reuse would break the cipher,
// hence a new read from crypto/rand on every call.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != keySize {
		return nil, nil, fmt.Errorf("invalid key length: got %d want %d", len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts an AES-256-GCM payload. Any authentication or format
// problem comes back as ErrDecryptFailed, never a panic.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), keySize)
	}
	if len(ciphertext) == 0 {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
