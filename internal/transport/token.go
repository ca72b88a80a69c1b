package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avelin/parley/internal/domain"
)

// TokenSource issues an opaque session credential for a room. The
// relay is the production issuer; tests return canned credentials.
type TokenSource interface {
	Issue(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (Credential, error)
}

// RelayTokenSource asks the relay's token endpoint for a credential.
type RelayTokenSource struct {
	BaseURL string
	Client  *http.Client
}

func NewRelayTokenSource(baseURL string) *RelayTokenSource {
	return &RelayTokenSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RelayTokenSource) Issue(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (Credential, error) {
	body, err := json.Marshal(map[string]string{
		"room": string(roomID),
		"user": string(userID),
	})
	if err != nil {
		return Credential{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/api/token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}

	return Credential{
		Endpoint: s.BaseURL,
		Token:    out.Token,
		RoomID:   roomID,
		UserID:   userID,
	}, nil
}
