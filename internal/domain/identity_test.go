package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParticipant(t *testing.T) {
	p, err := NewParticipant("Ada", "en")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "en", p.Lang)

	_, err = NewParticipant("", "en")
	assert.ErrorIs(t, err, ErrNameEmpty)

	_, err = NewParticipant(strings.Repeat("x", MaxDisplayNameLen+1), "en")
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestCallSessionDuration(t *testing.T) {
	now := time.Now()
	s := &CallSession{StartedAt: now.Add(-time.Minute)}
	assert.Zero(t, s.Duration(now), "no connected time before accept")

	s.AcceptedAt = now.Add(-30 * time.Second)
	assert.Equal(t, 30*time.Second, s.Duration(now))
}

func TestCallStatusTerminal(t *testing.T) {
	assert.False(t, CallStatusInitiated.Terminal())
	assert.False(t, CallStatusAccepted.Terminal())
	assert.True(t, CallStatusDeclined.Terminal())
	assert.True(t, CallStatusMissed.Terminal())
	assert.True(t, CallStatusEnded.Terminal())
}
