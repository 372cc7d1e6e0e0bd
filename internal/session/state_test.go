package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

func TestNewStateGeneratesIdentifiers(t *testing.T) {
	a := New()
	b := New()

	assert.NotEmpty(t, a.SessionID())
	assert.NotEmpty(t, a.ClientID())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.False(t, a.Connected())
}

func TestSnapshotIsIsolatedFromLiveState(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")
	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		CircuitBreakers: []protocol.CircuitBreaker{{Name: "llm", State: protocol.BreakerClosed}},
	}})

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Health.CircuitBreakers[0].State = protocol.BreakerOpen

	fresh := s.Snapshot()
	assert.Equal(t, "hi", fresh.Messages[0].Content)
	assert.Equal(t, protocol.BreakerClosed, fresh.Health.CircuitBreakers[0].State)
}

func TestEpochAdvancesPerConnection(t *testing.T) {
	s := New()
	first := s.SetConnected(true)
	s.SetConnected(false)
	second := s.SetConnected(true)

	assert.Greater(t, second, first)
	assert.Equal(t, second, s.Epoch())
}

func TestRestorePreloadsTranscript(t *testing.T) {
	s := New()
	s.Restore("sess_persisted", []Message{
		{ID: "m1", Role: RoleUser, Content: "hi", Timestamp: time.Now(), TokenCount: 0},
		{ID: "m2", Role: RoleAssistant, Content: "hello", Timestamp: time.Now(), TokenCount: 7},
	})

	snap := s.Snapshot()
	assert.Equal(t, "sess_persisted", snap.SessionID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, 2, snap.MessageCount)
	assert.Equal(t, 7, snap.TotalTokens)
}
