package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := SessionRecord{
		SessionID:    "sess_abc",
		ClientID:     "client_abc",
		CreatedAt:    time.Now().Truncate(time.Second),
		MessageCount: 2,
		TotalTokens:  30,
		LastActivity: time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "sess_abc")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, 30, got.TotalTokens)
}

func TestSaveSessionUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := SessionRecord{SessionID: "s1", ClientID: "c1", CreatedAt: time.Now()}
	require.NoError(t, s.SaveSession(ctx, rec))

	rec.MessageCount = 5
	rec.TotalTokens = 100
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
	assert.Equal(t, 100, got.TotalTokens)
}

func TestMessagesOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveSession(ctx, SessionRecord{SessionID: "s1", ClientID: "c1", CreatedAt: time.Now()}))

	base := time.Now().Add(-time.Minute)
	msgs := []session.Message{
		{ID: "m1", Role: session.RoleUser, Content: "hi", Timestamp: base},
		{ID: "m2", Role: session.RoleAssistant, Content: "hello", Timestamp: base.Add(time.Second), TokenCount: 7},
		{ID: "m3", Role: session.RoleUser, Content: "more", Timestamp: base.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, s.SaveMessage(ctx, "s1", m))
	}

	got, err := s.GetMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m3", got[2].ID)
	assert.Equal(t, session.RoleAssistant, got[1].Role)
	assert.Equal(t, 7, got[1].TokenCount)

	limited, err := s.GetMessages(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveSession(ctx, SessionRecord{SessionID: "s1", ClientID: "c1", CreatedAt: time.Now()}))
	require.NoError(t, s.SaveMessage(ctx, "s1", session.Message{ID: "m1", Role: session.RoleUser, Content: "hi", Timestamp: time.Now()}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := s.GetMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteMissingSession(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.DeleteSession(context.Background(), "nope"), ErrNotFound)
}
