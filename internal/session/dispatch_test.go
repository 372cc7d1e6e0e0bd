package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

func streamEnv(token string) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindStream, Stream: &protocol.StreamPayload{Token: token}}
}

func chatEnv(p protocol.ChatPayload) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindChat, Chat: &p}
}

func TestStreamedReplyScenario(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.AppendLocal("hi", "corr-1")
	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindTyping})
	s.Apply(epoch, streamEnv("Hel"))
	s.Apply(epoch, streamEnv("lo "))
	s.Apply(epoch, streamEnv("there"))
	s.Apply(epoch, chatEnv(protocol.ChatPayload{Response: "Hello there", CorrelationID: "corr-1", TokensUsed: 12}))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, DeliveryAcknowledged, snap.Messages[0].Delivery)
	assert.Equal(t, "Hello there", snap.Messages[1].Content)
	assert.False(t, snap.Messages[1].Streaming)
	assert.False(t, snap.AgentTyping)
	assert.Equal(t, 12, snap.TotalTokens)
}

func TestTokensConcatenateInArrivalOrder(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")

	s.Apply(epoch, streamEnv("a"))
	s.Apply(epoch, streamEnv("b"))
	s.Apply(epoch, streamEnv("c"))

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "abc", last.Content)
	assert.True(t, last.Streaming)
}

func TestTokenAfterFinalizeDropped(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")

	s.Apply(epoch, streamEnv("Hel"))
	s.Apply(epoch, chatEnv(protocol.ChatPayload{Response: "Hello"}))
	s.Apply(epoch, streamEnv("lo"))

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, 1, s.Snapshot().DroppedTokens)
}

func TestStrayTokenWithoutOpenStreamDropped(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, streamEnv("ghost"))

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, 1, snap.DroppedTokens)
}

func TestDuplicateTokenMayDuplicateButNeverCrashes(t *testing.T) {
	// Re-delivery safety is an explicit non-property: tokens carry no
	// sequence numbers, so a re-delivered fragment is concatenated again.
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")

	s.Apply(epoch, streamEnv("dup"))
	s.Apply(epoch, streamEnv("dup"))

	last, _ := s.LastMessage()
	assert.Equal(t, "dupdup", last.Content)
}

func TestUnknownKindIsNoOp(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	before := s.Snapshot()

	s.Apply(epoch, protocol.Envelope{Kind: protocol.Kind("mystery")})

	after := s.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Health, after.Health)
}

func TestStaleEpochFrameDropped(t *testing.T) {
	s := New()
	old := s.SetConnected(true)
	s.AppendLocal("hi", "c")
	s.Apply(old, streamEnv("live"))

	s.SetConnected(false)
	s.SetConnected(true)

	// Late frame from the previous connection must not be applied.
	s.Apply(old, streamEnv(" stale"))

	last, _ := s.LastMessage()
	assert.Equal(t, "live", last.Content)
	assert.Equal(t, 1, s.Snapshot().DroppedFrames)
}

func TestDisconnectMidStreamFreezesContent(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")
	s.Apply(epoch, streamEnv("par"))
	s.Apply(epoch, streamEnv("tial"))

	s.SetConnected(false)

	snap := s.Snapshot()
	assert.False(t, snap.Connected)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, "partial", last.Content)

	// Tokens from the dead connection are rejected by the epoch gate.
	s.Apply(epoch, streamEnv("!!!"))
	last, _ = s.LastMessage()
	assert.Equal(t, "partial", last.Content)
}

func TestStatusMergeIsPartial(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		OverallHealth:  "healthy",
		ConnectionPool: &protocol.ConnectionPool{Active: 3, Idle: 7, Total: 10, Max: 20, Utilization: 0.5},
		DegradationLevel: &protocol.DegradationLevel{
			Level:            protocol.DegradationLimited,
			Reason:           "elevated error rate",
			DisabledFeatures: []string{"swarm"},
		},
	}})

	// Breakers-only update must leave pool and degradation untouched.
	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		CircuitBreakers: []protocol.CircuitBreaker{{Name: "llm", State: protocol.BreakerOpen, FailureCount: 4}},
	}})

	h := s.Snapshot().Health
	assert.Equal(t, "healthy", h.OverallStatus)
	assert.Equal(t, 10, h.ConnectionPool.Total)
	assert.Equal(t, protocol.DegradationLimited, h.DegradationLevel.Level)
	require.Len(t, h.CircuitBreakers, 1)
	assert.Equal(t, protocol.BreakerOpen, h.CircuitBreakers[0].State)
}

func TestFeatureFlagsReplacedWholesale(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		FeatureFlags: []protocol.FeatureFlag{
			{Name: "memory", Enabled: true},
			{Name: "swarm", Enabled: true},
		},
	}})
	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		FeatureFlags: []protocol.FeatureFlag{{Name: "memory", Enabled: false}},
	}})

	snap := s.Snapshot()
	require.Len(t, snap.Flags, 1)
	assert.False(t, s.FeatureEnabled("memory"))
	// "swarm" was dropped from the flag set; unknown flags default enabled.
	assert.True(t, s.FeatureEnabled("swarm"))
}

func TestDisabledFeatureOverridesFlag(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStatus, Status: &protocol.StatusPayload{
		FeatureFlags:     []protocol.FeatureFlag{{Name: "swarm", Enabled: true}},
		DegradationLevel: &protocol.DegradationLevel{Level: protocol.DegradationEssential, DisabledFeatures: []string{"swarm"}},
	}})

	assert.False(t, s.FeatureEnabled("swarm"))
}

func TestMetricsReplacedWholesale(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindMetrics, Metrics: &protocol.MetricsPayload{
		RequestRate: 10, ErrorRate: 0.2, P95ResponseTime: 120, ActiveConnections: 5, Throughput: 400,
	}})
	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindMetrics, Metrics: &protocol.MetricsPayload{
		RequestRate: 12,
	}})

	m := s.Snapshot().Metrics
	assert.Equal(t, 12.0, m.RequestRate)
	// Prior values do not survive a replace.
	assert.Equal(t, 0.0, m.ErrorRate)
}

func TestBackendErrorBecomesErrorMessage(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "corr-9")

	s.Apply(epoch, chatEnv(protocol.ChatPayload{Error: "swarm unavailable", CorrelationID: "corr-9"}))

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.True(t, last.IsError)
	assert.Equal(t, "swarm unavailable", last.Content)
}

func TestStreamErrorFinalizesAsError(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)
	s.AppendLocal("hi", "c")
	s.Apply(epoch, streamEnv("partial "))

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindStream, Stream: &protocol.StreamPayload{Error: "model timeout"}})

	last, _ := s.LastMessage()
	assert.True(t, last.IsError)
	assert.Equal(t, "model timeout", last.Content)
	assert.False(t, last.Streaming)
}

func TestUnstreamedChatAppendsFinalizedMessage(t *testing.T) {
	s := New()
	epoch := s.SetConnected(true)

	s.Apply(epoch, protocol.Envelope{Kind: protocol.KindTyping})
	s.Apply(epoch, chatEnv(protocol.ChatPayload{ID: "srv-1", Response: "plain reply", ExecutionTime: 0.8}))

	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "srv-1", last.ID)
	assert.Equal(t, RoleAssistant, last.Role)
	assert.Equal(t, "plain reply", last.Content)
	assert.False(t, s.Snapshot().AgentTyping)
}

func TestSendFailureMarksLocalEchoFailed(t *testing.T) {
	s := New()
	s.AppendLocal("hi", "corr-x")
	s.MarkDeliveryFailed("corr-x")

	last, _ := s.LastMessage()
	assert.Equal(t, DeliveryFailed, last.Delivery)
}
