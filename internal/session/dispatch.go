package session

import (
	"log"
	"time"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

// Apply routes one decoded inbound envelope into the read model. It is
// total: every kind in the protocol has an effect or a documented no-op,
// and it never panics. Frames stamped with a non-current connection epoch
// are dropped; a reconnection must not let late frames from the previous
// connection mutate state.
func (s *State) Apply(epoch int64, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		s.droppedFrames++
		log.Printf("session: dropped stale frame kind=%s epoch=%d current=%d", env.Kind, epoch, s.epoch)
		return
	}

	switch env.Kind {
	case protocol.KindChat:
		s.applyChat(env.Chat)
	case protocol.KindStatus:
		s.applyStatus(env.Status)
	case protocol.KindMetrics:
		s.applyMetrics(env.Metrics)
	case protocol.KindStream:
		s.applyStream(env.Stream)
	case protocol.KindTyping:
		s.agentTyping = true
		s.awaiting = true
	case protocol.KindControl:
		// Control frames are client -> backend only; inbound ones are ignored.
	default:
		s.droppedFrames++
	}
}

// applyChat finalizes the in-flight assistant message, or appends a fresh
// finalized one when the reply was not streamed.
func (s *State) applyChat(p *protocol.ChatPayload) {
	if p == nil {
		p = &protocol.ChatPayload{}
	}

	if p.Error != "" {
		s.finalizeLocked(Message{
			Content: p.Error,
			IsError: true,
		}, p)
		return
	}

	s.finalizeLocked(Message{Content: p.Response}, p)
}

// finalizeLocked seals the streaming window. If an in-flight message
// exists it becomes immutable, with terminal content taking precedence
// over the accumulated tokens when present. Caller holds the lock.
func (s *State) finalizeLocked(final Message, p *protocol.ChatPayload) {
	now := time.Now()

	if i := s.inFlightIndexLocked(); i >= 0 {
		m := &s.messages[i]
		if final.Content != "" {
			m.Content = final.Content
		}
		m.Streaming = false
		m.IsError = final.IsError
		m.ExecutionTime = p.ExecutionTime
		m.TokenCount = p.TokensUsed
		if p.CorrelationID != "" {
			m.CorrelationID = p.CorrelationID
		}
	} else {
		msg := Message{
			ID:            p.ID,
			Role:          RoleAssistant,
			Content:       final.Content,
			Timestamp:     now,
			CorrelationID: p.CorrelationID,
			ExecutionTime: p.ExecutionTime,
			TokenCount:    p.TokensUsed,
			IsError:       final.IsError,
		}
		if msg.ID == "" {
			msg.ID = "msg_" + shortID()
		}
		s.messages = append(s.messages, msg)
		s.messageCount++
	}

	if p.CorrelationID != "" {
		s.acknowledgeLocked(p.CorrelationID)
	}
	s.totalTokens += p.TokensUsed
	s.lastActivity = now
	s.agentTyping = false
	s.awaiting = false
}

// applyStream feeds one token to the accumulator.
func (s *State) applyStream(p *protocol.StreamPayload) {
	if p == nil {
		return
	}
	if p.Error != "" {
		s.finalizeLocked(Message{Content: p.Error, IsError: true}, &protocol.ChatPayload{})
		return
	}
	s.appendTokenLocked(p.Token)
}

// applyStatus merges a partial health push. Absent fields keep their prior
// values; feature flags and session info are replaced when present.
func (s *State) applyStatus(p *protocol.StatusPayload) {
	if p == nil {
		return
	}
	if p.OverallHealth != "" {
		s.health.OverallStatus = p.OverallHealth
	}
	if p.Components != nil {
		s.health.Components = p.Components
	}
	if p.CircuitBreakers != nil {
		s.health.CircuitBreakers = p.CircuitBreakers
	}
	if p.ConnectionPool != nil {
		s.health.ConnectionPool = *p.ConnectionPool
	}
	if p.DegradationLevel != nil {
		s.health.DegradationLevel = *p.DegradationLevel
	}
	if p.FeatureFlags != nil {
		s.flags = p.FeatureFlags
	}
	if p.SessionInfo != nil {
		if p.SessionInfo.MessageCount > s.messageCount {
			s.messageCount = p.SessionInfo.MessageCount
		}
		if p.SessionInfo.TotalTokens > s.totalTokens {
			s.totalTokens = p.SessionInfo.TotalTokens
		}
	}
	s.health.UpdatedAt = time.Now()
}

// applyMetrics replaces the metrics snapshot wholesale.
func (s *State) applyMetrics(p *protocol.MetricsPayload) {
	if p == nil {
		return
	}
	s.metrics = MetricsSnapshot{
		RequestRate:       p.RequestRate,
		ErrorRate:         p.ErrorRate,
		P95ResponseTime:   p.P95ResponseTime,
		ActiveConnections: p.ActiveConnections,
		Throughput:        p.Throughput,
		UpdatedAt:         time.Now(),
	}
}

// acknowledgeLocked marks the pending local echo for correlationID as
// acknowledged. Caller holds the lock.
func (s *State) acknowledgeLocked(correlationID string) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].CorrelationID == correlationID && s.messages[i].Delivery == DeliveryPending {
			s.messages[i].Delivery = DeliveryAcknowledged
			return
		}
	}
}
