package session

import (
	"log"
	"time"

	"github.com/google/uuid"
)

// The streaming accumulator reconstructs the single in-flight assistant
// message from sequential content fragments. Order is the transport's
// arrival order; there are no sequence numbers. Re-delivery of a token is
// therefore not detectable and concatenation may duplicate content -- the
// guarantee is only that it never crashes and never touches a finalized
// message.

// inFlightIndexLocked returns the index of the in-flight assistant message,
// or -1. At most one message streams at a time; only the newest entry can
// be it. Caller holds the lock.
func (s *State) inFlightIndexLocked() int {
	if n := len(s.messages); n > 0 {
		if m := s.messages[n-1]; m.Role == RoleAssistant && m.Streaming {
			return n - 1
		}
	}
	return -1
}

// appendTokenLocked concatenates one fragment onto the in-flight message,
// opening it on the first token of an awaited reply. A token with no open
// streaming window is an invariant violation: dropped and counted, never
// fatal. Caller holds the lock.
func (s *State) appendTokenLocked(token string) {
	if i := s.inFlightIndexLocked(); i >= 0 {
		s.messages[i].Content += token
		return
	}

	if !s.awaiting {
		s.droppedTokens++
		log.Printf("session: dropped stray stream token (no open stream)")
		return
	}

	s.messages = append(s.messages, Message{
		ID:        "msg_" + shortID(),
		Role:      RoleAssistant,
		Content:   token,
		Timestamp: time.Now(),
		Streaming: true,
	})
	s.messageCount++
	s.agentTyping = true
}

func shortID() string {
	return uuid.New().String()[:8]
}
