// Package session holds the client-side read model for one logical
// conversation: session metadata, the message transcript, the streaming
// accumulator and the latest backend health/metrics snapshots. All writes
// arrive through the dispatcher; readers take copied snapshots.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

// Role of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Delivery tracks outbound-originated messages: appended optimistically as
// pending, acknowledged by the first correlated backend activity, failed if
// the send never left the client.
type Delivery string

const (
	DeliveryPending      Delivery = "pending"
	DeliveryAcknowledged Delivery = "acknowledged"
	DeliveryFailed       Delivery = "failed"
)

// Message is one transcript entry. Content is mutable only while Streaming
// is set; finalization seals it.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ExecutionTime float64   `json:"execution_time,omitempty"`
	TokenCount    int       `json:"token_count,omitempty"`
	IsError       bool      `json:"is_error,omitempty"`
	Streaming     bool      `json:"streaming,omitempty"`
	Delivery      Delivery  `json:"delivery,omitempty"`
}

// HealthSnapshot mirrors the backend-reported system health. It is merged
// field-by-field: a status push carrying only breakers leaves the pool and
// degradation level untouched.
type HealthSnapshot struct {
	OverallStatus    string
	Components       []protocol.ComponentHealth
	CircuitBreakers  []protocol.CircuitBreaker
	ConnectionPool   protocol.ConnectionPool
	DegradationLevel protocol.DegradationLevel
	UpdatedAt        time.Time
}

// MetricsSnapshot is the latest backend metrics push, replaced wholesale.
type MetricsSnapshot struct {
	RequestRate       float64
	ErrorRate         float64
	P95ResponseTime   float64
	ActiveConnections int
	Throughput        float64
	UpdatedAt         time.Time
}

// Snapshot is a deep copy of the read model handed to the rendering layer.
type Snapshot struct {
	SessionID    string
	ClientID     string
	CreatedAt    time.Time
	MessageCount int
	TotalTokens  int
	LastActivity time.Time

	Connected   bool
	AgentTyping bool

	Messages []Message
	Health   HealthSnapshot
	Flags    []protocol.FeatureFlag
	Metrics  MetricsSnapshot

	DroppedTokens int
	DroppedFrames int
}

// State is the mutable session read model. One instance is exclusively
// owned by one client; the mutex exists only so snapshot readers can run
// concurrently with the client's dispatch loop.
type State struct {
	mu sync.RWMutex

	sessionID    string
	clientID     string
	createdAt    time.Time
	messageCount int
	totalTokens  int
	lastActivity time.Time

	connected   bool
	agentTyping bool
	// awaiting is set between a chat submission (or typing signal) and the
	// terminal chat frame; stream tokens outside this window are strays.
	awaiting bool

	epoch int64 // current connection epoch; stale frames are dropped

	messages []Message
	health   HealthSnapshot
	flags    []protocol.FeatureFlag
	metrics  MetricsSnapshot

	droppedTokens int
	droppedFrames int
}

// New creates session state with fresh identifiers.
func New() *State {
	now := time.Now()
	return &State{
		sessionID: "sess_" + uuid.New().String()[:8],
		clientID:  "client_" + uuid.New().String()[:8],
		createdAt: now,
	}
}

// SessionID returns the logical session identifier.
func (s *State) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// ClientID returns the client instance identifier.
func (s *State) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// Epoch returns the current connection epoch.
func (s *State) Epoch() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Connected reports whether the transport is currently up.
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConnected records a transport transition. Connecting advances the
// epoch so frames read by a prior connection can no longer be applied.
// Disconnecting closes the streaming window: an in-flight message keeps its
// accumulated content but accepts no further tokens.
func (s *State) SetConnected(up bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
	if up {
		s.epoch++
	} else {
		s.agentTyping = false
		s.awaiting = false
	}
	return s.epoch
}

// AppendLocal appends the optimistic local echo of an outbound chat request
// and opens the streaming window for the reply.
func (s *State) AppendLocal(text, correlationID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{
		ID:            "msg_" + uuid.New().String()[:8],
		Role:          RoleUser,
		Content:       text,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Delivery:      DeliveryPending,
	}
	s.messages = append(s.messages, msg)
	s.messageCount++
	s.lastActivity = msg.Timestamp
	s.awaiting = true
	return msg
}

// MarkDeliveryFailed flags the pending local echo for correlationID as
// failed after a send that never reached the transport.
func (s *State) MarkDeliveryFailed(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].CorrelationID == correlationID && s.messages[i].Delivery == DeliveryPending {
			s.messages[i].Delivery = DeliveryFailed
			break
		}
	}
	s.awaiting = false
}

// Snapshot returns a deep copy of the read model.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:     s.sessionID,
		ClientID:      s.clientID,
		CreatedAt:     s.createdAt,
		MessageCount:  s.messageCount,
		TotalTokens:   s.totalTokens,
		LastActivity:  s.lastActivity,
		Connected:     s.connected,
		AgentTyping:   s.agentTyping,
		Messages:      make([]Message, len(s.messages)),
		Health:        s.health,
		Metrics:       s.metrics,
		DroppedTokens: s.droppedTokens,
		DroppedFrames: s.droppedFrames,
	}
	copy(snap.Messages, s.messages)
	snap.Health.Components = append([]protocol.ComponentHealth(nil), s.health.Components...)
	snap.Health.CircuitBreakers = append([]protocol.CircuitBreaker(nil), s.health.CircuitBreakers...)
	snap.Health.DegradationLevel.DisabledFeatures = append([]string(nil), s.health.DegradationLevel.DisabledFeatures...)
	snap.Flags = append([]protocol.FeatureFlag(nil), s.flags...)
	return snap
}

// LastMessage returns the newest transcript entry, if any.
func (s *State) LastMessage() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Restore preloads the transcript from persisted history. Intended for
// startup only, before any live traffic.
func (s *State) Restore(sessionID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != "" {
		s.sessionID = sessionID
	}
	s.messages = append([]Message(nil), msgs...)
	s.messageCount = len(msgs)
	s.totalTokens = 0
	for _, m := range msgs {
		s.totalTokens += m.TokenCount
	}
}

// FeatureEnabled reports the state of a named backend feature flag. Unknown
// flags default to enabled unless the degradation level disabled them.
func (s *State) FeatureEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.health.DegradationLevel.DisabledFeatures {
		if strings.EqualFold(f, name) {
			return false
		}
	}
	for _, f := range s.flags {
		if f.Name == name {
			return f.Enabled
		}
	}
	return true
}
