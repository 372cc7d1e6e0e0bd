// Package protocol defines the wire protocol between the dashboard client
// and the orchestration backend: the envelope union exchanged over the
// socket transport and the payload shapes for each envelope kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the envelope union. The set is closed: decoding an
// envelope whose type is not listed here yields ErrUnknownKind.
type Kind string

const (
	KindChat    Kind = "chat"
	KindControl Kind = "control"
	KindStatus  Kind = "status"
	KindMetrics Kind = "metrics"
	KindStream  Kind = "stream"
	KindTyping  Kind = "typing"
)

// Control request subtypes.
const (
	ControlStatus  = "status"
	ControlMetrics = "metrics"
)

var (
	// ErrMalformedEnvelope is returned when a frame is not valid JSON or
	// carries no type tag. The frame must be discarded, never applied.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownKind is returned when a frame is well-formed JSON but its
	// type is not part of the protocol. Callers log and ignore it.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// Envelope is the decoded wire unit. Kind determines which payload pointer
// is set; all others are nil.
type Envelope struct {
	Kind    Kind
	Chat    *ChatPayload
	Control *ControlPayload
	Status  *StatusPayload
	Metrics *MetricsPayload
	Stream  *StreamPayload
}

// ChatPayload is a finalized assistant reply (backend -> client). Response
// carries the full message text; when the reply was streamed it supersedes
// the accumulated tokens.
type ChatPayload struct {
	ID            string  `json:"id,omitempty"`
	Response      string  `json:"response,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	TokensUsed    int     `json:"tokens_used,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// ChatRequest is the outbound chat submission (client -> backend).
type ChatRequest struct {
	Message          string      `json:"message"`
	APIVersion       string      `json:"api_version"`
	OptimizationMode string      `json:"optimization_mode"`
	SwarmType        string      `json:"swarm_type,omitempty"`
	UseMemory        bool        `json:"use_memory"`
	Context          ChatContext `json:"context"`
}

// ChatContext ties an outbound chat request to its session.
type ChatContext struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
}

// ControlPayload requests a status or metrics push from the backend.
type ControlPayload struct {
	Type string `json:"type"` // ControlStatus or ControlMetrics
}

// StreamPayload carries one partial-output fragment of the in-flight
// assistant message.
type StreamPayload struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// StatusPayload is a backend health push. Every field is optional: the
// backend sends partial updates and absent fields retain their prior
// client-side values.
type StatusPayload struct {
	OverallHealth    string            `json:"overall_health,omitempty"`
	Components       []ComponentHealth `json:"orchestrator,omitempty"`
	CircuitBreakers  []CircuitBreaker  `json:"circuit_breakers,omitempty"`
	ConnectionPool   *ConnectionPool   `json:"connection_pool,omitempty"`
	DegradationLevel *DegradationLevel `json:"degradation_level,omitempty"`
	SessionInfo      *SessionInfo      `json:"session_info,omitempty"`
	FeatureFlags     []FeatureFlag     `json:"feature_flags,omitempty"`
}

// ComponentHealth reports one backend component.
type ComponentHealth struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	UptimeSec    float64 `json:"uptime,omitempty"`
	ErrorRate    float64 `json:"error_rate,omitempty"`
	ResponseTime float64 `json:"response_time,omitempty"`
}

// Circuit breaker states as reported by the backend.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// CircuitBreaker is the reported state of one backend breaker. The client
// never drives these; it only displays them.
type CircuitBreaker struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	SuccessCount    int    `json:"success_count"`
	LastFailureTime int64  `json:"last_failure_time,omitempty"`
}

// ConnectionPool reports backend connection-pool saturation.
type ConnectionPool struct {
	Active      int     `json:"active"`
	Idle        int     `json:"idle"`
	Total       int     `json:"total"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
}

// Degradation levels, from normal operation down to maintenance.
const (
	DegradationNormal      = "NORMAL"
	DegradationLimited     = "LIMITED"
	DegradationEssential   = "ESSENTIAL"
	DegradationEmergency   = "EMERGENCY"
	DegradationMaintenance = "MAINTENANCE"
)

// DegradationLevel is the backend's reported operational posture.
type DegradationLevel struct {
	Level            string   `json:"level"`
	Reason           string   `json:"reason,omitempty"`
	DisabledFeatures []string `json:"disabled_features,omitempty"`
}

// SessionInfo is server-side session metadata echoed in status pushes.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	TotalTokens  int    `json:"total_tokens"`
	LastActivity int64  `json:"last_activity,omitempty"`
}

// FeatureFlag is one backend feature toggle. Flags are replaced wholesale
// on each status update, never merged.
type FeatureFlag struct {
	Name            string  `json:"name"`
	Enabled         bool    `json:"enabled"`
	RolloutStrategy string  `json:"rollout_strategy,omitempty"`
	Percentage      float64 `json:"percentage,omitempty"`
}

// MetricsPayload is a point-in-time backend metrics push, replaced wholesale
// per update. Field names are camelCase on the wire.
type MetricsPayload struct {
	RequestRate       float64 `json:"requestRate"`
	ErrorRate         float64 `json:"errorRate"`
	P95ResponseTime   float64 `json:"p95ResponseTime"`
	ActiveConnections int     `json:"activeConnections"`
	Throughput        float64 `json:"throughput"`
}

// frame is the raw wire shape: a type tag plus type-specific fields. Chat,
// stream and typing inline their fields; control, status and metrics nest
// theirs under data.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Inline chat fields.
	ID            string  `json:"id,omitempty"`
	Response      string  `json:"response,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	TokensUsed    int     `json:"tokens_used,omitempty"`
	Error         string  `json:"error,omitempty"`

	// Inline stream field.
	Token string `json:"token,omitempty"`
}

// Decode parses a raw transport frame into an Envelope. Non-JSON input and
// frames without a type tag fail with ErrMalformedEnvelope; well-formed
// frames of an unrecognized type fail with ErrUnknownKind.
func Decode(raw []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if f.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	switch Kind(f.Type) {
	case KindChat:
		return Envelope{Kind: KindChat, Chat: &ChatPayload{
			ID:            f.ID,
			Response:      f.Response,
			SessionID:     f.SessionID,
			CorrelationID: f.CorrelationID,
			ExecutionTime: f.ExecutionTime,
			TokensUsed:    f.TokensUsed,
			Error:         f.Error,
		}}, nil

	case KindControl:
		var p ControlPayload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return Envelope{}, fmt.Errorf("%w: control data: %v", ErrMalformedEnvelope, err)
			}
		}
		return Envelope{Kind: KindControl, Control: &p}, nil

	case KindStatus:
		var p StatusPayload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return Envelope{}, fmt.Errorf("%w: status data: %v", ErrMalformedEnvelope, err)
			}
		}
		return Envelope{Kind: KindStatus, Status: &p}, nil

	case KindMetrics:
		var p MetricsPayload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return Envelope{}, fmt.Errorf("%w: metrics data: %v", ErrMalformedEnvelope, err)
			}
		}
		return Envelope{Kind: KindMetrics, Metrics: &p}, nil

	case KindStream:
		return Envelope{Kind: KindStream, Stream: &StreamPayload{Token: f.Token, Error: f.Error}}, nil

	case KindTyping:
		return Envelope{Kind: KindTyping}, nil

	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
}

// EncodeChatRequest builds the outbound chat submission frame.
func EncodeChatRequest(req ChatRequest) ([]byte, error) {
	return json.Marshal(struct {
		Type string      `json:"type"`
		Data ChatRequest `json:"data"`
	}{Type: string(KindChat), Data: req})
}

// EncodeControlRequest builds the outbound control frame requesting a
// status or metrics push.
func EncodeControlRequest(subtype string) ([]byte, error) {
	if subtype != ControlStatus && subtype != ControlMetrics {
		return nil, fmt.Errorf("invalid control subtype: %q", subtype)
	}
	return json.Marshal(struct {
		Type string         `json:"type"`
		Data ControlPayload `json:"data"`
	}{Type: string(KindControl), Data: ControlPayload{Type: subtype}})
}

// Encode serializes an inbound-shaped envelope back to its wire form. The
// stub backend uses this to emit frames; the client only decodes.
func Encode(env Envelope) ([]byte, error) {
	switch env.Kind {
	case KindChat:
		p := env.Chat
		if p == nil {
			p = &ChatPayload{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			*ChatPayload
		}{Type: string(KindChat), ChatPayload: p})

	case KindControl:
		p := env.Control
		if p == nil {
			p = &ControlPayload{}
		}
		return json.Marshal(struct {
			Type string          `json:"type"`
			Data *ControlPayload `json:"data"`
		}{Type: string(KindControl), Data: p})

	case KindStatus:
		return json.Marshal(struct {
			Type string         `json:"type"`
			Data *StatusPayload `json:"data"`
		}{Type: string(KindStatus), Data: env.Status})

	case KindMetrics:
		return json.Marshal(struct {
			Type string          `json:"type"`
			Data *MetricsPayload `json:"data"`
		}{Type: string(KindMetrics), Data: env.Metrics})

	case KindStream:
		p := env.Stream
		if p == nil {
			p = &StreamPayload{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			*StreamPayload
		}{Type: string(KindStream), StreamPayload: p})

	case KindTyping:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{Type: string(KindTyping)})

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
