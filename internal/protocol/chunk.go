package protocol

import "encoding/json"

// StreamChunk is the JSON payload of one "data: " line on the chunked-HTTP
// fallback transport. Exactly one of Token / Error is meaningful per line;
// Done marks the terminal line and may carry the final response text.
type StreamChunk struct {
	Token         string  `json:"token,omitempty"`
	Done          bool    `json:"done,omitempty"`
	Response      string  `json:"response,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	TokensUsed    int     `json:"tokens_used,omitempty"`
}

// StreamRequest is the POST body opening a fallback stream.
type StreamRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	UseContext bool   `json:"use_context"`
	Stream     bool   `json:"stream"`
}

// DecodeChunk parses one fallback stream line payload.
func DecodeChunk(data []byte) (StreamChunk, error) {
	var c StreamChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return StreamChunk{}, err
	}
	return c, nil
}
