package client

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

// ChatOptions parameterize an outbound chat submission. Zero values fall
// back to the client configuration defaults.
type ChatOptions struct {
	APIVersion       string // v1 or v2
	OptimizationMode string // lite, balanced or quality
	SwarmType        string // empty means no swarm
	UseMemory        bool   // ORed with the config default; options can only opt in
	CorrelationID    string // synthesized when empty
}

// BuildChatRequest constructs the chat envelope for text without sending
// it. The returned options carry the synthesized correlation id.
func (c *Client) BuildChatRequest(text string, opts ChatOptions) ([]byte, ChatOptions, error) {
	if opts.CorrelationID == "" {
		opts.CorrelationID = "corr_" + uuid.New().String()[:8]
	}
	if opts.APIVersion == "" {
		opts.APIVersion = c.cfg.APIVersion
	}
	if opts.OptimizationMode == "" {
		opts.OptimizationMode = c.cfg.OptimizationMode
	}
	opts.UseMemory = opts.UseMemory || c.cfg.UseMemory

	raw, err := protocol.EncodeChatRequest(protocol.ChatRequest{
		Message:          text,
		APIVersion:       opts.APIVersion,
		OptimizationMode: opts.OptimizationMode,
		SwarmType:        opts.SwarmType,
		UseMemory:        opts.UseMemory,
		Context: protocol.ChatContext{
			SessionID:     c.state.SessionID(),
			CorrelationID: opts.CorrelationID,
		},
	})
	if err != nil {
		return nil, opts, fmt.Errorf("encode chat request: %w", err)
	}
	return raw, opts, nil
}

// SendChat appends the optimistic local echo and submits the chat request.
// The echo is appended before the send; a failed send marks it failed
// rather than removing it, so the UI can surface the divergence. Returns
// the correlation id of the submission.
func (c *Client) SendChat(text string, opts ChatOptions) (string, error) {
	raw, opts, err := c.BuildChatRequest(text, opts)
	if err != nil {
		return "", err
	}

	c.state.AppendLocal(text, opts.CorrelationID)

	if err := c.Send(raw); err != nil {
		c.state.MarkDeliveryFailed(opts.CorrelationID)
		return opts.CorrelationID, err
	}
	return opts.CorrelationID, nil
}

// RequestStatus asks the backend for an immediate status push.
func (c *Client) RequestStatus() error {
	raw, err := protocol.EncodeControlRequest(protocol.ControlStatus)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

// RequestMetrics asks the backend for an immediate metrics push.
func (c *Client) RequestMetrics() error {
	raw, err := protocol.EncodeControlRequest(protocol.ControlMetrics)
	if err != nil {
		return err
	}
	return c.Send(raw)
}
