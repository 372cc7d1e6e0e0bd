package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

// streamPath is the chunked-stream endpoint relative to the REST base URL.
const streamPath = "/api/chat/stream"

// dataPrefix is the line framing of the fallback stream. Lines without it
// are ignored.
const dataPrefix = "data: "

// StreamChat submits text over the chunked-HTTP fallback transport and
// feeds the response stream through the same accumulator as the socket
// path. Used when no duplex socket is available. The call blocks until the
// stream ends; cancel ctx (or Close the client) to abandon the read loop.
func (c *Client) StreamChat(ctx context.Context, text string) error {
	corr := "corr_" + uuid.New().String()[:8]
	c.state.AppendLocal(text, corr)

	body, err := json.Marshal(protocol.StreamRequest{
		Message:    text,
		SessionID:  c.state.SessionID(),
		UseContext: true,
		Stream:     true,
	})
	if err != nil {
		c.state.MarkDeliveryFailed(corr)
		return fmt.Errorf("encode stream request: %w", err)
	}

	// Tie the read loop to both the caller's ctx and the client lifecycle.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HTTPURL+streamPath, bytes.NewReader(body))
	if err != nil {
		c.state.MarkDeliveryFailed(corr)
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := streamHTTPClient.Do(req)
	if err != nil {
		c.state.MarkDeliveryFailed(corr)
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.state.MarkDeliveryFailed(corr)
		return fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}

	return c.readStream(resp.Body, corr)
}

// readStream consumes data: lines until done, error or EOF. Individual
// unparseable lines are skipped with a warning; they never kill the stream.
func (c *Client) readStream(body io.Reader, corr string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		chunk, err := protocol.DecodeChunk([]byte(strings.TrimPrefix(line, dataPrefix)))
		if err != nil {
			log.Printf("client: skipping bad stream line: %v", err)
			continue
		}

		switch {
		case chunk.Error != "":
			// An error reply is still correlated backend activity: the
			// terminal chat frame carries the correlation id so the local
			// echo is acknowledged, not left pending.
			c.state.Apply(c.state.Epoch(), protocol.Envelope{
				Kind: protocol.KindChat,
				Chat: &protocol.ChatPayload{
					Error:         chunk.Error,
					CorrelationID: corr,
				},
			})
			return nil

		case chunk.Done:
			c.state.Apply(c.state.Epoch(), protocol.Envelope{
				Kind: protocol.KindChat,
				Chat: &protocol.ChatPayload{
					Response:      chunk.Response,
					CorrelationID: corr,
					ExecutionTime: chunk.ExecutionTime,
					TokensUsed:    chunk.TokensUsed,
				},
			})
			return nil

		case chunk.Token != "":
			c.state.Apply(c.state.Epoch(), protocol.Envelope{
				Kind:   protocol.KindStream,
				Stream: &protocol.StreamPayload{Token: chunk.Token},
			})
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	// Stream ended without a done marker; whatever accumulated stays as the
	// in-flight content, mirroring a mid-stream transport close.
	return nil
}

// streamHTTPClient has no overall timeout: stream duration is open-ended
// and cancellation comes from the request context.
var streamHTTPClient = &http.Client{Timeout: 0}
