package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
)

// RESTClient talks to the backend's REST surface: session history, session
// teardown and the health probe. These endpoints are consumed, not designed
// here.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewREST creates a REST client for the backend base URL.
func NewREST(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HistoryResponse is the session history payload.
type HistoryResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
}

// History fetches the persisted transcript for a session.
func (r *RESTClient) History(ctx context.Context, sessionID string) (*HistoryResponse, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/history", r.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create history request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.errorFrom(resp)
	}

	var hist HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &hist, nil
}

// DeleteSession asks the backend to tear down a session. The client-side
// session object survives; only server state is released.
func (r *RESTClient) DeleteSession(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/api/sessions/%s", r.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return r.errorFrom(resp)
	}
	return nil
}

// Health fetches a point-in-time health payload over REST, the same shape
// as a status push.
func (r *RESTClient) Health(ctx context.Context) (*protocol.StatusPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.errorFrom(resp)
	}

	var status protocol.StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &status, nil
}

func (r *RESTClient) errorFrom(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("backend error: %s", errResp.Error)
	}
	return fmt.Errorf("backend returned status %d", resp.StatusCode)
}
