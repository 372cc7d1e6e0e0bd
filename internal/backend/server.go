package backend

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
)

// Responder produces the assistant reply for a chat message.
type Responder func(message string) string

// EchoResponder is the default reply script.
func EchoResponder(message string) string {
	return "You said: " + message
}

// Server is the stub backend.
type Server struct {
	echo     *echo.Echo
	hub      *Hub
	upgrader websocket.Upgrader
	respond  Responder

	// TokenDelay is the pause between streamed tokens. Zero (tests) streams
	// as fast as the transport drains.
	TokenDelay time.Duration

	mu       sync.Mutex
	sessions map[string][]session.Message
}

// NewServer creates a stub backend with the given reply script.
func NewServer(respond Responder) *Server {
	if respond == nil {
		respond = EchoResponder
	}
	s := &Server{
		echo:    echo.New(),
		hub:     NewHub(),
		respond: respond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string][]session.Message),
	}
	s.echo.HideBanner = true
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.POST("/api/chat/stream", s.handleStream)
	s.echo.GET("/api/sessions/:session_id/history", s.handleHistory)
	s.echo.DELETE("/api/sessions/:session_id", s.handleDeleteSession)
	s.echo.GET("/health", s.handleHealth)
	return s
}

// Handler exposes the server for httptest wrapping.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// PushStatus broadcasts a status frame to every connected dashboard.
func (s *Server) PushStatus(p protocol.StatusPayload) {
	raw, err := protocol.Encode(protocol.Envelope{Kind: protocol.KindStatus, Status: &p})
	if err != nil {
		log.Printf("backend: encode status push: %v", err)
		return
	}
	s.hub.Broadcast(raw)
}

// outboundFrame is the client -> backend wire shape.
type outboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("backend: upgrade failed: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	go conn.writePump(30*time.Second, 10*time.Second)

	go func() {
		defer s.hub.Unregister(conn)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("backend: websocket error: %v", err)
				}
				return
			}
			s.handleFrame(conn, data)
		}
	}()
	return nil
}

func (s *Server) handleFrame(conn *Connection, data []byte) {
	var f outboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("backend: ignoring invalid frame: %v", err)
		return
	}

	switch protocol.Kind(f.Type) {
	case protocol.KindChat:
		var req protocol.ChatRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			log.Printf("backend: invalid chat request: %v", err)
			return
		}
		go s.serveChat(conn, req)

	case protocol.KindControl:
		var ctl protocol.ControlPayload
		if err := json.Unmarshal(f.Data, &ctl); err != nil {
			log.Printf("backend: invalid control request: %v", err)
			return
		}
		switch ctl.Type {
		case protocol.ControlStatus:
			s.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindStatus, Status: s.statusPayload()})
		case protocol.ControlMetrics:
			s.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindMetrics, Metrics: s.metricsPayload()})
		}

	default:
		log.Printf("backend: ignoring frame type %q", f.Type)
	}
}

// serveChat plays the streamed reply script: typing, one token per word,
// then the terminal chat frame carrying the full response.
func (s *Server) serveChat(conn *Connection, req protocol.ChatRequest) {
	start := time.Now()
	s.recordMessage(req.Context.SessionID, session.Message{
		ID:            "msg_" + uuid.New().String()[:8],
		Role:          session.RoleUser,
		Content:       req.Message,
		Timestamp:     start,
		CorrelationID: req.Context.CorrelationID,
	})

	s.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindTyping})

	response := s.respond(req.Message)
	for _, token := range tokenize(response) {
		s.sendEnvelope(conn, protocol.Envelope{
			Kind:   protocol.KindStream,
			Stream: &protocol.StreamPayload{Token: token},
		})
		if s.TokenDelay > 0 {
			time.Sleep(s.TokenDelay)
		}
	}

	reply := session.Message{
		ID:            "msg_" + uuid.New().String()[:8],
		Role:          session.RoleAssistant,
		Content:       response,
		Timestamp:     time.Now(),
		CorrelationID: req.Context.CorrelationID,
		TokenCount:    len(strings.Fields(response)),
	}
	s.recordMessage(req.Context.SessionID, reply)

	s.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindChat, Chat: &protocol.ChatPayload{
		ID:            reply.ID,
		Response:      response,
		SessionID:     req.Context.SessionID,
		CorrelationID: req.Context.CorrelationID,
		ExecutionTime: time.Since(start).Seconds(),
		TokensUsed:    reply.TokenCount,
	}})
}

func (s *Server) sendEnvelope(conn *Connection, env protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		log.Printf("backend: encode %s: %v", env.Kind, err)
		return
	}
	s.hub.SendTo(conn, raw)
}

// handleStream serves the chunked-HTTP fallback: data: lines, one token per
// word, then the done line.
func (s *Server) handleStream(c echo.Context) error {
	var req protocol.StreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	start := time.Now()
	s.recordMessage(req.SessionID, session.Message{
		ID:        "msg_" + uuid.New().String()[:8],
		Role:      session.RoleUser,
		Content:   req.Message,
		Timestamp: start,
	})

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	writeChunk := func(chunk protocol.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n", data); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	response := s.respond(req.Message)
	for _, token := range tokenize(response) {
		if err := writeChunk(protocol.StreamChunk{Token: token}); err != nil {
			return nil // client went away
		}
		if s.TokenDelay > 0 {
			time.Sleep(s.TokenDelay)
		}
	}

	s.recordMessage(req.SessionID, session.Message{
		ID:         "msg_" + uuid.New().String()[:8],
		Role:       session.RoleAssistant,
		Content:    response,
		Timestamp:  time.Now(),
		TokenCount: len(strings.Fields(response)),
	})

	writeChunk(protocol.StreamChunk{
		Done:          true,
		Response:      response,
		ExecutionTime: time.Since(start).Seconds(),
		TokensUsed:    len(strings.Fields(response)),
	})
	return nil
}

func (s *Server) handleHistory(c echo.Context) error {
	sessionID := c.Param("session_id")
	s.mu.Lock()
	msgs := append([]session.Message(nil), s.sessions[sessionID]...)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.statusPayload())
}

func (s *Server) recordMessage(sessionID string, m session.Message) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], m)
	s.mu.Unlock()
}

func (s *Server) statusPayload() *protocol.StatusPayload {
	return &protocol.StatusPayload{
		OverallHealth: "healthy",
		Components: []protocol.ComponentHealth{
			{Name: "orchestrator", Status: "healthy", UptimeSec: 3600, ErrorRate: 0.001, ResponseTime: 42},
			{Name: "memory", Status: "healthy", UptimeSec: 3600, ErrorRate: 0, ResponseTime: 8},
		},
		CircuitBreakers: []protocol.CircuitBreaker{
			{Name: "llm", State: protocol.BreakerClosed, SuccessCount: 128},
			{Name: "memory", State: protocol.BreakerClosed, SuccessCount: 64},
		},
		ConnectionPool: &protocol.ConnectionPool{
			Active: s.hub.Count(), Idle: 8, Total: s.hub.Count() + 8, Max: 50,
			Utilization: float64(s.hub.Count()) / 50,
		},
		DegradationLevel: &protocol.DegradationLevel{Level: protocol.DegradationNormal},
		FeatureFlags: []protocol.FeatureFlag{
			{Name: "memory", Enabled: true, RolloutStrategy: "all"},
			{Name: "swarm", Enabled: true, RolloutStrategy: "percentage", Percentage: 50},
		},
	}
}

func (s *Server) metricsPayload() *protocol.MetricsPayload {
	return &protocol.MetricsPayload{
		RequestRate:       12.5,
		ErrorRate:         0.004,
		P95ResponseTime:   180,
		ActiveConnections: s.hub.Count(),
		Throughput:        440,
	}
}

// tokenize splits a response into word tokens, each keeping its trailing
// space, so concatenation reproduces the original text.
func tokenize(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
