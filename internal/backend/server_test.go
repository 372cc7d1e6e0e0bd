package backend

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
)

func dialStub(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	stub := NewServer(nil)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return stub, ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestControlStatusReturnsHealthPush(t *testing.T) {
	_, ws := dialStub(t)

	raw, err := protocol.EncodeControlRequest(protocol.ControlStatus)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindStatus, env.Kind)
	assert.Equal(t, "healthy", env.Status.OverallHealth)
	assert.NotEmpty(t, env.Status.CircuitBreakers)
	assert.NotNil(t, env.Status.ConnectionPool)
}

func TestChatStreamsTokensThenFinalFrame(t *testing.T) {
	_, ws := dialStub(t)

	raw, err := protocol.EncodeChatRequest(protocol.ChatRequest{
		Message:          "hi",
		APIVersion:       "v2",
		OptimizationMode: "balanced",
		Context:          protocol.ChatContext{SessionID: "s1", CorrelationID: "c1"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindTyping, env.Kind)

	var accumulated string
	for {
		env = readEnvelope(t, ws)
		if env.Kind == protocol.KindChat {
			break
		}
		require.Equal(t, protocol.KindStream, env.Kind)
		accumulated += env.Stream.Token
	}

	assert.Equal(t, "You said: hi", env.Chat.Response)
	assert.Equal(t, env.Chat.Response, accumulated)
	assert.Equal(t, "c1", env.Chat.CorrelationID)
	assert.Positive(t, env.Chat.TokensUsed)
}

func TestPushStatusBroadcasts(t *testing.T) {
	stub, ws := dialStub(t)

	require.Eventually(t, func() bool { return stub.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)

	stub.PushStatus(protocol.StatusPayload{
		DegradationLevel: &protocol.DegradationLevel{Level: protocol.DegradationEmergency, Reason: "drill"},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindStatus, env.Kind)
	assert.Equal(t, protocol.DegradationEmergency, env.Status.DegradationLevel.Level)
}

func TestTokenizeReassembles(t *testing.T) {
	cases := []string{"Hello there", "one", "a b c ", ""}
	for _, text := range cases {
		assert.Equal(t, text, strings.Join(tokenize(text), ""))
	}
}

func TestUnknownFrameIgnored(t *testing.T) {
	_, ws := dialStub(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	// The connection survives and still answers control requests.
	raw, _ := protocol.EncodeControlRequest(protocol.ControlMetrics)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.KindMetrics, env.Kind)
	assert.Equal(t, 1, env.Metrics.ActiveConnections)
}
