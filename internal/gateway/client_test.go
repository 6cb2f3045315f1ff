package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeGateway starts a WebSocket server that feeds every parsed frame
// to handle. The handler writes response and event frames back on the
// same connection.
func newFakeGateway(t *testing.T, handle func(conn *websocket.Conn, msg *Message)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := ParseMessage(data)
			if err != nil {
				continue
			}
			handle(conn, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg *Message) {
	t.Helper()
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func okResponse(t *testing.T, id string, payload interface{}) *Message {
	t.Helper()
	ok := true
	msg := &Message{Type: TypeResponse, ID: id, OK: &ok}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	return msg
}

func errResponse(id, code, message string) *Message {
	notOK := false
	return &Message{
		Type:  TypeResponse,
		ID:    id,
		OK:    &notOK,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

func agentStreamFrame(t *testing.T, p *AgentEventPayload) *Message {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &Message{Type: TypeEvent, Event: EventAgentStream, Payload: raw}
}

// acceptHandshake answers connect requests with an ok hello snapshot and
// leaves everything else to next.
func acceptHandshake(t *testing.T, sessionKey string, next func(conn *websocket.Conn, msg *Message)) func(conn *websocket.Conn, msg *Message) {
	return func(conn *websocket.Conn, msg *Message) {
		if msg.Type == TypeRequest && msg.Method == MethodConnect {
			sendFrame(t, conn, okResponse(t, msg.ID, map[string]interface{}{
				"protocol":   3,
				"sessionKey": sessionKey,
			}))
			return
		}
		if next != nil {
			next(conn, msg)
		}
	}
}

func testConfig(url string) *Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.RunDeadline = 2 * time.Second
	cfg.ReconnectEnabled = false
	return cfg
}

func TestClientConnectHandshake(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "sess-1", nil))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, "sess-1", client.SessionKey())
}

func TestClientConnectSendsProtocolRange(t *testing.T) {
	gotParams := make(chan ConnectParams, 1)
	srv := newFakeGateway(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodConnect {
			return
		}
		var params ConnectParams
		require.NoError(t, json.Unmarshal(msg.Params, &params))
		gotParams <- params
		sendFrame(t, conn, okResponse(t, msg.ID, map[string]int{"protocol": 3}))
	})

	cfg := testConfig(wsURL(srv))
	cfg.Token = "secret"
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	params := <-gotParams
	assert.Equal(t, cfg.MinProtocol, params.MinProtocol)
	assert.Equal(t, cfg.MaxProtocol, params.MaxProtocol)
	assert.Equal(t, cfg.ClientID, params.Client.ID)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "secret", params.Auth.Token)
}

func TestClientConnectHandshakeRejected(t *testing.T) {
	srv := newFakeGateway(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Method == MethodConnect {
			sendFrame(t, conn, errResponse(msg.ID, "UNSUPPORTED_PROTOCOL", "no shared protocol version"))
		}
	})

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()

	err := client.Connect(context.Background())
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "UNSUPPORTED_PROTOCOL", hsErr.Code)
	assert.Equal(t, StateError, client.State())
}

func TestClientConnectDialFailure(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.ConnectTimeout = 500 * time.Millisecond
	client := NewClient(cfg, nil)
	defer client.Disconnect()

	err := client.Connect(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, StateError, client.State())
}

func TestClientRequestWhileDisconnected(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1/ws"), nil)
	_, err := client.Request(context.Background(), "agent", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestClientRequestResponse(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		sendFrame(t, conn, okResponse(t, msg.ID, map[string]string{"echo": msg.Method}))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	payload, err := client.Request(context.Background(), "agent", map[string]string{"message": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"agent"}`, string(payload))
}

func TestClientRequestErrorResponse(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		sendFrame(t, conn, errResponse(msg.ID, "BUSY", "agent unavailable"))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Request(context.Background(), "agent", nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "BUSY", reqErr.Code)
	assert.Equal(t, "agent", reqErr.Method)
}

func TestClientRequestTimeoutThenLateResponse(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)

	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		if slow.Swap(false) {
			// Answer well past the request deadline.
			time.Sleep(300 * time.Millisecond)
		}
		sendFrame(t, conn, okResponse(t, msg.ID, nil))
	}))

	cfg := testConfig(wsURL(srv))
	cfg.RequestTimeout = 100 * time.Millisecond
	client := NewClient(cfg, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Request(context.Background(), "agent", nil)
	require.True(t, errors.Is(err, ErrRequestTimeout))

	// The late response for the first request must be dropped silently,
	// and the client must keep working for later requests.
	cfg.RequestTimeout = 2 * time.Second
	_, err = client.Request(context.Background(), "agent", nil)
	assert.NoError(t, err)
}

func TestClientRequestIDsIncrease(t *testing.T) {
	ids := make(chan string, 8)
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		ids <- msg.ID
		sendFrame(t, conn, okResponse(t, msg.ID, nil))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := client.Request(context.Background(), "agent", nil)
		require.NoError(t, err)
	}

	prev := int64(0)
	for i := 0; i < 3; i++ {
		id, err := strconv.ParseInt(<-ids, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestClientAskAggregatesRun(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "sess-1", func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodAgent {
			return
		}
		sendFrame(t, conn, okResponse(t, msg.ID, AgentAccept{
			RunID: "run-1", Status: "accepted", ConversationID: "conv-1",
		}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 1, Stream: StreamAssistant, SessionKey: "sess-1",
			Data: AgentEventData{Delta: "Hi"},
		}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 2, Stream: StreamAssistant, SessionKey: "sess-1",
			Data: AgentEventData{Delta: " there"},
		}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 3, Stream: StreamLifecycle, SessionKey: "sess-1",
			Data: AgentEventData{Phase: PhaseEnd},
		}))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	result, err := client.Ask(context.Background(), "hello", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", result.Text)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "conv-1", result.ConversationID)
}

func TestClientAskRunError(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodAgent {
			return
		}
		sendFrame(t, conn, okResponse(t, msg.ID, AgentAccept{RunID: "run-1", Status: "accepted"}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 1, Stream: StreamLifecycle,
			Data: AgentEventData{Phase: PhaseError, Error: "tool crashed"},
		}))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Ask(context.Background(), "hello", AskOptions{})
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Contains(t, runErr.Error(), "tool crashed")
}

func TestClientAskRunDeadline(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodAgent {
			return
		}
		// Accept the run but never send a terminal phase.
		sendFrame(t, conn, okResponse(t, msg.ID, AgentAccept{RunID: "run-1", Status: "accepted"}))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Ask(context.Background(), "hello", AskOptions{Deadline: 50 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrRunTimeout))
}

func TestClientIgnoresForeignSessionEvents(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "sess-1", func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodAgent {
			return
		}
		sendFrame(t, conn, okResponse(t, msg.ID, AgentAccept{RunID: "run-1", Status: "accepted"}))
		// Event for another session must not contribute to the run.
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 1, Stream: StreamAssistant, SessionKey: "other",
			Data: AgentEventData{Delta: "intruder"},
		}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 2, Stream: StreamAssistant, SessionKey: "sess-1",
			Data: AgentEventData{Delta: "mine"},
		}))
		sendFrame(t, conn, agentStreamFrame(t, &AgentEventPayload{
			RunID: "run-1", Seq: 3, Stream: StreamLifecycle, SessionKey: "sess-1",
			Data: AgentEventData{Phase: PhaseEnd},
		}))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	result, err := client.Ask(context.Background(), "hello", AskOptions{})
	require.NoError(t, err)
	assert.Equal(t, "mine", result.Text)
}

func TestClientEventListeners(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", func(conn *websocket.Conn, msg *Message) {
		if msg.Method != "poke" {
			return
		}
		raw, _ := json.Marshal(map[string]string{"value": "x"})
		seq := int64(9)
		sendFrame(t, conn, &Message{Type: TypeEvent, Event: "custom.event", Payload: raw, Seq: &seq})
		sendFrame(t, conn, okResponse(t, msg.ID, nil))
	}))

	client := NewClient(testConfig(wsURL(srv)), nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	got := make(chan Event, 1)
	off := client.On("custom.event", func(evt Event) { got <- evt })
	defer off()

	_, err := client.Request(context.Background(), "poke", nil)
	require.NoError(t, err)

	select {
	case evt := <-got:
		assert.Equal(t, "custom.event", evt.Name)
		require.NotNil(t, evt.Seq)
		assert.Equal(t, int64(9), *evt.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("event listener was not invoked")
	}
}

func TestClientStateListeners(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", nil))

	client := NewClient(testConfig(wsURL(srv)), nil)

	var transitions []State
	client.OnStateChange(func(s State) { transitions = append(transitions, s) })

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Disconnect())

	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, transitions)
}

func TestClientDisconnectIdempotent(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", nil))

	client := NewClient(testConfig(wsURL(srv)), nil)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	var drops atomic.Int32
	srv := newFakeGateway(t, func(conn *websocket.Conn, msg *Message) {
		if msg.Method != MethodConnect {
			return
		}
		sendFrame(t, conn, okResponse(t, msg.ID, map[string]int{"protocol": 3}))
		// Kill the first connection right after the handshake.
		if drops.Add(1) == 1 {
			conn.Close()
		}
	})

	cfg := testConfig(wsURL(srv))
	cfg.ReconnectEnabled = true
	cfg.MaxReconnectAttempts = 5
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond

	client := NewClient(cfg, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return client.State() == StateConnected && drops.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, client.ReconnectAttempt())
}

func TestClientStaysDisconnectedAfterExhaustedReconnects(t *testing.T) {
	srv := newFakeGateway(t, acceptHandshake(t, "", nil))

	cfg := testConfig(wsURL(srv))
	cfg.ReconnectEnabled = true
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond

	client := NewClient(cfg, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	// Take the server away so every reconnect attempt fails.
	srv.CloseClientConnections()
	srv.Close()

	require.Eventually(t, func() bool {
		return client.State() == StateDisconnected && client.ReconnectAttempt() == cfg.MaxReconnectAttempts
	}, 5*time.Second, 20*time.Millisecond)

	// No further attempts happen until Connect is called explicitly.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestBackoffDelay(t *testing.T) {
	cfg := &Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 5, want: 30 * time.Second},
		{attempt: 10, want: 30 * time.Second},
	}

	prev := time.Duration(0)
	for _, tt := range tests {
		got := cfg.backoffDelay(tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}
