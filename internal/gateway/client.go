// Package gateway implements the client side of the agent gateway
// protocol: one persistent WebSocket carrying JSON request, response and
// event frames. The client owns the socket lifecycle, correlates requests
// with responses, dispatches server-push events and reassembles streaming
// agent runs into settled results.
package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/talkschnell/internal/logger"
)

// State represents the connection state of the gateway client.
type State int32

const (
	// StateDisconnected indicates no transport is open.
	StateDisconnected State = iota
	// StateConnecting indicates a dial or handshake is in progress.
	StateConnecting
	// StateConnected indicates the handshake was accepted.
	StateConnected
	// StateError indicates the last connect attempt failed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateListener observes connection state transitions. Listeners are
// notified synchronously in registration order.
type StateListener func(State)

// Config holds gateway client configuration.
type Config struct {
	// URL is the gateway WebSocket URL, e.g. "ws://127.0.0.1:18789/ws".
	URL string
	// Token is the optional gateway auth token.
	Token string

	// Client identity sent during the handshake.
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string
	DisplayName   string

	// Protocol version range this client supports.
	MinProtocol int
	MaxProtocol int

	// ConnectTimeout bounds the transport dial.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the version-negotiation round trip.
	HandshakeTimeout time.Duration
	// RequestTimeout is the default deadline for request round trips.
	RequestTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// RunDeadline bounds an agent run waiting for a terminal phase.
	RunDeadline time.Duration

	// ReconnectEnabled turns on automatic reconnection after unexpected
	// closure.
	ReconnectEnabled bool
	// MaxReconnectAttempts caps reconnection; after the cap the client
	// stays disconnected until Connect is called again.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the first backoff delay; each further attempt
	// doubles it up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig returns the default gateway client configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:                  "ws://127.0.0.1:18789/ws",
		ClientID:             "talkschnell",
		ClientVersion:        "1.0.0",
		Platform:             "web",
		Mode:                 "ui",
		DisplayName:          "Avatar Bridge",
		MinProtocol:          3,
		MaxProtocol:          3,
		ConnectTimeout:       10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		RequestTimeout:       30 * time.Second,
		WriteTimeout:         10 * time.Second,
		RunDeadline:          DefaultRunDeadline,
		ReconnectEnabled:     true,
		MaxReconnectAttempts: 8,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
	}
}

// backoffDelay returns the reconnect delay for the given attempt number
// (base × 2^attempt, capped). Delays are non-decreasing in attempt.
func (c *Config) backoffDelay(attempt int) time.Duration {
	delay := c.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.ReconnectMaxDelay {
			return c.ReconnectMaxDelay
		}
	}
	if delay > c.ReconnectMaxDelay {
		delay = c.ReconnectMaxDelay
	}
	return delay
}

type stateListenerEntry struct {
	id int64
	fn StateListener
}

// Client is the gateway protocol client. One Client owns one socket;
// multiple logical consumers (voice bridge, typed-chat bridge) may share
// it, since sends are serialized internally.
type Client struct {
	cfg *Config
	log *logger.Logger

	dispatcher *Dispatcher
	runs       *runTable

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state        atomic.Int32
	listenerMu   sync.Mutex
	listeners    []stateListenerEntry
	nextListener int64

	// Request correlation. IDs are strictly increasing for the lifetime
	// of the client.
	nextID    atomic.Int64
	pending   map[string]chan *Message
	pendingMu sync.Mutex

	sessionKey string
	sessionMu  sync.RWMutex

	reconnectAttempt atomic.Int32
	recovering       atomic.Bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	closed     atomic.Bool
}

// NewClient creates a gateway client. The connection is opened lazily by
// Connect.
func NewClient(cfg *Config, log *logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.Global()
	}
	log = log.WithComponent("gateway")

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		log:        log,
		dispatcher: NewDispatcher(log),
		runs:       newRunTable(log),
		pending:    make(map[string]chan *Message),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ReconnectAttempt returns the current reconnect attempt counter.
func (c *Client) ReconnectAttempt() int {
	return int(c.reconnectAttempt.Load())
}

// SessionKey returns the session key negotiated during the handshake, or
// "" before the first successful connect.
func (c *Client) SessionKey() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionKey
}

// ActiveRuns returns the IDs of agent runs still streaming.
func (c *Client) ActiveRuns() []string {
	return c.runs.activeRuns()
}

// On registers an event listener by event name; the returned function
// unregisters it.
func (c *Client) On(event string, fn EventHandler) (off func()) {
	return c.dispatcher.On(event, fn)
}

// OnStateChange registers a connection-state listener; the returned
// function unregisters it.
func (c *Client) OnStateChange(fn StateListener) (off func()) {
	c.listenerMu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, stateListenerEntry{id: id, fn: fn})
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// setState stores the new state and notifies listeners synchronously in
// registration order, iterating over a snapshot of the listener list.
func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.listenerMu.Lock()
	snapshot := make([]stateListenerEntry, len(c.listeners))
	copy(snapshot, c.listeners)
	c.listenerMu.Unlock()
	for _, e := range snapshot {
		e.fn(s)
	}
}

// Connect opens the transport and performs the version-negotiation
// handshake. It returns only after the handshake response is accepted; a
// protocol or auth rejection yields a *HandshakeError.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateConnected || c.State() == StateConnecting {
		return nil
	}
	// An explicit Connect re-arms a client that exhausted its reconnect
	// attempts or was disconnected.
	if c.closed.Swap(false) {
		c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.reconnectAttempt.Store(0)
	return c.connectOnce(ctx)
}

// connectOnce performs a single dial + handshake attempt.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateError)
		return &TransportError{Err: err}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// The read loop must be running before the handshake request goes
	// out, because its response arrives on the same socket.
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.teardown(conn)
		c.setState(StateError)
		return err
	}

	c.setState(StateConnected)
	c.log.Info("connected to gateway at %s", c.cfg.URL)
	return nil
}

// handshake sends the connect request and validates the response.
func (c *Client) handshake(ctx context.Context) error {
	params := ConnectParams{
		MinProtocol: c.cfg.MinProtocol,
		MaxProtocol: c.cfg.MaxProtocol,
		Client: ClientInfo{
			ID:          c.cfg.ClientID,
			Version:     c.cfg.ClientVersion,
			Platform:    c.cfg.Platform,
			Mode:        c.cfg.Mode,
			DisplayName: c.cfg.DisplayName,
		},
	}
	if c.cfg.Token != "" {
		params.Auth = &AuthParams{Token: c.cfg.Token}
	}

	resp, err := c.roundTrip(ctx, MethodConnect, params, c.cfg.HandshakeTimeout)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return &HandshakeError{Code: reqErr.Code, Message: reqErr.Message}
		}
		if errors.Is(err, ErrRequestTimeout) {
			return &HandshakeError{Code: "TIMEOUT", Message: "no handshake response"}
		}
		return err
	}

	hello, err := DecodePayload[HelloSnapshot](resp)
	if err != nil {
		return &HandshakeError{Code: "BAD_SNAPSHOT", Message: err.Error()}
	}

	c.sessionMu.Lock()
	c.sessionKey = hello.Key()
	c.sessionMu.Unlock()
	return nil
}

// Disconnect closes the transport and clears all pending state. It is
// idempotent and suppresses automatic reconnection until the next Connect.
func (c *Client) Disconnect() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.lifeCancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.failPending(ErrClientClosed)
	c.runs.clear()
	c.setState(StateDisconnected)
	return nil
}

// teardown closes a connection without touching the closed flag. Used for
// failed connect attempts and lost connections.
func (c *Client) teardown(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

// Request sends a request frame and waits for its response, failing with
// ErrNotConnected while offline, *RequestError on a non-ok response, and
// ErrRequestTimeout when the deadline passes. Each request settles exactly
// once; a response arriving after the timeout is ignored.
func (c *Client) Request(ctx context.Context, method string, params interface{}) ([]byte, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.roundTrip(ctx, method, params, c.cfg.RequestTimeout)
}

func (c *Client) roundTrip(ctx context.Context, method string, params interface{}, timeout time.Duration) ([]byte, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	if err := c.writeFrame(msg); err != nil {
		c.untrack(id)
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrNotConnected
		}
		if !resp.IsOK() {
			code, message := "UNKNOWN", "request rejected"
			if resp.Error != nil {
				code, message = resp.Error.Code, resp.Error.Message
			}
			return nil, &RequestError{Method: method, Code: code, Message: message}
		}
		return resp.Payload, nil

	case <-time.After(timeout):
		// Untracking first makes a late response a no-op.
		c.untrack(id)
		return nil, ErrRequestTimeout

	case <-ctx.Done():
		c.untrack(id)
		return nil, ctx.Err()
	}
}

func (c *Client) untrack(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending settles every pending request with err by closing its
// channel after the error is recorded.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		c.log.Debug("failing pending request %s: %v", id, err)
		close(ch)
	}
}

// writeFrame serializes and writes one frame. gorilla/websocket does not
// allow concurrent writes, so all writes go through writeMu.
func (c *Client) writeFrame(msg *Message) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// readLoop reads frames until the connection dies, routing responses to
// the correlator and events to the dispatcher and run table.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLost(conn, err)
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.log.Warn("dropping malformed frame: %v", err)
			continue
		}

		switch msg.Type {
		case TypeResponse:
			c.settleResponse(msg)
		case TypeEvent:
			c.handleEvent(msg)
		default:
			// Servers do not send request frames to clients.
			c.log.Debug("ignoring unexpected %s frame", msg.Type)
		}
	}
}

// settleResponse resolves the pending request matching the response ID.
// Responses for untracked IDs (already timed out or never sent) are
// dropped.
func (c *Client) settleResponse(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("response for unknown request %s dropped", msg.ID)
		return
	}
	ch <- msg
}

// handleEvent dispatches an event to listeners and, for agent stream
// events, forwards the payload to the run table by run ID.
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == EventAgentStream {
		payload, err := DecodePayload[AgentEventPayload](msg.Payload)
		if err != nil {
			c.log.Warn("dropping malformed agent event: %v", err)
			return
		}
		if c.inSession(payload.SessionKey) {
			c.runs.route(payload)
		}
	}

	c.dispatcher.Dispatch(Event{Name: msg.Event, Payload: msg.Payload, Seq: msg.Seq})
}

// inSession reports whether an event's session key matches the negotiated
// one. Events without a key, or connections without one, always match.
func (c *Client) inSession(key string) bool {
	if key == "" {
		return true
	}
	own := c.SessionKey()
	return own == "" || own == key
}

// handleConnectionLost reacts to an unexpected closure: pending requests
// fail with a transport error, active runs are left to reach their own
// deadlines, and reconnection starts if enabled.
func (c *Client) handleConnectionLost(conn *websocket.Conn, err error) {
	if c.closed.Load() {
		return
	}
	// Only the owner of the current connection may trigger recovery; read
	// loops of already-replaced connections exit silently.
	c.connMu.RLock()
	current := c.conn == conn
	c.connMu.RUnlock()
	if !current {
		return
	}
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}

	c.log.Warn("connection lost: %v", err)
	c.teardown(conn)
	c.failPending(&TransportError{Err: err})
	c.runs.clear()
	c.setState(StateDisconnected)

	if c.cfg.ReconnectEnabled {
		go c.reconnectLoop()
	} else {
		c.recovering.Store(false)
	}
}

// reconnectLoop retries connectOnce with exponential backoff until it
// succeeds or the attempt cap is reached. After the cap the client stays
// disconnected until Connect is called explicitly.
func (c *Client) reconnectLoop() {
	defer c.recovering.Store(false)

	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		c.reconnectAttempt.Store(int32(attempt + 1))
		delay := c.cfg.backoffDelay(attempt)
		c.log.Info("reconnect attempt %d/%d in %v", attempt+1, c.cfg.MaxReconnectAttempts, delay)

		select {
		case <-c.lifeCtx.Done():
			return
		case <-time.After(delay):
		}

		if c.closed.Load() {
			return
		}

		if err := c.connectOnce(c.lifeCtx); err != nil {
			c.log.Warn("reconnect attempt %d failed: %v", attempt+1, err)
			c.setState(StateDisconnected)
			continue
		}

		c.reconnectAttempt.Store(0)
		c.log.Info("reconnected after %d attempt(s)", attempt+1)
		return
	}

	c.log.Error("reconnect attempts exhausted, staying disconnected")
}
