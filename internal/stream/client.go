// Package stream maintains a persistent WebSocket connection to the fleet's
// event endpoint and fans incoming messages out to subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateFailed       State = "failed"
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 30 * time.Second

	maxBackoffMultiplier = 5
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	DisableReconnect     bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	Header               http.Header

	// HeaderFunc, when set, supplies the handshake headers before each dial.
	HeaderFunc func() (http.Header, error)
	Dialer     *websocket.Dialer
}

// Handler receives a message or a local notification.
type Handler func(Message)

// Subscription identifies a registered handler.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Client is a reconnecting WebSocket client. All connection state is guarded
// by mu; every timer and goroutine remembers the generation it was started
// for and does nothing once the generation has moved on.
type Client struct {
	url  string
	opts Options

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64
	attempts   int
	manual     bool
	lastErr    error
	retryTimer *time.Timer
	stopBeat   chan struct{}
	cancelDial context.CancelFunc

	writeMu sync.Mutex

	subMu    sync.RWMutex
	handlers map[string][]subscriber
	nextSub  uint64
}

// NewClient creates a disconnected Client for url.
func NewClient(url string, opts Options) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	return &Client{
		url:      url,
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[string][]subscriber),
	}
}

// URL returns the endpoint the client connects to.
func (c *Client) URL() string { return c.url }

// MaxReconnectAttempts returns the configured retry budget.
func (c *Client) MaxReconnectAttempts() int { return c.opts.MaxReconnectAttempts }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// Attempts returns the number of reconnect attempts since the last successful connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the most recent *TransportError, ErrReconnectExhausted
// once retries are spent, or nil after a successful connect.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect starts connecting in the background. It also gives a fresh retry
// budget, which is the way out of StateFailed. It is a no-op while already
// connecting or connected.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnecting || c.state == StateConnected {
		return
	}
	c.manual = false
	c.attempts = 0
	c.stopTimersLocked()
	c.beginDialLocked()
}

// Disconnect closes the connection and cancels any pending reconnect or
// in-flight dial. No automatic reconnect follows. Unless the client was
// already disconnected, subscribers get a disconnected notification with
// code 1000. The notification is skipped when a Connect from another
// goroutine has already started a newer connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	gen := c.gen
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect"), deadline)
		conn.Close()
	}
	if prev == StateDisconnected {
		return
	}

	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	log.Info().Str("url", c.url).Str("previous_state", string(prev)).Msg("Fleet stream disconnected")
	c.notify(EventDisconnected, DisconnectedData{Code: websocket.CloseNormalClosure, Reason: "Client disconnect"})
}

// Send writes {type, data, timestamp} to the transport. It returns false
// without any I/O when not connected; true means the frame was handed to the
// socket, not that it was delivered.
func (c *Client) Send(msgType string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	gen := c.gen
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		log.Debug().Str("type", msgType).Msg("Cannot send, fleet stream not connected")
		return false
	}

	msg, err := newMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode stream message")
		return false
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode stream message")
		return false
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.mu.Lock()
		if gen == c.gen {
			c.lastErr = terr
		}
		c.mu.Unlock()
		log.Warn().Err(err).Str("type", msgType).Msg("Fleet stream write failed")
		c.notify(EventError, ErrorData{Op: terr.Op, Message: err.Error()})
		// The read loop sees the closed socket and takes the reconnect path.
		conn.Close()
		return false
	}
	return true
}

// On registers h for eventType. Handlers for one type run in registration order.
func (c *Client) On(eventType string, h Handler) Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSub++
	c.handlers[eventType] = append(c.handlers[eventType], subscriber{id: c.nextSub, handler: h})
	return Subscription{eventType: eventType, id: c.nextSub}
}

// Off removes a single handler.
func (c *Client) Off(sub Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	subs := c.handlers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			c.handlers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.eventType]) == 0 {
		delete(c.handlers, sub.eventType)
	}
}

// OffAll removes every handler of eventType.
func (c *Client) OffAll(eventType string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.handlers, eventType)
}

// beginDialLocked starts a new generation and dials in the background.
func (c *Client) beginDialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	c.cancelDial = cancel
	c.state = StateConnecting

	log.Info().Str("url", c.url).Int("attempt", c.attempts).Msg("Connecting to fleet stream")
	go c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	header := c.opts.Header
	var conn *websocket.Conn
	var err error
	if c.opts.HeaderFunc != nil {
		header, err = c.opts.HeaderFunc()
	}
	if err == nil {
		conn, _, err = c.opts.Dialer.DialContext(ctx, c.url, header)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.lastErr = terr
		c.state = StateError
		c.mu.Unlock()

		log.Warn().Err(err).Str("url", c.url).Msg("Fleet stream connection failed")
		c.notify(EventError, ErrorData{Op: terr.Op, Message: err.Error()})
		c.scheduleReconnect(gen)
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()

	log.Info().Str("url", c.url).Msg("Connected to fleet stream")
	go c.heartbeat(stop)
	c.notify(EventConnected, map[string]int64{"timestamp": time.Now().UnixMilli()})
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatch(raw)
	}
}

// handleClose runs when the transport closes without Disconnect being called.
func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected

	data := DisconnectedData{Code: websocket.CloseAbnormalClosure}
	var closeErr *websocket.CloseError
	abnormal := !errors.As(err, &closeErr)
	if abnormal {
		c.lastErr = &TransportError{Op: "read", Err: err}
	} else {
		data.Code = closeErr.Code
		data.Reason = closeErr.Text
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	log.Warn().Err(err).Str("url", c.url).Int("code", data.Code).Msg("Fleet stream closed")
	if abnormal {
		c.notify(EventError, ErrorData{Op: "read", Message: err.Error()})
	}
	c.notify(EventDisconnected, data)
	c.scheduleReconnect(gen)
}

// scheduleReconnect arms the next retry with linear backoff capped at
// maxBackoffMultiplier, or enters StateFailed when the budget is spent.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manual || c.opts.DisableReconnect {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = StateFailed
		c.lastErr = ErrReconnectExhausted
		attempts := c.attempts
		// Retire the generation so nothing else can fire for it.
		c.gen++
		c.mu.Unlock()

		log.Error().Str("url", c.url).Int("attempts", attempts).Msg("Max reconnect attempts reached")
		c.notify(EventReconnectFailed, ReconnectFailedData{Attempts: attempts})
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.opts.ReconnectInterval * time.Duration(min(attempt, maxBackoffMultiplier))
	c.state = StateReconnecting
	c.mu.Unlock()

	log.Info().Str("url", c.url).Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to fleet stream")
	c.notify(EventReconnecting, ReconnectingData{Attempt: attempt, Max: c.opts.MaxReconnectAttempts, DelayMs: delay.Milliseconds()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.manual {
		return
	}
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.manual {
		return
	}
	c.retryTimer = nil
	c.beginDialLocked()
}

func (c *Client) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Send(TypePing, map[string]int64{"timestamp": time.Now().UnixMilli()})
		}
	}
}

// stopTimersLocked cancels the heartbeat, a pending retry and an in-flight dial.
func (c *Client) stopTimersLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

// dispatch delivers a well-formed upstream message to its type's handlers and
// then to the EventMessage catch-all. Malformed frames are dropped.
func (c *Client) dispatch(raw []byte) {
	msg, err := parseMessage(raw)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed stream message")
		return
	}
	c.emit(msg.Type, msg)
	c.emit(EventMessage, msg)
}

func (c *Client) notify(eventType string, payload any) {
	msg, err := newMessage(eventType, payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build stream notification")
		return
	}
	c.emit(eventType, msg)
}

func (c *Client) emit(eventType string, msg Message) {
	c.subMu.RLock()
	subs := append([]subscriber(nil), c.handlers[eventType]...)
	c.subMu.RUnlock()

	for _, s := range subs {
		c.invoke(eventType, s.handler, msg)
	}
}

func (c *Client) invoke(eventType string, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_type", eventType).Msg("Stream handler panicked")
		}
	}()
	h(msg)
}
