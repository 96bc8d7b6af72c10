package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	*httptest.Server
	conns  chan *websocket.Conn
	header chan http.Header
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{conns: make(chan *websocket.Conn, 8), header: make(chan http.Header, 8)}
	upgrader := websocket.Upgrader{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.header <- r.Header
		u.conns <- conn
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.URL, "http")
}

func (u *upstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-u.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func newTestClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	c := NewClient(url, opts)
	t.Cleanup(c.Disconnect)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s (last %s)", want, c.State())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("ws://example.invalid", Options{})
	assert.Equal(t, DefaultReconnectInterval, c.opts.ReconnectInterval)
	assert.Equal(t, DefaultMaxReconnectAttempts, c.MaxReconnectAttempts())
	assert.Equal(t, DefaultHeartbeatInterval, c.opts.HeartbeatInterval)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnected())
	assert.Equal(t, 0, c.Attempts())
	assert.NoError(t, c.LastError())
}

func TestClient_ConnectSendReceive(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{Header: http.Header{"Authorization": {"Bearer abc"}}})

	connected := make(chan struct{}, 1)
	c.On(EventConnected, func(Message) { connected <- struct{}{} })

	var mu sync.Mutex
	var order []string
	got := make(chan Message, 4)
	c.On("agent_status", func(m Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	c.On("agent_status", func(m Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	c.On(EventMessage, func(m Message) {
		mu.Lock()
		order = append(order, "catch-all")
		mu.Unlock()
		got <- m
	})

	c.Connect()
	server := up.accept(t)
	assert.Equal(t, "Bearer abc", (<-up.header).Get("Authorization"))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected notification not delivered")
	}
	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"agent_status","data":{"id":"a-1","status":"busy"},"timestamp":1}`)))

	select {
	case m := <-got:
		assert.Equal(t, "agent_status", m.Type)
		var data map[string]string
		require.NoError(t, m.Decode(&data))
		assert.Equal(t, "busy", data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
	mu.Lock()
	assert.Equal(t, []string{"first", "second", "catch-all"}, order)
	mu.Unlock()

	require.True(t, c.Send("command", map[string]string{"action": "restart"}))
	_, raw, err := server.ReadMessage()
	require.NoError(t, err)
	var sent Message
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "command", sent.Type)
	assert.JSONEq(t, `{"action":"restart"}`, string(sent.Data))
	assert.NotZero(t, sent.Timestamp)
}

func TestClient_MalformedMessagesDropped(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{})

	got := make(chan Message, 4)
	c.On(EventMessage, func(m Message) { got <- m })

	c.Connect()
	server := up.accept(t)
	waitState(t, c, StateConnected)

	for _, frame := range []string{`not json`, `{"data":{}}`, `[1,2,3]`, `{"type":""}`} {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"ok"}`)))

	select {
	case m := <-got:
		assert.Equal(t, "ok", m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("well-formed message not dispatched")
	}
	assert.Empty(t, got)
	assert.True(t, c.IsConnected(), "malformed frames do not drop the connection")
}

func TestClient_HandlerPanicIsolated(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{})

	got := make(chan struct{}, 1)
	c.On("tick", func(Message) { panic("boom") })
	c.On("tick", func(Message) { got <- struct{}{} })

	c.Connect()
	server := up.accept(t)
	waitState(t, c, StateConnected)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"tick"}`)))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not invoked after panic")
	}
	assert.True(t, c.IsConnected())
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", Options{})
	assert.False(t, c.Send("command", map[string]string{"action": "noop"}))
}

func TestClient_OffAndOffAll(t *testing.T) {
	c := NewClient("ws://example.invalid", Options{})

	var calls atomic.Int32
	sub := c.On("x", func(Message) { calls.Add(1) })
	c.On("x", func(Message) { calls.Add(10) })

	c.dispatch([]byte(`{"type":"x"}`))
	assert.Equal(t, int32(11), calls.Load())

	c.Off(sub)
	c.dispatch([]byte(`{"type":"x"}`))
	assert.Equal(t, int32(21), calls.Load())

	c.OffAll("x")
	c.dispatch([]byte(`{"type":"x"}`))
	assert.Equal(t, int32(21), calls.Load())
}

func TestClient_ReconnectExhausted(t *testing.T) {
	up := newUpstream(t)
	url := up.url()
	up.Close()

	c := newTestClient(t, url, Options{ReconnectInterval: 5 * time.Millisecond, MaxReconnectAttempts: 3})

	var failed atomic.Int32
	var reconnecting atomic.Int32
	var lastAttempts atomic.Int32
	c.On(EventReconnecting, func(Message) { reconnecting.Add(1) })
	c.On(EventReconnectFailed, func(m Message) {
		var data ReconnectFailedData
		_ = m.Decode(&data)
		lastAttempts.Store(int32(data.Attempts))
		failed.Add(1)
	})

	c.Connect()
	waitState(t, c, StateFailed)

	// Nothing else may fire once failed.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, int32(3), reconnecting.Load())
	assert.Equal(t, int32(3), lastAttempts.Load())
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.LastError(), ErrReconnectExhausted)
}

func TestClient_DialErrorIsTransportError(t *testing.T) {
	up := newUpstream(t)
	url := up.url()
	up.Close()

	c := newTestClient(t, url, Options{DisableReconnect: true})

	errs := make(chan Message, 1)
	c.On(EventError, func(m Message) { errs <- m })
	c.Connect()

	select {
	case m := <-errs:
		var data ErrorData
		require.NoError(t, m.Decode(&data))
		assert.Equal(t, "dial", data.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("error notification not delivered")
	}
	var terr *TransportError
	require.ErrorAs(t, c.LastError(), &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, StateError, c.State())
}

func TestClient_ReconnectsAfterDropAndResetsAttempts(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{ReconnectInterval: 10 * time.Millisecond})

	var connects atomic.Int32
	disconnected := make(chan DisconnectedData, 2)
	c.On(EventConnected, func(Message) { connects.Add(1) })
	c.On(EventDisconnected, func(m Message) {
		var data DisconnectedData
		_ = m.Decode(&data)
		disconnected <- data
	})

	c.Connect()
	first := up.accept(t)
	waitState(t, c, StateConnected)

	require.NoError(t, first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance")))

	select {
	case data := <-disconnected:
		assert.Equal(t, websocket.CloseGoingAway, data.Code)
		assert.Equal(t, "maintenance", data.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected notification not delivered")
	}

	up.accept(t)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 0, c.Attempts())
	assert.NoError(t, c.LastError())
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	var hits atomic.Int32
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(refusing.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(refusing.URL, "http"), Options{ReconnectInterval: 200 * time.Millisecond})
	c.Connect()
	waitState(t, c, StateReconnecting)
	require.Equal(t, int32(1), hits.Load())

	disconnected := make(chan DisconnectedData, 4)
	c.On(EventDisconnected, func(m Message) {
		var data DisconnectedData
		_ = m.Decode(&data)
		disconnected <- data
	})
	c.Disconnect()

	select {
	case data := <-disconnected:
		assert.Equal(t, websocket.CloseNormalClosure, data.Code)
		assert.Equal(t, "Client disconnect", data.Reason)
	case <-time.After(time.Second):
		t.Fatal("disconnected notification not delivered")
	}

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load(), "no dial after Disconnect")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, disconnected, "exactly one notification")

	// Already disconnected: nothing more to report.
	c.Disconnect()
	assert.Empty(t, disconnected)
}

func TestClient_DisconnectAfterFailureNotifies(t *testing.T) {
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(refusing.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(refusing.URL, "http"), Options{
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	c.Connect()
	waitState(t, c, StateFailed)

	var disconnects atomic.Int32
	c.On(EventDisconnected, func(Message) { disconnects.Add(1) })
	c.Disconnect()

	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_BackoffIsLinearAndCapped(t *testing.T) {
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(refusing.Close)

	c := newTestClient(t, "ws"+strings.TrimPrefix(refusing.URL, "http"), Options{
		ReconnectInterval:    2 * time.Millisecond,
		MaxReconnectAttempts: 7,
	})

	var mu sync.Mutex
	var seen []ReconnectingData
	c.On(EventReconnecting, func(m Message) {
		var data ReconnectingData
		_ = m.Decode(&data)
		mu.Lock()
		seen = append(seen, data)
		mu.Unlock()
	})
	failed := make(chan struct{}, 1)
	c.On(EventReconnectFailed, func(Message) { failed <- struct{}{} })

	c.Connect()
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect_failed not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 7)
	wantDelays := []int64{2, 4, 6, 8, 10, 10, 10}
	for i, data := range seen {
		assert.Equal(t, i+1, data.Attempt)
		assert.Equal(t, 7, data.Max)
		assert.Equal(t, wantDelays[i], data.DelayMs, "attempt %d", i+1)
	}
}

func TestClient_DisconnectClosesWithNormalClosure(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{ReconnectInterval: 10 * time.Millisecond})

	disconnected := make(chan DisconnectedData, 1)
	c.On(EventDisconnected, func(m Message) {
		var data DisconnectedData
		_ = m.Decode(&data)
		disconnected <- data
	})

	c.Connect()
	server := up.accept(t)
	waitState(t, c, StateConnected)

	c.Disconnect()

	_, _, err := server.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "Client disconnect", closeErr.Text)

	data := <-disconnected
	assert.Equal(t, websocket.CloseNormalClosure, data.Code)
	assert.Equal(t, "Client disconnect", data.Reason)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, up.conns, "manual disconnect never reconnects")
}

func TestClient_Heartbeat(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{HeartbeatInterval: 20 * time.Millisecond})

	c.Connect()
	server := up.accept(t)

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := server.ReadMessage()
	require.NoError(t, err)

	var ping Message
	require.NoError(t, json.Unmarshal(raw, &ping))
	assert.Equal(t, TypePing, ping.Type)
	var data map[string]int64
	require.NoError(t, ping.Decode(&data))
	assert.NotZero(t, data["timestamp"])
}

func TestClient_HeaderFuncPerDial(t *testing.T) {
	up := newUpstream(t)

	var calls atomic.Int32
	c := newTestClient(t, up.url(), Options{HeaderFunc: func() (http.Header, error) {
		n := calls.Add(1)
		return http.Header{"Authorization": {"Bearer token-" + string(rune('0'+n))}}, nil
	}})

	c.Connect()
	up.accept(t)
	assert.Equal(t, "Bearer token-1", (<-up.header).Get("Authorization"))
}

func TestClient_HeaderFuncError(t *testing.T) {
	up := newUpstream(t)
	c := newTestClient(t, up.url(), Options{
		DisableReconnect: true,
		HeaderFunc:       func() (http.Header, error) { return nil, errors.New("no signing key") },
	})

	c.Connect()
	waitState(t, c, StateError)

	var terr *TransportError
	require.ErrorAs(t, c.LastError(), &terr)
	assert.Contains(t, terr.Error(), "no signing key")
	assert.Empty(t, up.conns)
}
