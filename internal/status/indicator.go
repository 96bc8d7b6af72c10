// Package status turns fleet stream notifications into a display-ready
// connection indicator.
package status

import (
	"fmt"
	"sync"

	"github.com/isdelr/openclaw-command-center/internal/stream"
)

// View is what a dashboard renders for the connection.
type View struct {
	State string `json:"state"`
	Icon  string `json:"icon"`
	Text  string `json:"text"`
	Class string `json:"class"`
	Color string `json:"color"`
}

type style struct {
	icon  string
	text  string
	color string
}

var palette = map[stream.State]style{
	stream.StateConnected:    {"🟢", "Connected", "#10b981"},
	stream.StateDisconnected: {"🔴", "Disconnected", "#ef4444"},
	stream.StateReconnecting: {"🟡", "Reconnecting...", "#f59e0b"},
	stream.StateError:        {"🔴", "Connection Error", "#ef4444"},
	stream.StateFailed:       {"⚠️", "Connection Failed", "#dc2626"},
}

// Source is the part of the stream client the indicator listens to.
type Source interface {
	On(eventType string, h stream.Handler) stream.Subscription
	MaxReconnectAttempts() int
}

// Indicator tracks the latest connection state.
type Indicator struct {
	mu        sync.RWMutex
	state     stream.State
	attempt   int
	max       int
	listeners []func(View)
}

// NewIndicator creates an Indicator in the disconnected state and subscribes it to src.
func NewIndicator(src Source) *Indicator {
	ind := &Indicator{state: stream.StateDisconnected, max: src.MaxReconnectAttempts()}

	src.On(stream.EventConnected, func(stream.Message) { ind.set(stream.StateConnected, 0) })
	src.On(stream.EventDisconnected, func(stream.Message) { ind.set(stream.StateDisconnected, 0) })
	src.On(stream.EventError, func(stream.Message) { ind.set(stream.StateError, 0) })
	src.On(stream.EventReconnectFailed, func(stream.Message) { ind.set(stream.StateFailed, 0) })
	src.On(stream.EventReconnecting, func(m stream.Message) {
		var data stream.ReconnectingData
		_ = m.Decode(&data)
		ind.set(stream.StateReconnecting, data.Attempt)
	})
	return ind
}

// OnChange registers fn to be called with the new view after every transition.
func (ind *Indicator) OnChange(fn func(View)) {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	ind.listeners = append(ind.listeners, fn)
}

// State returns the tracked state.
func (ind *Indicator) State() stream.State {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	return ind.state
}

// View renders the tracked state.
func (ind *Indicator) View() View {
	ind.mu.RLock()
	defer ind.mu.RUnlock()
	return render(ind.state, ind.attempt, ind.max)
}

func (ind *Indicator) set(state stream.State, attempt int) {
	ind.mu.Lock()
	ind.state = state
	ind.attempt = attempt
	view := render(state, attempt, ind.max)
	listeners := append([]func(View){}, ind.listeners...)
	ind.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
}

func render(state stream.State, attempt, max int) View {
	s, ok := palette[state]
	if !ok {
		state = stream.StateDisconnected
		s = palette[state]
	}
	text := s.text
	if state == stream.StateReconnecting && attempt > 0 {
		text = fmt.Sprintf("Reconnecting (%d/%d)", attempt, max)
	}
	return View{
		State: string(state),
		Icon:  s.icon,
		Text:  text,
		Class: "status-" + string(state),
		Color: s.color,
	}
}
