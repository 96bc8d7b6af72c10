// Package monitoring runs the background work of the command center: relaying
// fleet stream traffic to dashboards and sweeping expired sessions.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/status"
	"github.com/isdelr/openclaw-command-center/internal/stream"
	ws "github.com/isdelr/openclaw-command-center/internal/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionStatusTopic carries status.View updates to dashboards.
const ConnectionStatusTopic = "connection_status"

// StreamSource is the subscription side of the fleet stream client.
type StreamSource interface {
	On(eventType string, h stream.Handler) stream.Subscription
	Off(sub stream.Subscription)
}

// Publisher fans a message out to a hub topic.
type Publisher interface {
	Publish(topic string, message []byte)
}

// StatusSource notifies about connection indicator changes.
type StatusSource interface {
	OnChange(fn func(status.View))
}

// Relay forwards fleet stream messages and connection changes to the
// dashboard hub, and records stream outages as audit events.
type Relay struct {
	source    StreamSource
	hub       Publisher
	indicator StatusSource
	eventSvc  services.EventServiceProvider

	mu      sync.Mutex
	subs    []stream.Subscription
	stopped bool
	outage  bool
}

// NewRelay creates a new Relay. eventSvc may be nil.
func NewRelay(source StreamSource, hub Publisher, indicator StatusSource, eventSvc services.EventServiceProvider) *Relay {
	return &Relay{source: source, hub: hub, indicator: indicator, eventSvc: eventSvc}
}

// Start subscribes to the stream and the indicator.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = append(r.subs,
		r.source.On(stream.EventMessage, r.forward),
		r.source.On(stream.EventReconnectFailed, r.onFailed),
		r.source.On(stream.EventReconnecting, r.onReconnecting),
		r.source.On(stream.EventConnected, r.onConnected),
	)
	r.indicator.OnChange(r.publishStatus)
	log.Info().Msg("Starting fleet relay...")
}

// Stop unsubscribes from the stream. Indicator changes are ignored afterwards.
func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.stopped = true
	r.mu.Unlock()

	for _, sub := range subs {
		r.source.Off(sub)
	}
	log.Info().Msg("Stopped fleet relay.")
}

func (r *Relay) forward(msg stream.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Relay: Failed to encode fleet message")
		return
	}
	r.hub.Publish(msg.Type, raw)
}

func (r *Relay) publishStatus(view status.View) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.hub.Publish(ConnectionStatusTopic, ws.Encode(ConnectionStatusTopic, "", view))
}

func (r *Relay) onReconnecting(stream.Message) {
	r.mu.Lock()
	r.outage = true
	r.mu.Unlock()
}

func (r *Relay) onFailed(msg stream.Message) {
	var data stream.ReconnectFailedData
	_ = msg.Decode(&data)
	r.mu.Lock()
	r.outage = true
	r.mu.Unlock()
	r.record("fleet.stream.failed", "error",
		fmt.Sprintf("Fleet stream unreachable after %d reconnect attempts.", data.Attempts))
}

func (r *Relay) onConnected(stream.Message) {
	r.mu.Lock()
	restored := r.outage
	r.outage = false
	r.mu.Unlock()

	if restored {
		r.record("fleet.stream.restored", "info", "Fleet stream connection restored.")
	}
}

func (r *Relay) record(eventType, level, message string) {
	if r.eventSvc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.eventSvc.CreateEvent(ctx, eventType, level, message, nil); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("Relay: Failed to record event")
	}
}
