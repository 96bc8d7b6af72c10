package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TypePing is the reserved heartbeat message type.
const TypePing = "ping"

// Local notifications emitted by the Client itself. They share the handler
// registry with upstream message types.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
	EventError           = "error"
	// EventMessage receives every well-formed upstream message.
	EventMessage = "message"
)

// Message is the wire format in both directions.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

func newMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Data = raw
	return msg, nil
}

// parseMessage accepts a JSON object with a non-empty type.
func parseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message has no type")
	}
	return msg, nil
}

// ReconnectingData is the payload of EventReconnecting.
type ReconnectingData struct {
	Attempt int   `json:"attempt"`
	Max     int   `json:"max"`
	DelayMs int64 `json:"delay"`
}

// ReconnectFailedData is the payload of EventReconnectFailed.
type ReconnectFailedData struct {
	Attempts int `json:"attempts"`
}

// DisconnectedData is the payload of EventDisconnected.
type DisconnectedData struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}
