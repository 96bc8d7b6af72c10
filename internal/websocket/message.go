package websocket

import (
	"encoding/json"
	"time"
)

// Browser message types handled by the hub itself.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeError         = "error"
	TypeCommandResult = "command_result"
)

// Message defines the structure for websocket messages in both directions.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// CommandResult reports whether a browser command reached the fleet.
type CommandResult struct {
	Command string `json:"command"`
	Sent    bool   `json:"sent"`
	Error   string `json:"error,omitempty"`
}

// Encode builds a message with data marshalled as JSON.
func Encode(msgType, topic string, data any) []byte {
	msg := Message{Type: msgType, Topic: topic, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return NewErrorMessage("failed to encode " + msgType)
		}
		msg.Data = raw
	}
	b, _ := json.Marshal(msg)
	return b
}

// NewErrorMessage builds an error message for a single client.
func NewErrorMessage(text string) []byte {
	b, _ := json.Marshal(Message{
		Type:      TypeError,
		Data:      json.RawMessage(mustJSON(map[string]string{"message": text})),
		Timestamp: time.Now().UnixMilli(),
	})
	return b
}

// NewCommandResultMessage builds the reply to a forwarded command.
func NewCommandResultMessage(result CommandResult) []byte {
	return Encode(TypeCommandResult, "", result)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
