package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	ws "github.com/isdelr/openclaw-command-center/internal/websocket"
	"github.com/rs/zerolog/log"
)

// Forwarder sends a browser command to the fleet.
type Forwarder interface {
	Send(msgType string, payload any) bool
}

// WebSocketHandler upgrades dashboard connections and routes their messages.
type WebSocketHandler struct {
	hub      *ws.Hub
	auth     services.AuthServiceProvider
	upstream Forwarder
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler. Browser origins must be
// in allowedOrigins; requests without an Origin header are accepted.
func NewWebSocketHandler(hub *ws.Hub, auth services.AuthServiceProvider, upstream Forwarder, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub:      hub,
		auth:     auth,
		upstream: upstream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Serve handles the WebSocket connection request. Initial topics come from
// repeated ?topic= parameters and default to the global topic.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	user := h.auth.GetUser(session.FromContext(r.Context()))
	if user == nil {
		respond.Error(w, http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("username", user.Username).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn, user.Username, user.Role, r.URL.Query()["topic"]...)
	client.LoginID = user.LoginID
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.handleIncoming)
}

// handleIncoming processes messages received from a dashboard client.
func (h *WebSocketHandler) handleIncoming(client *ws.Client, raw []byte) {
	var msg ws.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		log.Debug().Str("client_id", client.ID).Msg("Invalid websocket message from dashboard")
		client.Reply(ws.NewErrorMessage("Invalid message"))
		return
	}

	switch msg.Type {
	case ws.TypeSubscribe:
		if msg.Topic == "" {
			client.Reply(ws.NewErrorMessage("Topic is required"))
			return
		}
		h.hub.Subscribe(client, msg.Topic)
		client.Reply(ws.Encode(ws.TypeSubscribed, msg.Topic, nil))

	case ws.TypeUnsubscribe:
		if msg.Topic == "" {
			client.Reply(ws.NewErrorMessage("Topic is required"))
			return
		}
		h.hub.Unsubscribe(client, msg.Topic)
		client.Reply(ws.Encode(ws.TypeUnsubscribed, msg.Topic, nil))

	default:
		h.forward(client, msg)
	}
}

// forward relays a command upstream for operators and admins.
func (h *WebSocketHandler) forward(client *ws.Client, msg ws.Message) {
	if client.Role != models.RoleAdmin && client.Role != models.RoleOperator {
		log.Warn().Str("username", client.Username).Str("type", msg.Type).Msg("Viewer attempted to send a fleet command")
		client.Reply(ws.NewErrorMessage("Insufficient permissions"))
		return
	}

	var payload any
	if len(msg.Data) > 0 {
		payload = msg.Data
	}

	result := ws.CommandResult{Command: msg.Type, Sent: h.upstream.Send(msg.Type, payload)}
	if !result.Sent {
		result.Error = "Fleet stream not connected"
	}
	log.Info().Str("username", client.Username).Str("type", msg.Type).Bool("sent", result.Sent).Msg("Fleet command forwarded")
	client.Reply(ws.NewCommandResultMessage(result))
}
