package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// GlobalTopic receives every published message.
const GlobalTopic = "global"

type publication struct {
	topic   string
	message []byte
	target  *Client
}

type subscription struct {
	client *Client
	topic  string
	add    bool
}

// Hub maintains the set of active clients and routes published messages to
// the clients subscribed to each topic. All of its maps are owned by Run.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Topic name to the set of clients subscribed to it.
	subscriptions map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	publish     chan publication
	subscribe   chan subscription
	closeLogin  chan string
	done        chan struct{}
	stopOnce    sync.Once
	clientCount atomic.Int64
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		publish:       make(chan publication, 256),
		subscribe:     make(chan subscription),
		closeLogin:    make(chan string),
		done:          make(chan struct{}),
	}
}

// Run starts the Hub's message processing loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			for _, topic := range client.initialTopics {
				h.addSubscription(client, topic)
			}
			h.clientCount.Store(int64(len(h.clients)))
			log.Info().Str("client_id", client.ID).Int("total_clients", len(h.clients)).Msg("Client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				log.Info().Str("client_id", client.ID).Int("total_clients", len(h.clients)).Msg("Client disconnected")
			}
		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			if sub.add {
				h.addSubscription(sub.client, sub.topic)
			} else {
				h.removeSubscription(sub.client, sub.topic)
			}
		case pub := <-h.publish:
			h.deliver(pub)
		case loginID := <-h.closeLogin:
			for client := range h.clients {
				if client.LoginID == loginID {
					h.drop(client)
					log.Info().Str("client_id", client.ID).Str("username", client.Username).Msg("Closed websocket client of ended login")
				}
			}
		}
	}
}

// Stop ends Run and closes every client's send channel.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Register adds a client. It does nothing once the hub is stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds client to topic.
func (h *Hub) Subscribe(client *Client, topic string) {
	select {
	case h.subscribe <- subscription{client: client, topic: topic, add: true}:
	case <-h.done:
	}
}

// Unsubscribe removes client from topic.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	select {
	case h.subscribe <- subscription{client: client, topic: topic}:
	case <-h.done:
	}
}

// CloseLogin drops every client opened under loginID. Their write pumps send
// a close frame and end the connection.
func (h *Hub) CloseLogin(loginID string) {
	if loginID == "" {
		return
	}
	select {
	case h.closeLogin <- loginID:
	case <-h.done:
	}
}

// Publish sends message to the subscribers of topic and of GlobalTopic.
func (h *Hub) Publish(topic string, message []byte) {
	select {
	case h.publish <- publication{topic: topic, message: message}:
	case <-h.done:
	}
}

// SendTo queues message for a single registered client.
func (h *Hub) SendTo(client *Client, message []byte) {
	select {
	case h.publish <- publication{message: message, target: client}:
	case <-h.done:
	}
}

func (h *Hub) deliver(pub publication) {
	targets := make(map[*Client]bool)
	if pub.target != nil {
		if h.clients[pub.target] {
			targets[pub.target] = true
		}
		pub.topic = ""
	}
	if pub.topic != "" {
		for client := range h.subscriptions[pub.topic] {
			targets[client] = true
		}
		for client := range h.subscriptions[GlobalTopic] {
			targets[client] = true
		}
	}
	for client := range targets {
		select {
		case client.Send <- pub.message:
		default:
			log.Warn().Str("client_id", client.ID).Msg("Dropping slow websocket client")
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	for topic, subs := range h.subscriptions {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, topic)
		}
	}
	h.clientCount.Store(int64(len(h.clients)))
}

func (h *Hub) addSubscription(client *Client, topic string) {
	if h.subscriptions[topic] == nil {
		h.subscriptions[topic] = make(map[*Client]bool)
	}
	h.subscriptions[topic][client] = true
}

func (h *Hub) removeSubscription(client *Client, topic string) {
	if subs, ok := h.subscriptions[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscriptions, topic)
		}
	}
}
