package realtime

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
)

const (
	tokenChannelPrefix   = "token:"
	serviceChannelPrefix = "service:"
)

func TokenChannel(tokenID string) string {
	return tokenChannelPrefix + tokenID
}

func ServiceChannel(serviceID string) string {
	return serviceChannelPrefix + serviceID
}

// ValidChannel reports whether name addresses a token or a service channel.
func ValidChannel(name string) bool {
	for _, prefix := range []string{tokenChannelPrefix, serviceChannelPrefix} {
		if strings.HasPrefix(name, prefix) && strings.TrimSpace(name[len(prefix):]) != "" {
			return true
		}
	}
	return false
}

type Client struct {
	ID       string
	Send     chan []byte
	channels map[string]struct{}
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer), channels: make(map[string]struct{})}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.channels[channel] = struct{}{}
}

func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channel == "" {
		client.channels = make(map[string]struct{})
		return
	}
	delete(client.channels, channel)
}

// Subscribers counts clients listening on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, client := range h.clients {
		if _, ok := client.channels[channel]; ok {
			n++
		}
	}
	return n
}

// Broadcast queues payload for every subscriber of channel and returns how many
// accepted it. A client whose buffer is full misses the message.
func (h *Hub) Broadcast(channel string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if _, ok := client.channels[channel]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			log.Printf("drop message for client %s channel=%s", client.ID, channel)
		}
	}
	return delivered
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	msg.Channel = strings.TrimSpace(msg.Channel)
	switch msg.Action {
	case "subscribe":
		return msg, ValidChannel(msg.Channel)
	case "unsubscribe":
		return msg, msg.Channel == "" || ValidChannel(msg.Channel)
	default:
		return SubscribeMessage{}, false
	}
}
