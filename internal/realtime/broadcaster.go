package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"qms/queue-engine/internal/models"
)

const (
	EventTokenUpdate    = "token:update"
	EventQueueUpdate    = "queue:update"
	EventTokenYourTurn  = "token:your_turn"
	EventTokenCancelled = "token:cancelled"
)

// Envelope is the frame every sink receives.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sink delivers an encoded envelope to the subscribers of channel.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type queueUpdatePayload struct {
	ServiceID string `json:"service_id"`
}

type cancelledPayload struct {
	TokenID     string `json:"token_id"`
	TokenNumber string `json:"token_number"`
	Reason      string `json:"reason"`
}

// Broadcaster turns queue changes into channel events. Every sink gets every event;
// a failing sink is logged and skipped.
type Broadcaster struct {
	sinks []Sink
	now   func() time.Time
}

func NewBroadcaster(sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks, now: func() time.Time { return time.Now().UTC() }}
}

func (b *Broadcaster) AddSink(sink Sink) {
	b.sinks = append(b.sinks, sink)
}

func (b *Broadcaster) TokenUpdated(ctx context.Context, token models.Token) {
	b.emit(ctx, EventTokenUpdate, TokenChannel(token.TokenID), token)
}

func (b *Broadcaster) QueueUpdated(ctx context.Context, serviceID string) {
	b.emit(ctx, EventQueueUpdate, ServiceChannel(serviceID), queueUpdatePayload{ServiceID: serviceID})
}

func (b *Broadcaster) YourTurn(ctx context.Context, token models.Token) {
	b.emit(ctx, EventTokenYourTurn, TokenChannel(token.TokenID), token)
}

func (b *Broadcaster) TokenCancelled(ctx context.Context, token models.Token, reason string) {
	b.emit(ctx, EventTokenCancelled, TokenChannel(token.TokenID), cancelledPayload{
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		Reason:      reason,
	})
}

func (b *Broadcaster) emit(ctx context.Context, eventType, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("realtime encode error type=%s: %v", eventType, err)
		return
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Channel: channel, Payload: body, CreatedAt: b.now()})
	if err != nil {
		log.Printf("realtime encode error type=%s: %v", eventType, err)
		return
	}
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, channel, frame); err != nil {
			log.Printf("realtime publish error type=%s channel=%s: %v", eventType, channel, err)
		}
	}
}

// Publish makes the hub usable as a broadcaster sink.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.Broadcast(channel, payload)
	return nil
}
