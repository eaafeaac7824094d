package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/models"
)

type captureSink struct {
	frames map[string][]Envelope
	err    error
}

func (s *captureSink) Publish(_ context.Context, channel string, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	if s.frames == nil {
		s.frames = make(map[string][]Envelope)
	}
	s.frames[channel] = append(s.frames[channel], env)
	return nil
}

func TestBroadcasterAddressesChannels(t *testing.T) {
	failing := &captureSink{err: errors.New("broker down")}
	sink := &captureSink{}
	b := NewBroadcaster(failing, sink)
	ctx := context.Background()
	token := models.Token{TokenID: "t1", TokenNumber: "A-001", ServiceID: "s1", Status: models.StatusCalled, QueuePosition: 0, EstimatedWaitSeconds: 300}

	b.YourTurn(ctx, token)
	b.TokenUpdated(ctx, token)
	b.QueueUpdated(ctx, "s1")
	b.TokenCancelled(ctx, token, "left")

	frames := sink.frames["token:t1"]
	require.Len(t, frames, 3)
	require.Equal(t, EventTokenYourTurn, frames[0].Type)
	require.Equal(t, EventTokenUpdate, frames[1].Type)
	require.Equal(t, EventTokenCancelled, frames[2].Type)

	var updated models.Token
	require.NoError(t, json.Unmarshal(frames[1].Payload, &updated))
	require.Equal(t, 300, updated.EstimatedWaitSeconds)
	require.Equal(t, models.StatusCalled, updated.Status)

	var cancelled cancelledPayload
	require.NoError(t, json.Unmarshal(frames[2].Payload, &cancelled))
	require.Equal(t, "left", cancelled.Reason)

	service := sink.frames["service:s1"]
	require.Len(t, service, 1)
	require.Equal(t, EventQueueUpdate, service[0].Type)
	require.JSONEq(t, `{"service_id":"s1"}`, string(service[0].Payload))
}

func TestHubAsSink(t *testing.T) {
	h := NewHub()
	client := NewClient("c1", 4)
	h.Register(client)
	h.Subscribe(client, ServiceChannel("s1"))

	NewBroadcaster(h).QueueUpdated(context.Background(), "s1")

	var env Envelope
	require.NoError(t, json.Unmarshal(<-client.Send, &env))
	require.Equal(t, EventQueueUpdate, env.Type)
	require.Equal(t, "service:s1", env.Channel)
}

func TestRoutingKey(t *testing.T) {
	require.Equal(t, "token.abc", RoutingKey(TokenChannel("abc")))
	require.Equal(t, "service.s-1", RoutingKey(ServiceChannel("s-1")))
}
