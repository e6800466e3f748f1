package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveriesRoundTrip(t *testing.T) {
	req := require.New(t)
	tenantID, conversationID := uuid.New(), uuid.New()
	msg := newMessage(tenantID, conversationID)
	received, err := newEnvelope(EventMessageReceived, MessageReceived{ConversationID: conversationID, Message: msg})
	req.NoError(err)
	created, err := newEnvelope(EventNewMessage, msg)
	req.NoError(err)
	sent := []Delivery{
		{Room: TenantRoom(tenantID), Envelope: received},
		{Room: ConversationRoom(conversationID), Envelope: created},
	}

	raw, err := encodeDeliveries(sent)
	req.NoError(err)
	got, err := decodeDeliveries(raw)
	req.NoError(err)

	req.Len(got, 2)
	for i := range sent {
		assert.Equal(t, sent[i].Room, got[i].Room)
		assert.Equal(t, sent[i].Envelope.Event, got[i].Envelope.Event)
		assert.JSONEq(t, string(sent[i].Envelope.Data), string(got[i].Envelope.Data))
	}
}

func TestDecodeDeliveries_Malformed(t *testing.T) {
	_, err := decodeDeliveries([]byte(`{"room":`))
	assert.Error(t, err)
}

func TestRedisBridge_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	bridge := NewRedisBridge(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, bridge.Publish(ctx, []Delivery{{Room: TenantRoom(uuid.New())}}))

	err := bridge.Subscribe(ctx, func([]Delivery) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EventsChannel)
}
