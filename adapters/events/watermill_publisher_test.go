package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/woosh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribe(t *testing.T, pubSub *gochannel.GoChannel, topic string) <-chan *message.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := pubSub.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishSessionEstablished(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ch := subscribe(t, pubSub, "woosh.session.established")
	p := NewWatermillPublisher(pubSub, "woosh.")

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	session := core.Session{
		ID:        "c1",
		CreatedBy: "alice",
		CreatedAt: created,
		Key:       []byte("secret-key-material"),
		Participants: [2]core.Participant{
			{UserID: "alice"},
			{UserID: "bob"},
		},
	}
	require.NoError(t, p.PublishSessionEstablished(context.Background(), session))

	msg := receive(t, ch)
	assert.Equal(t, TopicSessionEstablished, msg.Metadata.Get("event"))
	assert.NotContains(t, string(msg.Payload), "secret")

	var event SessionEstablishedEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, "c1", event.SessionID)
	assert.Equal(t, []string{"alice", "bob"}, event.Participants)
	assert.True(t, created.Equal(event.CreatedAt))
}

func TestPublishMessageEvents(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	sent := subscribe(t, pubSub, TopicMessageSent)
	purged := subscribe(t, pubSub, TopicMessagePurged)
	p := NewWatermillPublisher(pubSub, "")

	err := p.PublishMessageSent(context.Background(), core.Message{
		ID:         "m1",
		SessionID:  "c1",
		SenderID:   "alice",
		Ciphertext: []byte("opaque"),
	})
	require.NoError(t, err)

	var sentEvent MessageSentEvent
	require.NoError(t, json.Unmarshal(receive(t, sent).Payload, &sentEvent))
	assert.Equal(t, "m1", sentEvent.MessageID)
	assert.Equal(t, "alice", sentEvent.SenderID)

	require.NoError(t, p.PublishMessagePurged(context.Background(), "c1", "m1"))

	var purgedEvent MessagePurgedEvent
	require.NoError(t, json.Unmarshal(receive(t, purged).Payload, &purgedEvent))
	assert.Equal(t, MessagePurgedEvent{SessionID: "c1", MessageID: "m1"}, purgedEvent)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublishError(t *testing.T) {
	p := NewWatermillPublisher(failingPublisher{}, "woosh.")
	err := p.PublishMessagePurged(context.Background(), "c1", "m1")
	assert.ErrorContains(t, err, "broker down")
	assert.ErrorContains(t, err, TopicMessagePurged)
}
