package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
)

const (
	TopicSessionEstablished = "session.established"
	TopicMessageSent        = "message.sent"
	TopicMessagePurged      = "message.purged"
)

// SessionEstablishedEvent announces a new two-party session. The key is
// never part of an event.
type SessionEstablishedEvent struct {
	SessionID    string    `json:"session_id"`
	Participants []string  `json:"participants"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageSentEvent announces a stored ciphertext without its payload
type MessageSentEvent struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePurgedEvent announces a message removed after its read TTL
type MessagePurgedEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	prefix    string
}

// NewWatermillPublisher creates a new Watermill publisher. Topics are the
// event names prefixed with prefix.
func NewWatermillPublisher(publisher message.Publisher, prefix string) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		prefix:    prefix,
	}
}

// Topic returns the full topic name for an event name
func (p *WatermillPublisher) Topic(name string) string {
	return p.prefix + name
}

// PublishSessionEstablished publishes a session.established event
func (p *WatermillPublisher) PublishSessionEstablished(ctx context.Context, session core.Session) error {
	return p.publish(ctx, TopicSessionEstablished, SessionEstablishedEvent{
		SessionID: session.ID,
		Participants: []string{
			session.Participants[0].UserID,
			session.Participants[1].UserID,
		},
		CreatedBy: session.CreatedBy,
		CreatedAt: session.CreatedAt,
	})
}

// PublishMessageSent publishes a message.sent event
func (p *WatermillPublisher) PublishMessageSent(ctx context.Context, msg core.Message) error {
	return p.publish(ctx, TopicMessageSent, MessageSentEvent{
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
	})
}

// PublishMessagePurged publishes a message.purged event
func (p *WatermillPublisher) PublishMessagePurged(ctx context.Context, sessionID, messageID string) error {
	return p.publish(ctx, TopicMessagePurged, MessagePurgedEvent{
		SessionID: sessionID,
		MessageID: messageID,
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, name string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", name)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.Topic(name), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}

	return nil
}
