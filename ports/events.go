package ports

import (
	"context"

	"github.com/layer-3/woosh/core"
)

// EventPublisher notifies other instances and clients about chat activity
type EventPublisher interface {
	PublishSessionEstablished(ctx context.Context, session core.Session) error
	PublishMessageSent(ctx context.Context, msg core.Message) error
	PublishMessagePurged(ctx context.Context, sessionID, messageID string) error
}
