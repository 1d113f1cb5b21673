package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/seal"
	"github.com/layer-3/woosh/ports"
)

const (
	DefaultMessageTTL = 60 * time.Second
	DefaultSweepBatch = 256

	maxCASAttempts = 16
)

var errMalformedMessage = errors.New("malformed message record")

// MessageOptions tunes the message lifecycle
type MessageOptions struct {
	TTL        time.Duration // Lifetime of a message after it is read
	SweepBatch int           // Expiry index entries handled per store round trip
}

func DefaultMessageOptions() MessageOptions {
	return MessageOptions{TTL: DefaultMessageTTL, SweepBatch: DefaultSweepBatch}
}

// MessageService stores sealed messages and drives them through
// unread -> read -> purged
type MessageService struct {
	store    ports.Store
	sessions *SessionService
	eventPub ports.EventPublisher
	clock    ports.Clock
	logger   watermill.LoggerAdapter

	ttl   time.Duration
	batch int
}

// NewMessageService creates a new message service
func NewMessageService(
	store ports.Store,
	sessions *SessionService,
	eventPub ports.EventPublisher,
	clock ports.Clock,
	logger watermill.LoggerAdapter,
	opts MessageOptions,
) *MessageService {
	if opts.TTL <= 0 {
		opts.TTL = DefaultMessageTTL
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultSweepBatch
	}
	return &MessageService{
		store:    store,
		sessions: sessions,
		eventPub: eventPub,
		clock:    clock,
		logger:   logger.With(watermill.LogFields{"component": "messages"}),
		ttl:      opts.TTL,
		batch:    opts.SweepBatch,
	}
}

// Send stores an already sealed blob as a new unread message
func (s *MessageService) Send(ctx context.Context, sessionID, senderID string, ciphertext []byte) (*core.Message, error) {
	session, err := s.sessions.Get(ctx, sessionID, senderID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < seal.MinBlobSize {
		return nil, fmt.Errorf("ciphertext too short: %w", core.ErrDecryptionFailed)
	}

	msg := core.Message{
		SessionID:  sessionID,
		SenderID:   senderID,
		Ciphertext: ciphertext,
		CreatedAt:  s.clock.Now().UTC(),
		Status:     core.MessageUnread,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	id, err := s.store.Push(ctx, messagesPath(sessionID), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	msg.ID = id
	s.touchChats(ctx, session, msg.CreatedAt)

	if err := s.eventPub.PublishMessageSent(ctx, msg); err != nil {
		s.logger.Error("Failed to publish message event", err, watermill.LogFields{"message_id": id})
	}

	return &msg, nil
}

// touchChats records the latest activity on each participant's chat entry.
// The message is already stored, so failures only cost list ordering.
func (s *MessageService) touchChats(ctx context.Context, session *core.Session, at time.Time) {
	fields := map[string]any{"last_message_at": at}
	for _, p := range session.Participants {
		if err := s.store.Update(ctx, userChatPath(p.UserID, session.ID), fields); err != nil {
			s.logger.Error("Failed to update chat entry", err, watermill.LogFields{
				"session_id": session.ID,
				"user_id":    p.UserID,
			})
		}
	}
}

// SealAndSend seals plaintext with the session key and sends it
func (s *MessageService) SealAndSend(ctx context.Context, sessionID, senderID string, plaintext []byte) (*core.Message, error) {
	session, err := s.sessions.Get(ctx, sessionID, senderID)
	if err != nil {
		return nil, err
	}
	blob, err := seal.Seal(plaintext, session.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal message: %w", err)
	}
	return s.Send(ctx, sessionID, senderID, blob)
}

// Open decrypts a stored message with the session key. Messages past their
// expiry are reported missing even before the sweeper removes them.
func (s *MessageService) Open(ctx context.Context, sessionID, actorID, messageID string) ([]byte, error) {
	session, err := s.sessions.Get(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	msg, _, err := s.load(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(msg, s.clock.Now()) {
		return nil, core.ErrMessageNotFound
	}
	return seal.Open(msg.Ciphertext, session.Key)
}

// MarkRead moves a message from unread to read and starts its TTL. On a
// message that is already read it returns the stored pair unchanged.
// Only the recipient may mark a message read.
func (s *MessageService) MarkRead(ctx context.Context, sessionID, actorID, messageID string) (readAt, expiresAt time.Time, err error) {
	if _, err := s.sessions.Get(ctx, sessionID, actorID); err != nil {
		return time.Time{}, time.Time{}, err
	}
	readAt, expiresAt, _, err = s.markRead(ctx, sessionID, actorID, messageID)
	return readAt, expiresAt, err
}

func (s *MessageService) markRead(ctx context.Context, sessionID, actorID, messageID string) (time.Time, time.Time, bool, error) {
	path := messagePath(sessionID, messageID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		msg, raw, err := s.load(ctx, sessionID, messageID)
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}
		if msg.SenderID == actorID {
			return time.Time{}, time.Time{}, false, fmt.Errorf("sender cannot mark own message read: %w", core.ErrUnauthorized)
		}

		if msg.Status == core.MessageRead && msg.ReadAt != nil && msg.ExpiresAt != nil {
			// Re-index in case the first transition lost its index write
			if err := s.store.ScheduleExpiry(ctx, path, *msg.ExpiresAt); err != nil {
				return time.Time{}, time.Time{}, false, fmt.Errorf("failed to schedule expiry: %w", err)
			}
			return *msg.ReadAt, *msg.ExpiresAt, false, nil
		}

		now := s.clock.Now().UTC()
		exp := now.Add(s.ttl)
		msg.Status = core.MessageRead
		msg.ReadAt = &now
		msg.ExpiresAt = &exp
		msg.ID = ""

		next, err := json.Marshal(msg)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("failed to encode message: %w", err)
		}
		swapped, err := s.store.CompareAndSwap(ctx, path, raw, next)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("failed to mark message read: %w", err)
		}
		if !swapped {
			continue
		}

		if err := s.store.ScheduleExpiry(ctx, path, exp); err != nil {
			// Marking again re-schedules the stored deadline
			return time.Time{}, time.Time{}, false, fmt.Errorf("failed to schedule expiry: %w", err)
		}

		s.logger.Debug("Message read", watermill.LogFields{
			"session_id": sessionID,
			"message_id": messageID,
			"expires_at": exp,
		})
		return now, exp, true, nil
	}

	return time.Time{}, time.Time{}, false, fmt.Errorf("failed to mark message %s read: %w", messageID, core.ErrConflict)
}

// MarkAllRead marks every unread message addressed to the actor and returns
// how many changed state
func (s *MessageService) MarkAllRead(ctx context.Context, sessionID, actorID string) (int, error) {
	if _, err := s.sessions.Get(ctx, sessionID, actorID); err != nil {
		return 0, err
	}
	msgs, err := s.children(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, msg := range msgs {
		if msg.Status != core.MessageUnread || msg.SenderID == actorID {
			continue
		}
		_, _, changed, err := s.markRead(ctx, sessionID, actorID, msg.ID)
		if errors.Is(err, core.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// List returns the session's live messages in creation order
func (s *MessageService) List(ctx context.Context, sessionID, actorID string) ([]core.Message, error) {
	if _, err := s.sessions.Get(ctx, sessionID, actorID); err != nil {
		return nil, err
	}
	msgs, err := s.children(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	live := msgs[:0]
	for _, msg := range msgs {
		if !s.IsExpired(msg, now) {
			live = append(live, msg)
		}
	}
	return live, nil
}

// IsExpired reports whether msg has passed its deadline at now. Unread
// messages never expire.
func (s *MessageService) IsExpired(msg core.Message, now time.Time) bool {
	return msg.Expired(now)
}

// Sweep purges every read message whose deadline is at or before now and
// returns how many were removed. It only visits entries in the expiry index
// that are due, and re-checks each record before deleting it.
func (s *MessageService) Sweep(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	for {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		due, err := s.store.DueExpiries(ctx, now, s.batch)
		if err != nil {
			return purged, fmt.Errorf("failed to read expiry index: %w", err)
		}

		for _, path := range due {
			removed, err := s.expire(ctx, path, now)
			if err != nil {
				return purged, err
			}
			if removed {
				purged++
			}
		}

		if len(due) < s.batch {
			return purged, nil
		}
	}
}

// expire settles one due index entry. Every outcome takes the entry out of
// the due range: it is removed, or moved to the record's later deadline.
func (s *MessageService) expire(ctx context.Context, path string, now time.Time) (bool, error) {
	sessionID, messageID, ok := parseMessagePath(path)
	if !ok {
		s.logger.Error("Dropping malformed expiry entry", nil, watermill.LogFields{"path": path})
		return false, s.unschedule(ctx, path)
	}

	msg, _, err := s.load(ctx, sessionID, messageID)
	if errors.Is(err, core.ErrMessageNotFound) {
		return false, s.unschedule(ctx, path)
	}
	if errors.Is(err, errMalformedMessage) {
		// Left in the index it would head the due range on every tick
		s.logger.Error("Dropping expiry entry of unreadable message", err, watermill.LogFields{"path": path})
		return false, s.unschedule(ctx, path)
	}
	if err != nil {
		return false, err
	}

	switch {
	case msg.Status != core.MessageRead || msg.ExpiresAt == nil:
		// Never purge unread messages whatever the index says
		return false, s.unschedule(ctx, path)
	case !msg.Expired(now):
		if err := s.store.ScheduleExpiry(ctx, path, *msg.ExpiresAt); err != nil {
			return false, fmt.Errorf("failed to reschedule expiry: %w", err)
		}
		return false, nil
	}

	if err := s.store.Delete(ctx, path); err != nil {
		return false, fmt.Errorf("failed to purge message: %w", err)
	}
	if err := s.unschedule(ctx, path); err != nil {
		return true, err
	}

	if err := s.eventPub.PublishMessagePurged(ctx, sessionID, messageID); err != nil {
		s.logger.Error("Failed to publish purge event", err, watermill.LogFields{"message_id": messageID})
	}
	return true, nil
}

func (s *MessageService) unschedule(ctx context.Context, path string) error {
	if err := s.store.RemoveExpiry(ctx, path); err != nil {
		return fmt.Errorf("failed to remove expiry entry: %w", err)
	}
	return nil
}

// Reindex schedules every read message found by a full scan. It heals index
// writes lost between a read transition and its ScheduleExpiry call.
func (s *MessageService) Reindex(ctx context.Context) (int, error) {
	sessions, err := s.store.Children(ctx, chatsRoot)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	n := 0
	for sessionID := range sessions {
		msgs, err := s.children(ctx, sessionID)
		if err != nil {
			return n, err
		}
		for _, msg := range msgs {
			if msg.Status != core.MessageRead || msg.ExpiresAt == nil {
				continue
			}
			if err := s.store.ScheduleExpiry(ctx, messagePath(sessionID, msg.ID), *msg.ExpiresAt); err != nil {
				return n, fmt.Errorf("failed to schedule expiry: %w", err)
			}
			n++
		}
	}
	return n, nil
}

func (s *MessageService) load(ctx context.Context, sessionID, messageID string) (core.Message, []byte, error) {
	raw, err := s.store.Get(ctx, messagePath(sessionID, messageID))
	if errors.Is(err, core.ErrNotFound) {
		return core.Message{}, nil, core.ErrMessageNotFound
	}
	if err != nil {
		return core.Message{}, nil, fmt.Errorf("failed to read message: %w", err)
	}
	var msg core.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return core.Message{}, nil, fmt.Errorf("failed to decode message %s: %w: %w", messageID, errMalformedMessage, err)
	}
	msg.ID = messageID
	return msg, raw, nil
}

// children loads all messages of a session ordered by id, which is creation order
func (s *MessageService) children(ctx context.Context, sessionID string) ([]core.Message, error) {
	raws, err := s.store.Children(ctx, messagesPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]core.Message, 0, len(raws))
	for id, raw := range raws {
		var msg core.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error("Skipping malformed message", err, watermill.LogFields{
				"session_id": sessionID,
				"message_id": id,
			})
			continue
		}
		msg.ID = id
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}
