package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/ports"
)

// chatEntry is the per-user pointer to a session
type chatEntry struct {
	SessionID     string     `json:"session_id"`
	PeerID        string     `json:"peer_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// SessionService establishes and looks up two-party sessions
type SessionService struct {
	store    ports.Store
	group    dhkex.Group
	kdf      kdf.Params
	eventPub ports.EventPublisher
	clock    ports.Clock
	logger   watermill.LoggerAdapter
}

// NewSessionService creates a new session service
func NewSessionService(
	store ports.Store,
	group dhkex.Group,
	kdfParams kdf.Params,
	eventPub ports.EventPublisher,
	clock ports.Clock,
	logger watermill.LoggerAdapter,
) *SessionService {
	return &SessionService{
		store:    store,
		group:    group,
		kdf:      kdfParams,
		eventPub: eventPub,
		clock:    clock,
		logger:   logger.With(watermill.LogFields{"component": "sessions"}),
	}
}

// Establish returns the session for the unordered pair {localID, peerID},
// creating it on first contact. An existing session is returned unchanged.
func (s *SessionService) Establish(ctx context.Context, localID, peerID, localPublicHex string) (*core.SessionHandle, error) {
	if localID == "" || peerID == "" {
		return nil, core.ErrUnauthorized
	}
	if localID == peerID {
		return nil, core.ErrSelfSession
	}
	if _, err := s.group.ParsePublic(localPublicHex); err != nil {
		return nil, err
	}

	indexPath := pairIndexPath(localID, peerID)
	existing, err := s.lookupIndex(ctx, indexPath)
	if err == nil {
		// Heals entries lost when an earlier attempt failed after indexing
		if err := s.recordChats(ctx, existing); err != nil {
			return nil, err
		}
		return existingHandle(existing, localID), nil
	}
	if !errors.Is(err, core.ErrSessionNotFound) {
		return nil, err
	}

	session, counterpart, err := s.newSession(localID, peerID, localPublicHex)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Set(ctx, sessionPath(session.ID), raw); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	idRaw, _ := json.Marshal(session.ID)
	claimed, err := s.store.SetIfAbsent(ctx, indexPath, idRaw)
	if err != nil {
		s.discard(ctx, session.ID)
		return nil, fmt.Errorf("failed to index session: %w", err)
	}
	if !claimed {
		// Lost the race for this pair: the winner's session is the only one
		s.discard(ctx, session.ID)
		winner, err := s.lookupIndex(ctx, indexPath)
		if err != nil {
			return nil, err
		}
		if err := s.recordChats(ctx, winner); err != nil {
			return nil, err
		}
		return existingHandle(winner, localID), nil
	}

	if err := s.recordChats(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Session established", watermill.LogFields{
		"session_id": session.ID,
		"created_by": localID,
	})

	if err := s.eventPub.PublishSessionEstablished(ctx, *session); err != nil {
		// The session is stored; subscribers can catch up from the chat list
		s.logger.Error("Failed to publish session event", err, watermill.LogFields{"session_id": session.ID})
	}

	return &core.SessionHandle{
		SessionID:         session.ID,
		PeerID:            peerID,
		Key:               session.Key,
		CounterpartPublic: counterpart,
		Created:           true,
	}, nil
}

// newSession runs the key exchange as the second anchor party and builds
// the full session record
func (s *SessionService) newSession(localID, peerID, localPublicHex string) (*core.Session, string, error) {
	kp, err := s.group.GenerateKeyPair(nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key pair: %w", err)
	}
	defer kp.Wipe()

	secret, err := s.group.SharedSecret(kp.Private, localPublicHex)
	if err != nil {
		return nil, "", err
	}
	key, err := s.kdf.DeriveSessionKey(secret)
	for i := range secret {
		secret[i] = 0
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive session key: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate session id: %w", err)
	}

	now := s.clock.Now().UTC()
	counterpart := kp.PublicHex()
	return &core.Session{
		ID: id.String(),
		Participants: [2]core.Participant{
			{UserID: localID, PublicKey: localPublicHex, JoinedAt: &now},
			{UserID: peerID, PublicKey: counterpart},
		},
		Key:       key,
		CreatedAt: now,
		CreatedBy: localID,
		Status:    core.SessionActive,
	}, counterpart, nil
}

// recordChats adds the session to each participant's chat list. Entries
// already present are left alone so their activity fields survive.
func (s *SessionService) recordChats(ctx context.Context, session *core.Session) error {
	for _, p := range session.Participants {
		entry, _ := json.Marshal(chatEntry{
			SessionID: session.ID,
			PeerID:    session.PeerOf(p.UserID),
			CreatedAt: session.CreatedAt,
		})
		if _, err := s.store.SetIfAbsent(ctx, userChatPath(p.UserID, session.ID), entry); err != nil {
			return fmt.Errorf("failed to record chat for %s: %w", p.UserID, err)
		}
	}
	return nil
}

func (s *SessionService) lookupIndex(ctx context.Context, indexPath string) (*core.Session, error) {
	raw, err := s.store.Get(ctx, indexPath)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	var sessionID string
	if err := json.Unmarshal(raw, &sessionID); err != nil {
		return nil, fmt.Errorf("failed to decode session index: %w", err)
	}
	return s.load(ctx, sessionID)
}

func (s *SessionService) discard(ctx context.Context, sessionID string) {
	if err := s.store.Delete(ctx, sessionPath(sessionID)); err != nil {
		s.logger.Error("Failed to remove orphan session", err, watermill.LogFields{"session_id": sessionID})
	}
}

func (s *SessionService) load(ctx context.Context, sessionID string) (*core.Session, error) {
	raw, err := s.store.Get(ctx, sessionPath(sessionID))
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var session core.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func existingHandle(session *core.Session, localID string) *core.SessionHandle {
	return &core.SessionHandle{
		SessionID: session.ID,
		PeerID:    session.PeerOf(localID),
		Key:       session.Key,
	}
}

// Get returns a session the actor participates in
func (s *SessionService) Get(ctx context.Context, sessionID, actorID string) (*core.Session, error) {
	if sessionID == "" {
		return nil, core.ErrSessionNotFound
	}
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(actorID) {
		return nil, core.ErrUnauthorized
	}
	return session, nil
}

// ListChats returns the user's sessions, most recently active first, with the
// number of unread messages addressed to the user
func (s *SessionService) ListChats(ctx context.Context, userID string) ([]core.ChatSummary, error) {
	entries, err := s.store.Children(ctx, userChatsPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	chats := make([]core.ChatSummary, 0, len(entries))
	for sessionID, raw := range entries {
		var entry chatEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.Error("Skipping malformed chat entry", err, watermill.LogFields{
				"user_id":    userID,
				"session_id": sessionID,
			})
			continue
		}

		unread, err := s.countUnread(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		chats = append(chats, core.ChatSummary{
			SessionID:     sessionID,
			PeerID:        entry.PeerID,
			CreatedAt:     entry.CreatedAt,
			LastMessageAt: entry.LastMessageAt,
			UnreadCount:   unread,
		})
	}

	sort.Slice(chats, func(i, j int) bool {
		ai, aj := chats[i].LastActivity(), chats[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return chats[i].SessionID > chats[j].SessionID
	})
	return chats, nil
}

func (s *SessionService) countUnread(ctx context.Context, sessionID, userID string) (int, error) {
	msgs, err := s.store.Children(ctx, messagesPath(sessionID))
	if err != nil {
		return 0, fmt.Errorf("failed to list messages: %w", err)
	}
	n := 0
	for _, raw := range msgs {
		var msg core.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Status == core.MessageUnread && msg.SenderID != userID {
			n++
		}
	}
	return n, nil
}
