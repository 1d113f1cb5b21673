package core

import "time"

// SessionStatus is the lifecycle status of a two-party session
type SessionStatus string

// MessageStatus is the read state of a message
type MessageStatus string

const (
	SessionActive SessionStatus = "active"

	MessageUnread MessageStatus = "unread"
	MessageRead   MessageStatus = "read"
)

// Identity is the authenticated caller as asserted by the external auth service
type Identity struct {
	UserID string // Stable user identifier (uid claim)
	Email  string // Informational only, never used for lookups
}

// Participant is one side of a session
type Participant struct {
	UserID    string     `json:"user_id"`
	PublicKey string     `json:"public_key"` // DH public value, hex text
	JoinedAt  *time.Time `json:"joined_at"`  // Nil until the participant joins
}

// Session is a two-party chat with its derived symmetric key
type Session struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"` // [initiator, peer]
	Key          []byte         `json:"key"`          // Derived session key, never recomputed
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    string         `json:"created_by"`
	Status       SessionStatus  `json:"status"`
}

// HasParticipant reports whether userID is one of the two participants
func (s *Session) HasParticipant(userID string) bool {
	return userID != "" && (s.Participants[0].UserID == userID || s.Participants[1].UserID == userID)
}

// PeerOf returns the other participant's id, or "" if userID is not a participant
func (s *Session) PeerOf(userID string) string {
	switch userID {
	case s.Participants[0].UserID:
		return s.Participants[1].UserID
	case s.Participants[1].UserID:
		return s.Participants[0].UserID
	}
	return ""
}

// SessionHandle is the result of establishing a session
type SessionHandle struct {
	SessionID         string
	PeerID            string
	Key               []byte
	CounterpartPublic string // Only set when the session was created by this call
	Created           bool
}

// Message is a sealed chat message. ExpiresAt is set iff Status is MessageRead.
type Message struct {
	ID         string        `json:"id,omitempty"` // Store key, filled in on load
	SessionID  string        `json:"session_id"`
	SenderID   string        `json:"sender_id"`
	Ciphertext []byte        `json:"ciphertext"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     MessageStatus `json:"status"`
	ReadAt     *time.Time    `json:"read_at"`
	ExpiresAt  *time.Time    `json:"expires_at"`
}

// Expired reports whether the read TTL has elapsed at now
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// ChatSummary is a user's view of one of their sessions
type ChatSummary struct {
	SessionID     string     `json:"session_id"`
	PeerID        string     `json:"peer_id"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
}

// LastActivity is the time of the latest message, or creation when empty
func (c ChatSummary) LastActivity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
