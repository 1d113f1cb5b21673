// Package woosh is a Go client for the woosh chat API. It runs the client
// half of the key exchange and seals and opens messages locally, so
// plaintext never leaves the process.
package woosh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/crypto/seal"
)

// Chat is an entry of the caller's chat list
type Chat struct {
	ID          string    `json:"session_id"`
	PeerID      string    `json:"peer_id"`
	CreatedAt   time.Time `json:"created_at"`
	UnreadCount int       `json:"unread_count"`
}

// ChatInfo describes a chat the caller participates in
type ChatInfo struct {
	ID           string    `json:"chat_id"`
	Participants []string  `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
	Status       string    `json:"status"`
}

// Message is a received message. Plaintext is nil when the client has no
// key for the chat.
type Message struct {
	ID        string
	SenderID  string
	CreatedAt time.Time
	Status    string
	ReadAt    *time.Time
	ExpiresAt *time.Time
	Plaintext []byte
}

// Client talks to a woosh server on behalf of one user
type Client struct {
	base  string
	token string
	http  *http.Client
	group dhkex.Group
	kdf   kdf.Params

	mu   sync.RWMutex
	keys map[string][]byte // chat id -> session key
}

// NewClient creates a client authenticated with a bearer token
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  http.DefaultClient,
		group: dhkex.RFC3526Group14(),
		kdf:   kdf.DefaultParams(),
		keys:  make(map[string][]byte),
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithKDFParams sets the key derivation salt and label. They must match
// the server's.
func (c *Client) WithKDFParams(p kdf.Params) *Client {
	c.kdf = p
	return c
}

// InitChat opens or resumes the chat with peer. A new chat's key is derived
// locally; a resumed chat's key comes back from the server. Either way the
// client keeps it.
func (c *Client) InitChat(ctx context.Context, peer string) (chatID string, created bool, err error) {
	kp, err := c.group.GenerateKeyPair(nil)
	if err != nil {
		return "", false, err
	}
	defer kp.Wipe()

	var resp struct {
		ChatID          string `json:"chat_id"`
		Created         bool   `json:"created"`
		ServerPublicKey string `json:"server_public_key"`
		AESKey          string `json:"aes_key"`
	}
	req := map[string]string{"peer_uid": peer, "public_key": kp.PublicHex()}
	if err := c.do(ctx, http.MethodPost, "/chat/init", req, &resp); err != nil {
		return "", false, err
	}
	if !resp.Created {
		if err := c.storeKey(resp.ChatID, resp.AESKey); err != nil {
			return "", false, err
		}
		return resp.ChatID, false, nil
	}

	secret, err := c.group.SharedSecret(kp.Private, resp.ServerPublicKey)
	if err != nil {
		return "", false, fmt.Errorf("server sent bad public value: %w", err)
	}
	key, err := c.kdf.DeriveSessionKey(secret)
	if err != nil {
		return "", false, err
	}
	c.SetKey(resp.ChatID, key)
	return resp.ChatID, true, nil
}

// Chat fetches a chat's details and keeps its session key
func (c *Client) Chat(ctx context.Context, chatID string) (*ChatInfo, error) {
	var resp struct {
		ChatInfo
		Participants []struct {
			UserID string `json:"user_id"`
		} `json:"participants"`
		AESKey string `json:"aes_key"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil, &resp); err != nil {
		return nil, err
	}
	if err := c.storeKey(chatID, resp.AESKey); err != nil {
		return nil, err
	}

	info := resp.ChatInfo
	for _, p := range resp.Participants {
		info.Participants = append(info.Participants, p.UserID)
	}
	return &info, nil
}

func (c *Client) storeKey(chatID, encoded string) error {
	key, err := kdf.DecodeKey(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	c.SetKey(chatID, key)
	return nil
}

// SetKey stores a session key obtained out of band
func (c *Client) SetKey(chatID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[chatID] = bytes.Clone(key)
}

// Key returns the session key for a chat
func (c *Client) Key(chatID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[chatID]
	return key, ok
}

// Send seals plaintext with the chat key and posts it
func (c *Client) Send(ctx context.Context, chatID string, plaintext []byte) (string, error) {
	key, ok := c.Key(chatID)
	if !ok {
		return "", ErrNoKey
	}
	blob, err := seal.Seal(plaintext, key)
	if err != nil {
		return "", err
	}

	var resp struct {
		MessageID string `json:"message_id"`
	}
	req := map[string]string{"encrypted_message": seal.EncodeBlob(blob)}
	if err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/send", req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Messages lists the chat's live messages, opening those it can
func (c *Client) Messages(ctx context.Context, chatID string) ([]Message, error) {
	var resp struct {
		Messages []struct {
			ID               string     `json:"id"`
			SenderID         string     `json:"sender_id"`
			EncryptedMessage string     `json:"encrypted_message"`
			CreatedAt        time.Time  `json:"created_at"`
			Status           string     `json:"status"`
			ReadAt           *time.Time `json:"read_at"`
			ExpiresAt        *time.Time `json:"expires_at"`
		} `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}

	key, hasKey := c.Key(chatID)
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msg := Message{
			ID:        m.ID,
			SenderID:  m.SenderID,
			CreatedAt: m.CreatedAt,
			Status:    m.Status,
			ReadAt:    m.ReadAt,
			ExpiresAt: m.ExpiresAt,
		}
		if hasKey {
			blob, err := seal.DecodeBlob(m.EncryptedMessage)
			if err != nil {
				return nil, err
			}
			if msg.Plaintext, err = seal.Open(blob, key); err != nil {
				return nil, fmt.Errorf("message %s: %w", m.ID, err)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkRead starts the expiry countdown of a message
func (c *Client) MarkRead(ctx context.Context, chatID, messageID string) (readAt, expiresAt time.Time, err error) {
	var resp struct {
		ReadAt    time.Time `json:"read_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	req := map[string]string{"message_id": messageID}
	if err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/mark-read", req, &resp); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return resp.ReadAt, resp.ExpiresAt, nil
}

// MarkAllRead marks every unread message addressed to the caller
func (c *Client) MarkAllRead(ctx context.Context, chatID string) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID)+"/mark-all-read", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

// Chats returns the caller's chat list
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	var resp struct {
		Chats []Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}
