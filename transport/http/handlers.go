package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/crypto/seal"
	"github.com/layer-3/woosh/ports"
	"github.com/layer-3/woosh/service"
)

// ChatHandlers contains HTTP handlers for chat endpoints
type ChatHandlers struct {
	sessions *service.SessionService
	messages *service.MessageService
	store    ports.Store
	logger   watermill.LoggerAdapter
}

// NewChatHandlers creates new chat handlers
func NewChatHandlers(
	sessions *service.SessionService,
	messages *service.MessageService,
	store ports.Store,
	logger watermill.LoggerAdapter,
) *ChatHandlers {
	return &ChatHandlers{
		sessions: sessions,
		messages: messages,
		store:    store,
		logger:   logger,
	}
}

type participantResponse struct {
	UserID    string     `json:"user_id"`
	PublicKey string     `json:"public_key"`
	JoinedAt  *time.Time `json:"joined_at"`
}

type messageResponse struct {
	ID               string             `json:"id"`
	SenderID         string             `json:"sender_id"`
	EncryptedMessage string             `json:"encrypted_message"`
	CreatedAt        time.Time          `json:"created_at"`
	Status           core.MessageStatus `json:"status"`
	ReadAt           *time.Time         `json:"read_at"`
	ExpiresAt        *time.Time         `json:"expires_at"`
}

// InitChat establishes or resumes the session with a peer
func (h *ChatHandlers) InitChat(c *gin.Context) {
	var req struct {
		PeerUID   string `json:"peer_uid" binding:"required"`
		PublicKey string `json:"public_key" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	handle, err := h.sessions.Establish(c.Request.Context(), userID(c), req.PeerUID, req.PublicKey)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{
		"chat_id":  handle.SessionID,
		"peer_uid": handle.PeerID,
		"created":  handle.Created,
	}
	if handle.Created {
		// Lets the caller derive the session key on its side
		resp["server_public_key"] = handle.CounterpartPublic
	} else {
		// The peer joins an exchange it did not run
		resp["aes_key"] = kdf.EncodeKey(handle.Key)
	}

	status := http.StatusOK
	if handle.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// ListChats returns the caller's chats with unread counts
func (h *ChatHandlers) ListChats(c *gin.Context) {
	chats, err := h.sessions.ListChats(c.Request.Context(), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns session details and the key to a participant
func (h *ChatHandlers) GetChat(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	participants := make([]participantResponse, 0, len(session.Participants))
	for _, p := range session.Participants {
		participants = append(participants, participantResponse{
			UserID:    p.UserID,
			PublicKey: p.PublicKey,
			JoinedAt:  p.JoinedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"chat_id":      session.ID,
		"participants": participants,
		"created_at":   session.CreatedAt,
		"created_by":   session.CreatedBy,
		"status":       session.Status,
		"aes_key":      kdf.EncodeKey(session.Key),
	})
}

// Send stores a sealed message
func (h *ChatHandlers) Send(c *gin.Context) {
	var req struct {
		EncryptedMessage string `json:"encrypted_message" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	blob, err := seal.DecodeBlob(req.EncryptedMessage)
	if err != nil {
		h.writeError(c, err)
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), c.Param("id"), userID(c), blob)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message_id": msg.ID,
		"created_at": msg.CreatedAt,
	})
}

// ListMessages returns the chat's live messages
func (h *ChatHandlers) ListMessages(c *gin.Context) {
	msgs, err := h.messages.List(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:               m.ID,
			SenderID:         m.SenderID,
			EncryptedMessage: seal.EncodeBlob(m.Ciphertext),
			CreatedAt:        m.CreatedAt,
			Status:           m.Status,
			ReadAt:           m.ReadAt,
			ExpiresAt:        m.ExpiresAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// MarkRead starts the expiry countdown of a message
func (h *ChatHandlers) MarkRead(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	readAt, expiresAt, err := h.messages.MarkRead(c.Request.Context(), c.Param("id"), userID(c), req.MessageID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"read_at":    readAt,
		"expires_at": expiresAt,
	})
}

// MarkAllRead marks every unread message addressed to the caller
func (h *ChatHandlers) MarkAllRead(c *gin.Context) {
	n, err := h.messages.MarkAllRead(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// Health reports whether the store is reachable
func (h *ChatHandlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", err, nil)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps domain errors to status codes
func (h *ChatHandlers) writeError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	errorMsg := "Internal error"

	switch {
	case errors.Is(err, core.ErrInvalidKeyMaterial):
		statusCode = http.StatusBadRequest
		errorMsg = "Invalid public key"
	case errors.Is(err, core.ErrSelfSession):
		statusCode = http.StatusBadRequest
		errorMsg = "Cannot start a chat with yourself"
	case errors.Is(err, core.ErrDecryptionFailed):
		statusCode = http.StatusBadRequest
		errorMsg = "Malformed ciphertext"
	case errors.Is(err, core.ErrSessionNotFound):
		statusCode = http.StatusNotFound
		errorMsg = "Chat not found"
	case errors.Is(err, core.ErrMessageNotFound):
		statusCode = http.StatusNotFound
		errorMsg = "Message not found"
	case errors.Is(err, core.ErrUnauthorized):
		statusCode = http.StatusForbidden
		errorMsg = "Not allowed"
	case errors.Is(err, core.ErrConflict):
		statusCode = http.StatusConflict
		errorMsg = "Concurrent update, retry"
	case errors.Is(err, core.ErrStoreUnavailable):
		statusCode = http.StatusServiceUnavailable
		errorMsg = "Storage unavailable"
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed", err, watermill.LogFields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}

	c.JSON(statusCode, gin.H{"error": errorMsg})
}
