package core

import "errors"

var (
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrSelfSession        = errors.New("cannot start a session with yourself")
	ErrSessionNotFound    = errors.New("session not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrUnauthorized       = errors.New("not a session participant")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrStoreUnavailable   = errors.New("store unavailable")

	// Store level
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("concurrent update conflict")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
)
