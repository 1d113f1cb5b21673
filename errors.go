package woosh

import (
	"errors"
	"fmt"
)

var (
	// ErrNoKey is returned when the client holds no session key for a chat
	ErrNoKey = errors.New("no session key for chat")

	// ErrUnexpectedResponse is returned when the server reply cannot be decoded
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// APIError is a non-2xx reply from the chat server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("woosh: %d %s", e.StatusCode, e.Message)
}
