// Package kdf stretches a Diffie-Hellman shared secret into a session key.
//
// The construction is a single HKDF-SHA256 block:
//
//	prk = HMAC-SHA256(salt, secret)
//	key = HMAC-SHA256(prk, info || 0x01)
//
// which is what the web client computes with two plain HMAC calls, so both
// sides arrive at the same key without another round trip.
package kdf

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a derived session key
const KeySize = 32

const (
	DefaultSalt = "woosh-chat-salt"
	DefaultInfo = "aes-session-key"
)

var (
	errEmptySecret = errors.New("empty shared secret")
	errKeySize     = errors.New("invalid session key size")
)

// Params fixes the application salt and context label
type Params struct {
	Salt []byte
	Info []byte
}

func DefaultParams() Params {
	return Params{Salt: []byte(DefaultSalt), Info: []byte(DefaultInfo)}
}

// DeriveSessionKey returns the 32-byte key for secret. It is deterministic.
func (p Params) DeriveSessionKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	return Expand(secret, p.Salt, p.Info, KeySize)
}

// Expand runs HKDF-SHA256 and reads n bytes of output
func Expand(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return out, nil
}

// EncodeKey renders a session key as standard base64 text
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses base64 key text and checks the key size
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session key: %w", err)
	}
	if len(key) != KeySize {
		return nil, errKeySize
	}
	return key, nil
}
