// Package seal provides the authenticated symmetric transform used for chat
// payloads.
//
// A sealed blob is
//
//	nonce (16) || AES-256-CBC(PKCS#7(plaintext)) || HMAC-SHA256(nonce || ciphertext)
//
// The 32-byte session key is expanded into independent encryption and MAC
// keys. Open checks the tag before touching the cipher, so tampered, truncated
// or foreign blobs all fail with core.ErrDecryptionFailed and never yield
// partial plaintext.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/kdf"
)

const (
	NonceSize = aes.BlockSize
	TagSize   = sha256.Size
	KeySize   = kdf.KeySize

	// MinBlobSize is a nonce, one padded block and a tag
	MinBlobSize = NonceSize + aes.BlockSize + TagSize
)

var subkeyInfo = []byte("woosh-seal-v1")

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(plaintext, key []byte) ([]byte, error) {
	return SealWithReader(rand.Reader, plaintext, key)
}

// SealWithReader is Seal with an explicit nonce source.
func SealWithReader(r io.Reader, plaintext, key []byte) ([]byte, error) {
	encKey, macKey, err := subkeys(key)
	if err != nil {
		return nil, err
	}
	defer wipe(encKey)
	defer wipe(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, NonceSize+len(padded), NonceSize+len(padded)+TagSize)
	if _, err := io.ReadFull(r, out[:NonceSize]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	cipher.NewCBCEncrypter(block, out[:NonceSize]).CryptBlocks(out[NonceSize:], padded)
	wipe(padded)

	return append(out, tag(macKey, out)...), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func Open(blob, key []byte) ([]byte, error) {
	if len(blob) < MinBlobSize || (len(blob)-NonceSize-TagSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed blob of %d bytes: %w", len(blob), core.ErrDecryptionFailed)
	}
	encKey, macKey, err := subkeys(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDecryptionFailed, err)
	}
	defer wipe(encKey)
	defer wipe(macKey)

	body, sum := blob[:len(blob)-TagSize], blob[len(blob)-TagSize:]
	if !hmac.Equal(tag(macKey, body), sum) {
		return nil, fmt.Errorf("authentication tag mismatch: %w", core.ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDecryptionFailed, err)
	}
	nonce, ct := body[:NonceSize], body[NonceSize:]
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, nonce).CryptBlocks(padded, ct)

	plaintext, err := unpad(padded, aes.BlockSize)
	if err != nil {
		wipe(padded)
		return nil, fmt.Errorf("%w: %w", core.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// EncodeBlob renders a blob as standard base64 text
func EncodeBlob(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeBlob parses base64 text and checks the minimum sealed length
func DecodeBlob(s string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("blob is not base64: %w", core.ErrDecryptionFailed)
	}
	if len(blob) < MinBlobSize {
		return nil, fmt.Errorf("blob too short: %w", core.ErrDecryptionFailed)
	}
	return blob, nil
}

func subkeys(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	material, err := kdf.Expand(key, nil, subkeyInfo, 2*KeySize)
	if err != nil {
		return nil, nil, err
	}
	return material[:KeySize], material[KeySize:], nil
}

func tag(macKey, data []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(data)
	return m.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
