package tokenizer

import "github.com/golang-jwt/jwt/v5"

// IdentityClaims combines standard claims with the caller's email.
// The subject carries the user id.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}
