package tokenizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
)

const AudienceAccess = "woosh:access"

// JWTTokenizer implements the Tokenizer interface using HS256 JWTs shared
// with the identity provider
type JWTTokenizer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTTokenizer creates a new JWT tokenizer. ttl bounds the lifetime of
// tokens it issues.
func NewJWTTokenizer(secret []byte, ttl time.Duration) ports.Tokenizer {
	return &JWTTokenizer{secret: secret, ttl: ttl, now: time.Now}
}

// IdentityToToken issues an access token for identity
func (j *JWTTokenizer) IdentityToToken(identity *core.Identity) (string, error) {
	if identity == nil || identity.UserID == "" {
		return "", fmt.Errorf("identity without user id: %w", core.ErrUnauthorized)
	}

	now := j.now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		Email: identity.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// TokenToIdentity parses an access token and returns the caller identity
func (j *JWTTokenizer) TokenToIdentity(tokenStr string) (*core.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithAudience(AudienceAccess), jwt.WithTimeFunc(j.now))

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, core.ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w: %w", core.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || claims.Subject == "" {
		return nil, core.ErrInvalidToken
	}

	return &core.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
	}, nil
}
