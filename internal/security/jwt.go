package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "pagemind"

// ErrAuthDisabled is returned when minting without a shared secret.
var ErrAuthDisabled = errors.New("auth disabled: no shared secret configured")

// Claims identify the UI surface that opened a channel.
type Claims struct {
	Surface string `json:"surface"`
	jwt.RegisteredClaims
}

// TokenManager mints and checks the short-lived handshake tokens shared by
// the daemon and its clients.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager. An empty secret disables auth.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether tokens are required.
func (m *TokenManager) Enabled() bool {
	return len(m.secret) > 0
}

// Generate mints a token for surface.
func (m *TokenManager) Generate(surface string) (string, error) {
	if !m.Enabled() {
		return "", ErrAuthDisabled
	}

	now := time.Now()
	claims := Claims{
		Surface: surface,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   surface,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses tokenString and returns its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// TTL returns the token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}
