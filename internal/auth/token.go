package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const fleetIssuer = "openclaw-command-center"

// FleetClaims identifies the command center to the fleet event endpoint.
type FleetClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// TokenIssuer signs short-lived bearer tokens for the fleet stream.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a new TokenIssuer. An empty secret is rejected.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("fleet token secret is empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Generate creates a signed token for service.
func (t *TokenIssuer) Generate(service string) (string, error) {
	now := t.now()
	claims := &FleetClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    fleetIssuer,
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses and validates a token string.
func (t *TokenIssuer) Validate(tokenStr string) (*FleetClaims, error) {
	claims := &FleetClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(fleetIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Header returns an Authorization header carrying a fresh token. It is
// called before every dial so reconnects never present an expired token.
func (t *TokenIssuer) Header(service string) (http.Header, error) {
	token, err := t.Generate(service)
	if err != nil {
		return nil, fmt.Errorf("failed to sign fleet token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}
