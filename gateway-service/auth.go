package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserClaims is the identity carried by a validated access token.
type UserClaims struct {
	UserId    string
	Username  string
	ExpiresAt int64
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// TokenValidator validates access tokens against the identity provider's
// JWKS endpoint.
type TokenValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewTokenValidator fetches and caches the JWKS key set. The identity
// provider may still be starting, so the fetch retries.
func NewTokenValidator(jwksURL, issuer string) (*TokenValidator, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &TokenValidator{jwks: jwks, issuer: issuer}, nil
}

// Validate parses and verifies an access token. The subject claim is the
// user id.
func (v *TokenValidator) Validate(tokenString string) (*UserClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}
	return &UserClaims{
		UserId:    claims.Subject,
		Username:  claims.PreferredUsername,
		ExpiresAt: expiresAt,
	}, nil
}

// Close stops the JWKS refresh goroutine.
func (v *TokenValidator) Close() {
	v.jwks.EndBackground()
}
