package api

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"realmkin-staking/internal/apperr"
)

const userIDKey = "user_id"

var (
	errMissingBearer  = apperr.New(apperr.KindUnauthenticated, "unauthenticated", "missing bearer token")
	errInvalidToken   = apperr.New(apperr.KindUnauthenticated, "invalid_token", "invalid or expired token")
	errInvalidSecret  = apperr.New(apperr.KindUnauthorized, "invalid_secret", "invalid credentials")
	errSecretDisabled = apperr.New(apperr.KindUnauthorized, "endpoint_disabled", "endpoint is not configured")
	errUserIDMismatch = apperr.New(apperr.KindUnauthorized, "uid_mismatch", "uid does not match the authenticated user")
	errNoVerifyingKey = errors.New("JWT public key not configured")
	errMissingSubject = errors.New("token has no subject")
)

// TokenVerifier validates RS256 session tokens. The subject claim is the
// caller's user ID.
type TokenVerifier struct {
	key *rsa.PublicKey
}

// NewTokenVerifier parses an RSA public key in PEM format. An empty key
// yields a verifier that rejects every token.
func NewTokenVerifier(publicKeyPEM string) (*TokenVerifier, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return &TokenVerifier{}, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
	}
	return &TokenVerifier{key: key}, nil
}

// Configured reports whether a verifying key is loaded.
func (v *TokenVerifier) Configured() bool {
	return v.key != nil
}

// Verify validates the token and returns its subject.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	if v.key == nil {
		return "", errNoVerifyingKey
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}

// bearer extracts the credentials of an "Authorization: Bearer" header.
func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// RequireUser authenticates the caller by session token and stores the user
// ID in the gin context.
func RequireUser(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			respondError(c, errMissingBearer)
			return
		}

		userID, err := v.Verify(token)
		if err != nil {
			log.Warn().
				Err(err).
				Str("path", c.Request.URL.Path).
				Str("client_ip", c.ClientIP()).
				Msg("Authentication failed")
			respondError(c, errInvalidToken)
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequireSecret admits requests whose bearer credential equals secret.
// An empty secret disables the endpoint.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			respondError(c, errSecretDisabled)
			return
		}

		token, ok := bearer(c)
		if !ok {
			respondError(c, errMissingBearer)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			log.Warn().
				Str("path", c.Request.URL.Path).
				Str("client_ip", c.ClientIP()).
				Msg("Rejected batch trigger with invalid secret")
			respondError(c, errInvalidSecret)
			return
		}
		c.Next()
	}
}

// userID returns the authenticated caller.
func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
