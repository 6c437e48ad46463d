// Package auth provides credential verification for WebSocket sessions and
// an HTTP middleware for the REST surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

type contextKey string

const userIDKey contextKey = "auth.userID"

// claims is the token shape issued by the account service.
type claims struct {
	Disabled bool `json:"disabled,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens and implements realtime.Verifier.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier is the constructor for the JWTVerifier.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the credential, returning the subject user ID.
// Expired, malformed, or badly signed tokens all map to
// realtime.ErrInvalidCredential; a valid token for a disabled account maps
// to realtime.ErrAccountDisabled.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", realtime.ErrInvalidCredential
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(credential, &parsed, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", realtime.ErrInvalidCredential, err)
	}
	if parsed.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", realtime.ErrInvalidCredential)
	}
	if parsed.Disabled {
		return "", realtime.ErrAccountDisabled
	}
	return parsed.Subject, nil
}

// Middleware returns an HTTP middleware that requires a Bearer token and
// injects the authenticated user ID into the request context.
func Middleware(verifier realtime.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			credential, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(r.Context(), credential)
			if err != nil {
				if errors.Is(err, realtime.ErrAccountDisabled) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// NoopAuth returns a middleware that injects a fixed user ID, for local runs
// and tests.
func NoopAuth(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID stores the authenticated user ID on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the authenticated user ID set by Middleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
