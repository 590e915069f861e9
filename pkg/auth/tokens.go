package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken means no usable access token is available. Opening a chat
// socket without one is not attempted.
var ErrNoToken = errors.New("no access token")

// TokenProvider gives read-only access to the session's access token.
// Only the session layer writes tokens; chat and notification clients
// just read them.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenFunc adapts a plain function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token. An empty value behaves as a
// missing token.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// ExpiryGuard wraps a provider and reports ErrNoToken for JWTs whose exp
// claim has passed. The signature is not checked; that is the server's job.
type ExpiryGuard struct {
	Next TokenProvider
	// Leeway is subtracted from the expiry so a token about to lapse is
	// not handed to a long-lived socket.
	Leeway time.Duration
	Now    func() time.Time
}

func (g ExpiryGuard) AccessToken(ctx context.Context) (string, error) {
	tok, err := g.Next.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", ErrNoToken
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		// Opaque tokens are passed through untouched.
		return tok, nil
	}
	if claims.ExpiresAt == nil {
		return tok, nil
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	if !now().Add(g.Leeway).Before(claims.ExpiresAt.Time) {
		return "", ErrNoToken
	}
	return tok, nil
}
