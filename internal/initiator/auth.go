package initiator

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized rejects a missing or unknown bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// AnonymousUser is the identity used when no API tokens are configured.
const AnonymousUser = "anonymous"

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// TokenAuthenticator maps static API tokens to user ids. With no tokens
// configured every caller is AnonymousUser.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator creates an authenticator from token -> user id.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &TokenAuthenticator{tokens: cp}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if len(a.tokens) == 0 {
		return AnonymousUser, nil
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	for known, user := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", ErrUnauthorized
}
