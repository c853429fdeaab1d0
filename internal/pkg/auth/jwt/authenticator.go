package jwt

import (
	"context"
	"errors"
	"net/http"

	"callhub/internal/app/user"
)

var (
	// ErrMissingToken is returned when the handshake carries no credential.
	ErrMissingToken = errors.New("missing token")

	// ErrUnknownUser is returned when a valid token names a user the store does not know.
	ErrUnknownUser = errors.New("unknown user")
)

// UserLookup resolves a user identity. user stores satisfy it.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*user.User, error)
}

// Authenticator verifies the identity of a realtime handshake.
type Authenticator struct {
	// secret is the HMAC key used to verify token signatures.
	secret string

	// users is optional; when set, the token subject must exist in it.
	users UserLookup
}

// NewAuthenticator creates an Authenticator. users may be nil.
func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: secret, users: users}
}

// Authenticate returns the verified identity of the request or an error.
// Any failure, including a store error, rejects the handshake.
func (a *Authenticator) Authenticate(r *http.Request) (*user.User, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	payload, err := ParseToken(tokenString, a.secret)
	if err != nil {
		return nil, err
	}

	if a.users == nil {
		return &user.User{ID: payload.ID, Name: payload.Name}, nil
	}

	u, err := a.users.GetUser(r.Context(), payload.ID)
	if err != nil || u == nil {
		return nil, ErrUnknownUser
	}

	if u.Name == "" {
		u.Name = payload.Name
	}

	return u, nil
}
