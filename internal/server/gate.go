package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/fenggwsx/SlashLive/internal/auth"
	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// Gate authenticates websocket upgrade requests.
type Gate struct {
	jwt        config.JWTConfig
	identities storage.IdentityStore
}

func NewGate(jwt config.JWTConfig, identities storage.IdentityStore) *Gate {
	return &Gate{jwt: jwt, identities: identities}
}

// BearerFromRequest extracts the credential from the Authorization header
// or, for browser clients that cannot set headers, the token query parameter.
func BearerFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return auth.StripBearer(header)
	}
	return auth.StripBearer(r.URL.Query().Get("token"))
}

// Authenticate resolves the user behind a request.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (*storage.User, error) {
	return g.Verify(ctx, BearerFromRequest(r))
}

// Verify validates a bearer token and loads its user. Every failure is an
// authentication *Error except store outages, which are persistence errors.
func (g *Gate) Verify(ctx context.Context, token string) (*storage.User, error) {
	if token == "" {
		return nil, authenticationError("missing credentials", auth.ErrMissingToken)
	}
	claims, err := auth.ParseToken(g.jwt, token)
	if err != nil {
		return nil, authenticationError("invalid token", err)
	}
	user, err := g.identities.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, authenticationError("unknown user", err)
	}
	if err != nil {
		return nil, persistenceError("identity lookup", err)
	}
	return user, nil
}
