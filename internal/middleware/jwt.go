package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/session"
	"realtime-chat/internal/web"
)

// 1. Define Context Keys
type contextKey string

const identityKey contextKey = "identity"

// 2. Define what we need from the User Service
// This interface decouples 'middleware' from 'user'
type TokenValidator interface {
	Verify(tokenString string) (session.Identity, error)
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	validator TokenValidator
	log       *zap.Logger
}

func NewAuthMiddleware(v TokenValidator, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: v, log: log.With(zap.String("component", "auth"))}
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFrom(r)
		if tokenString == "" {
			web.Error(w, am.log, apperr.Authentication("missing authentication token", nil))
			return
		}

		id, err := am.validator.Verify(tokenString)
		if err != nil {
			web.Error(w, am.log, apperr.Authentication("invalid token", err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// TokenFrom reads a bearer token from the Authorization header, falling back
// to the token query parameter browsers use for WebSocket upgrades.
func TokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func WithIdentity(ctx context.Context, id session.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller injected by Handle.
func IdentityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey).(session.Identity)
	return id, ok
}
