package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-chat/internal/session"
)

type validatorFunc func(string) (session.Identity, error)

func (f validatorFunc) Verify(token string) (session.Identity, error) { return f(token) }

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(validatorFunc(func(token string) (session.Identity, error) {
		if token != "good" {
			return session.Identity{}, errors.New("bad signature")
		}
		return session.Identity{UserID: 7, Username: "alice"}, nil
	}), zap.NewNop())

	var seen session.Identity
	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer good", "", http.StatusNoContent},
		{"query fallback", "", "good", http.StatusNoContent},
		{"missing token", "", "", http.StatusUnauthorized},
		{"invalid token", "Bearer forged", "", http.StatusUnauthorized},
		{"wrong scheme falls back to query", "Basic good", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			seen = session.Identity{}
			r := httptest.NewRequest(http.MethodGet, "/api/messages?token="+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()

			h.ServeHTTP(w, r)

			req.Equal(tc.status, w.Code)
			if tc.status == http.StatusNoContent {
				req.Equal(session.Identity{UserID: 7, Username: "alice"}, seen)
			} else {
				req.Contains(w.Body.String(), "AUTHENTICATION_FAILED")
			}
		})
	}
}
