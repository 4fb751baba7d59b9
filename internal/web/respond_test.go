package web_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/web"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"authentication", apperr.Authentication("bad token", nil), http.StatusUnauthorized},
		{"authorization", apperr.Authorization("nope"), http.StatusForbidden},
		{"validation", apperr.Validation("bad"), http.StatusBadRequest},
		{"not found", apperr.NotFound("gone"), http.StatusNotFound},
		{"rate limit", apperr.RateLimited(time.Minute), http.StatusTooManyRequests},
		{"persistence", apperr.Persistence("save", errors.New("down")), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, web.Status(tt.err))
		})
	}
}

func TestError(t *testing.T) {
	t.Run("should carry the retry hint of a rate limit", func(t *testing.T) {
		req := require.New(t)
		rec := httptest.NewRecorder()

		web.Error(rec, zap.NewNop(), apperr.RateLimited(time.Minute))

		req.Equal(http.StatusTooManyRequests, rec.Code)
		var p protocol.ErrorPayload
		req.NoError(json.Unmarshal(rec.Body.Bytes(), &p))
		req.Equal("RATE_LIMITED", p.Code)
		req.Equal(int64(60000), p.RetryAfter)
	})

	t.Run("should not leak internal details", func(t *testing.T) {
		req := require.New(t)
		rec := httptest.NewRecorder()

		web.Error(rec, zap.NewNop(), errors.New("pq: connection refused at 10.0.0.3"))

		req.Equal(http.StatusInternalServerError, rec.Code)
		req.NotContains(rec.Body.String(), "10.0.0.3")
		req.Contains(rec.Body.String(), "INTERNAL_ERROR")
	})
}

func TestDecode(t *testing.T) {
	type body struct {
		Name string `json:"name" validate:"required"`
	}

	t.Run("should reject malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
		var b body
		require.Equal(t, apperr.KindValidation, apperr.KindOf(web.Decode(r, &b)))
	})

	t.Run("should validate the decoded body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":""}`))
		var b body
		require.Equal(t, apperr.KindValidation, apperr.KindOf(web.Decode(r, &b)))
	})

	t.Run("should accept a valid body", func(t *testing.T) {
		req := require.New(t)
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"general"}`))
		var b body
		req.NoError(web.Decode(r, &b))
		req.Equal("general", b.Name)
	})
}
