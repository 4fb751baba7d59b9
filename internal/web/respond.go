// Package web holds the JSON response helpers shared by the HTTP handlers.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
)

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes err as {message, code} with the status of its kind.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	code, msg := apperr.Public(err)
	status := Status(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	p := protocol.ErrorPayload{Message: msg, Code: code}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		p.RetryAfter = ae.RetryAfter.Milliseconds()
	}
	JSON(w, status, p)
}

func Status(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	case apperr.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Decode reads a JSON body into dst and validates it.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("malformed request body")
	}
	return protocol.Validate(dst)
}
