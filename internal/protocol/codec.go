package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"realtime-chat/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode builds a frame ready to be written to any number of connections.
func Encode(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFrame parses the envelope of an inbound frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, apperr.Validation("malformed frame")
	}
	if f.Event == "" {
		return Frame{}, apperr.Validation("missing event name")
	}
	return f, nil
}

// DecodePayload unmarshals data into dst and runs its validation tags.
func DecodePayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.Validation("malformed payload")
	}
	return Validate(dst)
}

// Validate runs the validation tags of v, e.g. on REST request bodies.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return apperr.Validation("%s", describe(err))
	}
	return nil
}

// ErrorFrame converts any error to the `error` event for the requester.
func ErrorFrame(err error) []byte {
	code, msg := apperr.Public(err)
	p := ErrorPayload{Message: msg, Code: code}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		p.RetryAfter = ae.RetryAfter.Milliseconds()
	}
	return MustEncode(Error, p)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid payload"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
