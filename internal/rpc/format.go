package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FormatError turns anything a failed call can produce into one user-facing
// message. Precedence: a nested {error:{message}} envelope, then a
// {code,message} error, then any error's message, then a plain string form.
func FormatError(v any) string {
	if v == nil {
		return "Unknown error"
	}

	switch e := v.(type) {
	case Response:
		if e.Error != nil {
			return e.Error.Message
		}
	case *Response:
		if e != nil && e.Error != nil {
			return e.Error.Message
		}
	case json.RawMessage:
		return formatRaw(e)
	case []byte:
		return formatRaw(e)
	}

	if err, ok := v.(error); ok {
		var rerr *Error
		if errors.As(err, &rerr) {
			return rerr.Message
		}
		return err.Error()
	}
	return fmt.Sprint(v)
}

// formatRaw applies the same precedence to an undecoded JSON payload.
func formatRaw(raw []byte) string {
	var shape struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Code    *int    `json:"code"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return string(raw)
	}
	switch {
	case shape.Error != nil:
		return shape.Error.Message
	case shape.Code != nil && shape.Message != nil:
		return *shape.Message
	case shape.Message != nil:
		return *shape.Message
	}
	return string(raw)
}
