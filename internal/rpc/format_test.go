package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "Unknown error"},
		{"nested envelope", &Response{Error: &Error{Code: -32000, Message: "nested"}}, "nested"},
		{"nested envelope value", Response{Error: &Error{Code: 1, Message: "by value"}}, "by value"},
		{"code and message", &Error{Code: 401, Message: "Invalid authentication"}, "Invalid authentication"},
		{"wrapped rpc error", fmt.Errorf("call status: %w", &Error{Code: 1, Message: "inner"}), "inner"},
		{"plain error", errors.New("boom"), "boom"},
		{"raw nested", json.RawMessage(`{"error":{"message":"raw nested"}}`), "raw nested"},
		{"raw code", json.RawMessage(`{"code":3,"message":"raw code"}`), "raw code"},
		{"raw message", []byte(`{"message":"raw message"}`), "raw message"},
		{"raw other", []byte(`{"x":1}`), `{"x":1}`},
		{"stringer fallback", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatError(tt.in))
		})
	}
}
