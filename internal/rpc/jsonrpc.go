// Package rpc defines the JSON-RPC 2.0 envelope spoken by guardian servers.
//
// Every call carries a single positional parameter, the authenticated
// envelope {auth, params}. Responses carry either a result or an error.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fedimint/guardianctl/internal/domain"
)

// ─── JSON-RPC 2.0 ──────────────────────────────────────────────────────────
// Spec: https://www.jsonrpc.org/specification

// JSONRPCVersion is the only valid JSON-RPC version string.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// AuthedParams is the envelope guardians expect as the only positional param.
type AuthedParams struct {
	Auth   *string `json:"auth"`
	Params any     `json:"params"`
}

// Error is a JSON-RPC 2.0 error object returned by a guardian.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is match auth failures against domain.ErrUnauthorized.
func (e *Error) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.Code == CodeUnauthorized
}

// ─── Error Codes ───────────────────────────────────────────────────────────

const (
	CodeParseError     = -32700 // Invalid JSON
	CodeInvalidRequest = -32600 // Not a valid Request object
	CodeMethodNotFound = -32601 // Method does not exist
	CodeInvalidParams  = -32602 // Invalid method parameters
	CodeInternalError  = -32603 // Internal error
)

// Guardian-specific codes.
const (
	CodeTimeout      = -32002 // Server gave up waiting on a slow operation
	CodeUnauthorized = 401    // Missing or wrong password
)

// IsTimeout reports whether err is a remote request-timeout error.
func IsTimeout(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Code == CodeTimeout
}

// NewRequest builds a request wrapping params in the authenticated envelope.
func NewRequest(id string, method Method, auth *string, params any) (Request, error) {
	data, err := json.Marshal([]AuthedParams{{Auth: auth, Params: params}})
	if err != nil {
		return Request{}, fmt.Errorf("marshal params: %w", err)
	}
	return Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  string(method),
		Params:  data,
	}, nil
}

// NewResult creates a successful response with the given result.
func NewResult(id string, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// ParseAuthedParams decodes the positional envelope of a request.
// Used by servers and test doubles.
func ParseAuthedParams(req Request) (auth *string, params json.RawMessage, err error) {
	var envelope []struct {
		Auth   *string         `json:"auth"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(req.Params, &envelope); err != nil {
		return nil, nil, fmt.Errorf("decode params: %w", err)
	}
	if len(envelope) != 1 {
		return nil, nil, fmt.Errorf("expected 1 positional param, got %d", len(envelope))
	}
	return envelope[0].Auth, envelope[0].Params, nil
}

// Decode unmarshals a successful result into out. A nil out discards it.
func (r Response) Decode(out any) error {
	if r.Error != nil {
		return r.Error
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
