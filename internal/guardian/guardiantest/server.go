// Package guardiantest provides an in-process fake guardian speaking the
// websocket JSON-RPC protocol, for tests of the client and setup layers.
package guardiantest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fedimint/guardianctl/internal/rpc"
)

// Handler answers one call. A non-nil *rpc.Error is sent as the error reply.
type Handler func(auth *string, params json.RawMessage) (any, *rpc.Error)

// Server is a scripted fake guardian.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[rpc.Method]Handler
	silent   map[rpc.Method]bool
	calls    map[rpc.Method]int
	auths    map[rpc.Method]*string
	password *string
	refuse   bool
	accepted int
	conns    map[*websocket.Conn]*sync.Mutex
}

// NewServer starts a fake guardian. Close it when done.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[rpc.Method]Handler),
		silent:   make(map[rpc.Method]bool),
		calls:    make(map[rpc.Method]int),
		auths:    make(map[rpc.Method]*string),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL is the ws:// address of the fake.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// Handle installs h for method.
func (s *Server) Handle(method rpc.Method, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
	delete(s.silent, method)
}

// HandleResult answers method with a fixed result.
func (s *Server) HandleResult(method rpc.Method, result any) {
	s.Handle(method, func(*string, json.RawMessage) (any, *rpc.Error) {
		return result, nil
	})
}

// HandleError answers method with a fixed error.
func (s *Server) HandleError(method rpc.Method, code int, message string) {
	s.Handle(method, func(*string, json.RawMessage) (any, *rpc.Error) {
		return nil, &rpc.Error{Code: code, Message: message}
	})
}

// Silence makes method accept calls and never answer them.
func (s *Server) Silence(method rpc.Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = true
}

// RequirePassword rejects every call except status whose auth differs from pw.
func (s *Server) RequirePassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = &pw
}

// Refuse makes the fake reject new websocket upgrades.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Calls returns how many times method was called.
func (s *Server) Calls(method rpc.Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// LastAuth returns the credential sent with the latest call to method.
func (s *Server) LastAuth(method rpc.Method) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auths[method]
}

// Accepted returns how many websocket connections were accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.accepted++
	s.conns[ws] = writeMu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		go s.answer(ws, writeMu, req)
	}
}

func (s *Server) answer(ws *websocket.Conn, writeMu *sync.Mutex, req rpc.Request) {
	method := rpc.Method(req.Method)
	auth, params, err := rpc.ParseAuthedParams(req)

	s.mu.Lock()
	s.calls[method]++
	s.auths[method] = auth
	h, ok := s.handlers[method]
	silent := s.silent[method]
	password := s.password
	s.mu.Unlock()

	var resp rpc.Response
	switch {
	case silent:
		return
	case err != nil:
		resp = rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, err.Error())
	case password != nil && method != rpc.MethodStatus && (auth == nil || *auth != *password):
		resp = rpc.NewErrorResponse(req.ID, rpc.CodeUnauthorized, "Invalid authentication")
	case !ok:
		resp = rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, "Method not found: "+req.Method)
	default:
		result, rerr := h(auth, params)
		if rerr != nil {
			resp = rpc.Response{JSONRPC: rpc.JSONRPCVersion, ID: req.ID, Error: rerr}
		} else if resp, err = rpc.NewResult(req.ID, result); err != nil {
			resp = rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, err.Error())
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	_ = ws.WriteJSON(resp)
}
