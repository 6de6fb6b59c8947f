// Package api provides the local HTTP control API for guardianctl.
// It reports setup progress per guardian and exposes the operator actions
// that need a human in the loop: hash verification, consensus start and
// restart.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/health"
	"github.com/fedimint/guardianctl/internal/infra/sqlite"
	"github.com/fedimint/guardianctl/internal/rpc"
	"github.com/fedimint/guardianctl/internal/setup"
)

// History reads the recorded status changes of a guardian.
type History interface {
	StatusHistory(ctx context.Context, guardianID string, limit int) ([]sqlite.StatusEntry, error)
}

// Server is the guardianctl HTTP API server.
type Server struct {
	sessions       map[string]*setup.Session
	order          []string
	history        History
	health         *health.Checker
	metricsEnabled bool
	log            zerolog.Logger
}

// NewServer creates an API server over the given sessions. history and
// checker may be nil.
func NewServer(sessions []*setup.Session, history History, checker *health.Checker, log zerolog.Logger) *Server {
	s := &Server{
		sessions: make(map[string]*setup.Session, len(sessions)),
		history:  history,
		health:   checker,
		log:      log.With().Str("component", "api").Logger(),
	}
	for _, sess := range sessions {
		s.sessions[sess.ID()] = sess
		s.order = append(s.order, sess.ID())
	}
	return s
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/guardians", func(r chi.Router) {
		r.Get("/", s.handleListGuardians)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/setup", s.withSession(s.handleSetup))
			r.Get("/status", s.withSession(s.handleStatus))
			r.Get("/history", s.withSession(s.handleHistory))
			r.Get("/verification", s.withSession(s.handleVerification))
			r.Post("/verify", s.withSession(s.handleVerify))
			r.Post("/start", s.withSession(s.handleStart))
			r.Post("/recheck", s.withSession(s.handleRecheck))
			r.Post("/restart", s.withSession(s.handleRestart))
		})
	})

	return r
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *setup.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, ok := s.sessions[id]
		if !ok {
			writeError(w, http.StatusNotFound, domain.ErrUnknownGuardian.Error()+": "+id)
			return
		}
		h(w, r, sess)
	}
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	code, status := http.StatusOK, "ok"
	if !s.health.IsHealthy() {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

type guardianSummary struct {
	ID          string               `json:"id"`
	Role        domain.GuardianRole  `json:"role,omitempty"`
	Progress    domain.SetupProgress `json:"progress"`
	Server      domain.ServerStatus  `json:"server,omitempty"`
	DKGWaiting  bool                 `json:"dkg_waiting"`
	DKGPercent  int                  `json:"dkg_percent"`
	NumPeers    int                  `json:"num_peers"`
	PeersJoined int                  `json:"peers_joined"`
}

func summarize(sess *setup.Session) guardianSummary {
	state := sess.State()
	waiting, pct := sess.DKGProgress()
	sum := guardianSummary{
		ID:          sess.ID(),
		Role:        state.Role,
		Progress:    state.Progress,
		DKGWaiting:  waiting,
		DKGPercent:  pct,
		NumPeers:    state.NumPeers,
		PeersJoined: len(state.Peers),
	}
	if st, ok := sess.LastStatus(); ok {
		sum.Server = st.Server
	}
	return sum
}

func (s *Server) handleListGuardians(w http.ResponseWriter, r *http.Request) {
	out := make([]guardianSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, summarize(s.sessions[id]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	res, err := sess.Load(r.Context())
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []sqlite.StatusEntry{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.history.StatusHistory(r.Context(), sess.ID(), limit)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	if entries == nil {
		entries = []sqlite.StatusEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type verificationResponse struct {
	OurName   string                  `json:"our_name"`
	OurHash   string                  `json:"our_hash"`
	Peers     []setup.VerificationRow `json:"peers"`
	Confirmed bool                    `json:"confirmed"`
}

func verification(v *setup.Verifier) verificationResponse {
	return verificationResponse{
		OurName:   v.OurName(),
		OurHash:   v.OurHash(),
		Peers:     v.Rows(),
		Confirmed: v.Confirmed(),
	}
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	v, err := sess.Verification(r.Context())
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, verification(v))
}

// VerifyRequest carries the hashes an operator received out of band, keyed
// by peer id.
type VerifyRequest struct {
	Hashes map[int]string `json:"hashes"`
}

// verifyResponse is the verification table after entering hashes. Peers is
// empty for a singleton federation.
type verifyResponse struct {
	verificationResponse
	Started  bool                 `json:"started"`
	Progress domain.SetupProgress `json:"progress"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v, started, err := sess.Verify(r.Context(), req.Hashes)
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	resp := verifyResponse{Started: started, Progress: sess.State().Progress}
	if v != nil {
		resp.verificationResponse = verification(v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	if err := sess.StartConsensus(r.Context()); err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	running, err := sess.RecheckConsensus(r.Context())
	if err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  running,
		"progress": sess.State().Progress,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, sess *setup.Session) {
	if err := sess.Restart(r.Context()); err != nil {
		s.fail(w, sess, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

// fail maps err to an HTTP status. Local rule violations are the caller's
// fault; anything else came from the guardian.
func (s *Server) fail(w http.ResponseWriter, sess *setup.Session, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrHashesUnverified),
		errors.Is(err, domain.ErrNoPeers),
		errors.Is(err, domain.ErrOurIDUnknown):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrUnknownPeer):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
	}
	s.log.Warn().Err(err).Str("guardian", sess.ID()).Int("code", code).Msg("request failed")
	writeError(w, code, rpc.FormatError(err))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
