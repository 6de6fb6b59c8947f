// Package setup drives one guardian through federation onboarding: the
// setup state machine, the status and consensus pollers, and the peer
// agreement steps from configuration to consensus start.
package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fedimint/guardianctl/internal/domain"
)

// GuardianAPI is the transport surface a Session drives.
type GuardianAPI interface {
	ID() string
	BaseURL() string

	Password() *string
	SetSessionPassword(password string)
	ClearPassword()
	TestPassword(ctx context.Context, candidate string) bool

	Status(ctx context.Context) (domain.StatusResponse, error)
	SetPassword(ctx context.Context, password string) error
	SetConfigGenConnections(ctx context.Context, ourName, leaderURL string) error
	GetDefaultConfigGenParams(ctx context.Context) (domain.ConfigGenParams, error)
	GetConsensusConfigGenParams(ctx context.Context) (domain.ConsensusState, error)
	SetConfigGenParams(ctx context.Context, params domain.ConfigGenParams) error
	GetVerifyConfigHash(ctx context.Context) (domain.PeerHashMap, error)
	RunDKG(ctx context.Context) error
	VerifiedConfigs(ctx context.Context) error
	StartConsensus(ctx context.Context) error
	ConfirmConsensus(ctx context.Context) (bool, error)
	RestartSetup(ctx context.Context) error
}

// Options tunes a Session.
type Options struct {
	// PollInterval paces the status and consensus pollers.
	PollInterval time.Duration
	// DKGInterval paces the run-DKG status loop.
	DKGInterval time.Duration
	// Tos, when set, must be accepted before a role can be chosen.
	Tos   string
	Names func() string
	// OnStatus, if set, sees every status read by Load or the status poller.
	OnStatus func(ctx context.Context, guardianID string, status domain.ServerStatus)
	Logger   zerolog.Logger
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	return Options{
		PollInterval: 2 * time.Second,
		DKGInterval:  3 * time.Second,
		Names:        RandomName,
		Logger:       zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DKGInterval <= 0 {
		o.DKGInterval = d.DKGInterval
	}
	if o.Names == nil {
		o.Names = d.Names
	}
	return o
}

// Session is one guardian's onboarding session.
type Session struct {
	api     GuardianAPI
	machine *Machine
	opts    Options
	log     zerolog.Logger

	status    *Poller[domain.StatusResponse]
	consensus *Poller[domain.ConsensusState]

	mu         sync.Mutex
	lastStatus *domain.StatusResponse
	verifier   *Verifier

	dkgWaiting atomic.Bool
	verified   atomic.Bool
}

// LoadResult summarizes what Load found on the server.
type LoadResult struct {
	Status domain.ServerStatus `json:"status"`
	// NeedsAuth is set when the server holds a password we do not have.
	NeedsAuth bool `json:"needs_auth"`
	// Admin is set once the federation is running and setup is over.
	Admin bool `json:"admin"`
}

// Open restores the persisted session for api's guardian. A nil store keeps
// state in memory only.
func Open(ctx context.Context, api GuardianAPI, store Store, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("component", "setup").Str("guardian", api.ID()).Logger()

	state := NewState(opts.Names())
	if store != nil {
		persisted, ok, err := store.LoadSetupState(ctx, api.ID())
		if err != nil {
			log.Warn().Err(err).Msg("failed to load persisted setup state, starting fresh")
		} else if ok {
			state = Restore(persisted, state.MyName)
		}
	}
	if pw := api.Password(); pw != nil {
		state.Password = *pw
	}
	if opts.Tos != "" && state.Progress == domain.ProgressStart {
		state.TosConfig = domain.TosConfig{ShowTos: true, Tos: opts.Tos}
	}

	s := &Session{
		api:     api,
		machine: NewMachine(api.ID(), state, store, opts.Logger),
		opts:    opts,
		log:     log,
	}
	s.status = NewPoller("status", api.ID(), opts.PollInterval, api.Status, s.onStatus, opts.Logger)
	s.consensus = NewPoller("consensus", api.ID(), opts.PollInterval, api.GetConsensusConfigGenParams, s.onConsensus, opts.Logger)
	return s, nil
}

// ID returns the guardian instance id.
func (s *Session) ID() string { return s.api.ID() }

// State returns the current setup state.
func (s *Session) State() domain.SetupState { return s.machine.State() }

// Machine exposes the underlying state machine.
func (s *Session) Machine() *Machine { return s.machine }

// Close stops both pollers.
func (s *Session) Close() {
	s.status.Stop()
	s.consensus.Stop()
}

// Load reads the server status, folds it into local state, and checks the
// stored credential.
func (s *Session) Load(ctx context.Context) (LoadResult, error) {
	status, err := s.api.Status(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load status: %w", err)
	}
	s.onStatus(status)

	res := LoadResult{
		Status: status.Server,
		Admin:  status.Server == domain.StatusConsensusRunning,
	}
	if status.Server != domain.StatusAwaitingPassword {
		pw := s.api.Password()
		res.NeedsAuth = pw == nil || !s.api.TestPassword(ctx, *pw)
	}
	return res, nil
}

// Authenticate checks password against the server and keeps it for the session.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	if !s.api.TestPassword(ctx, password) {
		return domain.ErrUnauthorized
	}
	s.api.SetSessionPassword(password)
	_, err := s.machine.Dispatch(ctx, SetPassword{Password: password})
	return err
}

// ─── Status polling ─────────────────────────────────────────────────────────

// ToggleStatusPolling enables or disables the status poller.
func (s *Session) ToggleStatusPolling(on bool) { s.status.Toggle(on) }

// LastStatus returns the most recent status seen by Load or the poller.
func (s *Session) LastStatus() (domain.StatusResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStatus == nil {
		return domain.StatusResponse{}, false
	}
	return *s.lastStatus, true
}

func (s *Session) onStatus(status domain.StatusResponse) {
	s.mu.Lock()
	s.lastStatus = &status
	s.mu.Unlock()

	ctx := context.Background()
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(ctx, s.ID(), status.Server)
	}
	if err := s.ApplyServerStatus(ctx, status.Server); err != nil {
		s.log.Warn().Err(err).Str("status", string(status.Server)).Msg("failed to apply server status")
	}
}

// ApplyServerStatus moves local progress to where the server says it is.
// Progress only moves forward; a status that lags behind local progress is
// ignored. No password is set on the server before configuration is
// submitted, so AwaitingPassword only means an external reset once local
// progress is past SetConfiguration; such a session is reset too. A browser
// session resets on every AwaitingPassword, but a role chosen in one CLI run
// has to survive the status read of the next.
func (s *Session) ApplyServerStatus(ctx context.Context, status domain.ServerStatus) error {
	t, ok := transitionForStatus(status)
	if !ok {
		return nil
	}
	current := s.machine.State()
	if t.reset {
		if current.Progress.Index() <= domain.ProgressSetConfiguration.Index() {
			return nil
		}
		s.log.Warn().Str("progress", string(current.Progress)).Msg("server is awaiting a password, resetting setup")
		s.api.ClearPassword()
		s.mu.Lock()
		s.verifier = nil
		s.mu.Unlock()
		s.verified.Store(false)
		_, err := s.machine.Dispatch(ctx, SetInitialState{Name: s.opts.Names()})
		return err
	}
	if t.progress.Index() <= current.Progress.Index() {
		return nil
	}
	_, err := s.machine.Dispatch(ctx, SetProgress{Progress: t.progress})
	if errors.Is(err, domain.ErrProgressRegression) {
		return nil
	}
	return err
}

// ─── Start ──────────────────────────────────────────────────────────────────

// AcceptTos dismisses the terms-of-service gate.
func (s *Session) AcceptTos(ctx context.Context) error {
	tos := s.machine.State().TosConfig
	_, err := s.machine.Dispatch(ctx, SetTosConfig{Config: domain.TosConfig{Tos: tos.Tos}})
	return err
}

// ChooseRole fixes the role and moves on to configuration.
func (s *Session) ChooseRole(ctx context.Context, role domain.GuardianRole) error {
	_, err := s.machine.Dispatch(ctx,
		SetRole{Role: role},
		SetProgress{Progress: domain.ProgressSetConfiguration},
	)
	return err
}
