package setup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/rpc"
)

// Config is what the operator submits on the configuration screen.
type Config struct {
	Password string
	MyName   string
	// NumPeers is the federation size. Required for a host, optional for a
	// follower, and always 1 for a solo guardian.
	NumPeers int
	// HostURL is the host guardian's API address. Follower only.
	HostURL string
	Params  domain.ConfigGenParams
}

// DefaultParams returns the server's suggested configuration parameters.
func (s *Session) DefaultParams(ctx context.Context) (domain.ConfigGenParams, error) {
	params, err := s.api.GetDefaultConfigGenParams(ctx)
	if err != nil {
		return domain.ConfigGenParams{}, fmt.Errorf("get default params: %w", err)
	}
	return params, nil
}

// SubmitConfiguration sets the password if none is held yet, registers this
// guardian with the federation, and proposes params. A host or solo guardian
// convenes; a follower joins cfg.HostURL and pulls the host's view.
func (s *Session) SubmitConfiguration(ctx context.Context, cfg Config) error {
	state := s.machine.State()
	if state.Role == "" {
		return domain.ErrMissingRole
	}
	if cfg.MyName == "" {
		return domain.ErrMissingName
	}
	numPeers := cfg.NumPeers
	switch state.Role {
	case domain.RoleSolo:
		numPeers = 1
	case domain.RoleHost:
		if numPeers < 1 {
			return domain.ErrInvalidNumPeers
		}
	case domain.RoleFollower:
		if cfg.HostURL == "" {
			return domain.ErrMissingHostURL
		}
		if numPeers < 0 {
			return domain.ErrInvalidNumPeers
		}
	}

	if s.api.Password() == nil {
		if err := s.api.SetPassword(ctx, cfg.Password); err != nil {
			return fmt.Errorf("set password: %w", err)
		}
		if _, err := s.machine.Dispatch(ctx, SetPassword{Password: cfg.Password}); err != nil {
			return err
		}
	}
	if _, err := s.machine.Dispatch(ctx, SetMyName{Name: cfg.MyName}); err != nil {
		return err
	}

	if state.Role == domain.RoleFollower {
		if numPeers > 0 {
			if _, err := s.machine.Dispatch(ctx, SetNumPeers{NumPeers: numPeers}); err != nil {
				return err
			}
		}
		if err := s.api.SetConfigGenConnections(ctx, cfg.MyName, cfg.HostURL); err != nil {
			return fmt.Errorf("join host: %w", err)
		}
		if err := s.api.SetConfigGenParams(ctx, cfg.Params); err != nil {
			return fmt.Errorf("set params: %w", err)
		}
		if err := s.FetchConsensusState(ctx); err != nil {
			return err
		}
	} else {
		if _, err := s.machine.Dispatch(ctx, SetNumPeers{NumPeers: numPeers}); err != nil {
			return err
		}
		if err := s.api.SetConfigGenConnections(ctx, cfg.MyName, ""); err != nil {
			return fmt.Errorf("register as host: %w", err)
		}
		if err := s.api.SetConfigGenParams(ctx, cfg.Params); err != nil {
			return fmt.Errorf("set params: %w", err)
		}
		params := cfg.Params
		if _, err := s.machine.Dispatch(ctx, SetConfigGenParams{Params: &params}); err != nil {
			return err
		}
	}

	_, err := s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressConnectGuardians})
	return err
}

// ConnectToHost points this guardian at a (new) host URL.
func (s *Session) ConnectToHost(ctx context.Context, url string) error {
	if url == "" {
		return domain.ErrMissingHostURL
	}
	if err := s.api.SetConfigGenConnections(ctx, s.machine.State().MyName, url); err != nil {
		return fmt.Errorf("join host: %w", err)
	}
	return s.FetchConsensusState(ctx)
}

// FetchConsensusState pulls the consensus params and roster into local state.
func (s *Session) FetchConsensusState(ctx context.Context) error {
	cs, err := s.api.GetConsensusConfigGenParams(ctx)
	if err != nil {
		return fmt.Errorf("fetch consensus state: %w", err)
	}
	return s.applyConsensus(ctx, cs)
}

func (s *Session) applyConsensus(ctx context.Context, cs domain.ConsensusState) error {
	params := cs.Consensus
	_, err := s.machine.Dispatch(ctx,
		SetOurCurrentID{ID: cs.OurCurrentID},
		SetPeers{Peers: params.OrderedPeers()},
		SetConfigGenParams{Params: &params},
	)
	if err != nil {
		return fmt.Errorf("apply consensus state: %w", err)
	}
	return nil
}

func (s *Session) onConsensus(cs domain.ConsensusState) {
	if err := s.applyConsensus(context.Background(), cs); err != nil {
		s.log.Warn().Err(err).Msg("failed to apply polled consensus state")
	}
}

// ToggleConsensusPolling enables or disables the consensus poller.
func (s *Session) ToggleConsensusPolling(on bool) { s.consensus.Toggle(on) }

// ─── Connecting guardians ───────────────────────────────────────────────────

// AllConnected reports whether every expected peer is in the roster.
func AllConnected(s domain.SetupState) bool {
	return s.NumPeers > 0 && len(s.Peers) == s.NumPeers
}

// joined is AllConnected for a follower that may not know the federation size.
func joined(s domain.SetupState) bool {
	if s.NumPeers == 0 {
		return len(s.Peers) > 0
	}
	return AllConnected(s)
}

// AllAccepted reports whether every peer besides ourselves is ready for DKG.
func AllAccepted(s domain.SetupState) bool {
	if !AllConnected(s) {
		return false
	}
	ready := 0
	for _, p := range s.Peers {
		if p.Status == domain.StatusReadyForConfigGen {
			ready++
		}
	}
	return ready >= s.NumPeers-1
}

// WaitForConnections polls the roster until the federation has assembled.
//
// A host advances to RunDKG on its own once every peer is ready; a host or
// solo guardian of a one-guardian federation advances straight away. A
// follower returns once all peers are connected and stays in ConnectGuardians
// until Approve. A follower that was never told the federation size returns
// as soon as the roster is non-empty.
func (s *Session) WaitForConnections(ctx context.Context) (domain.SetupState, error) {
	state := s.machine.State()
	if state.Progress != domain.ProgressConnectGuardians {
		return state, fmt.Errorf("%w: waiting for guardians in %s", domain.ErrInvalidTransition, state.Progress)
	}
	if state.Role != domain.RoleFollower && state.NumPeers <= 1 {
		return s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressRunDKG})
	}

	s.consensus.Start()
	defer s.consensus.Stop()

	if state.Role == domain.RoleFollower {
		return s.machine.WaitFor(ctx, joined)
	}
	if _, err := s.machine.WaitFor(ctx, AllAccepted); err != nil {
		return s.machine.State(), err
	}
	s.log.Info().Int("peers", state.NumPeers).Msg("all guardians ready, running DKG")
	return s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressRunDKG})
}

// Approve accepts the host's parameters and moves a follower on to DKG.
func (s *Session) Approve(ctx context.Context) error {
	state := s.machine.State()
	if state.Progress != domain.ProgressConnectGuardians {
		return fmt.Errorf("%w: approve in %s", domain.ErrInvalidTransition, state.Progress)
	}
	if !joined(state) {
		return domain.ErrPeersNotConnected
	}
	_, err := s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressRunDKG})
	return err
}

// ─── DKG ────────────────────────────────────────────────────────────────────

// RunDKG keeps nudging the server through DKG until it reports
// VerifyingConfigs, then advances to VerifyGuardians.
//
// Remote request timeouts on run_dkg are expected while peers catch up and
// are retried. Transport failures are logged and retried on the next tick.
func (s *Session) RunDKG(ctx context.Context) error {
	if p := s.machine.State().Progress; p != domain.ProgressRunDKG {
		return fmt.Errorf("%w: run DKG in %s", domain.ErrInvalidTransition, p)
	}
	s.consensus.Start()
	defer s.consensus.Stop()
	defer s.dkgWaiting.Store(false)

	ticker := time.NewTicker(s.opts.DKGInterval)
	defer ticker.Stop()
	for {
		done, err := s.dkgStep(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) dkgStep(ctx context.Context) (bool, error) {
	status, err := s.api.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn().Err(err).Msg("failed to read status during DKG")
		return false, nil
	}

	switch status.Server {
	case domain.StatusSharingConfigGenParams:
		if err := s.api.RunDKG(ctx); err != nil && !rpc.IsTimeout(err) {
			return false, fmt.Errorf("run DKG: %w", err)
		}
	case domain.StatusReadyForConfigGen:
		if !s.dkgWaiting.Swap(true) {
			s.log.Info().Msg("DKG started, waiting for other guardians")
		}
	case domain.StatusVerifyingConfigs:
		_, err := s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressVerifyGuardians})
		return err == nil, err
	case domain.StatusConfigGenFailed:
		return false, domain.ErrConfigGenFailed
	default:
		return false, fmt.Errorf("%w: %s", domain.ErrUnexpectedServerStatus, status.Server)
	}
	return false, nil
}

// DKGProgress reports whether this guardian is waiting on others and the
// percentage of peers already ready for config generation.
func (s *Session) DKGProgress() (waiting bool, percent int) {
	peers := s.machine.State().Peers
	if len(peers) == 0 {
		return s.dkgWaiting.Load(), 0
	}
	ready := 0
	for _, p := range peers {
		if p.Status == domain.StatusReadyForConfigGen {
			ready++
		}
	}
	return s.dkgWaiting.Load(), int(math.Round(float64(ready) / float64(len(peers)) * 100))
}
