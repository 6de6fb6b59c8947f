package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/fedimint/guardianctl/internal/domain"
)

// Singleton reports whether the federation has a single guardian, in which
// case hash verification is skipped.
func Singleton(s domain.SetupState) bool {
	return s.NumPeers == 1 || (s.Role == domain.RoleHost && s.NumPeers == 0)
}

// StartsAutomatically reports whether consensus starts as soon as every hash
// is verified. Only a host of a multi-guardian federation waits for an
// explicit StartConsensus.
func StartsAutomatically(s domain.SetupState) bool {
	return s.Role != domain.RoleHost || Singleton(s)
}

// Verify enters the operator's hashes and, once every peer is verified,
// starts consensus if this guardian starts automatically. A singleton
// federation has nothing to verify: consensus starts at once and the
// returned Verifier is nil.
func (s *Session) Verify(ctx context.Context, hashes map[int]string) (v *Verifier, started bool, err error) {
	state := s.machine.State()
	if Singleton(state) {
		if err := s.StartConsensus(ctx); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	v, err = s.Verification(ctx)
	if err != nil {
		return nil, false, err
	}
	all, err := v.Enter(ctx, hashes)
	if err != nil || !all || !StartsAutomatically(state) {
		return v, false, err
	}
	if err := s.StartConsensus(ctx); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// StartConsensus starts the federation and completes setup. Outside the
// singleton case every peer hash must be verified first. The server restarts
// as part of this: the consensus poller is stopped and status polling is
// paused until the call returns.
func (s *Session) StartConsensus(ctx context.Context) error {
	state := s.machine.State()
	if state.Progress != domain.ProgressVerifyGuardians {
		return fmt.Errorf("%w: start consensus in %s", domain.ErrInvalidTransition, state.Progress)
	}
	if !Singleton(state) && !s.verified.Load() && !s.serverVerified(ctx) {
		return domain.ErrHashesUnverified
	}

	s.consensus.Stop()
	defer s.pauseStatusPolling()()
	if err := s.api.StartConsensus(ctx); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}
	_, err := s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressSetupComplete})
	return err
}

// pauseStatusPolling stops the status poller and returns a func that turns it
// back on if it was running.
func (s *Session) pauseStatusPolling() (resume func()) {
	if !s.status.Running() {
		return func() {}
	}
	s.status.Stop()
	return s.status.Start
}

// serverVerified refreshes the roster and reports whether the server already
// recorded our verification in an earlier session.
func (s *Session) serverVerified(ctx context.Context) bool {
	if err := s.FetchConsensusState(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to refresh roster before starting consensus")
		return false
	}
	ours, ok := s.machine.State().OurPeer()
	if !ok || ours.Status != domain.StatusVerifiedConfigs {
		return false
	}
	s.verified.Store(true)
	return true
}

// RecheckConsensus asks the server once whether consensus is running, and
// completes setup if so. It is the manual follow-up to a StartConsensus that
// could not confirm.
func (s *Session) RecheckConsensus(ctx context.Context) (bool, error) {
	running, err := s.api.ConfirmConsensus(ctx)
	if errors.Is(err, domain.ErrUnexpectedServerStatus) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recheck consensus: %w", err)
	}
	if !running {
		return false, nil
	}
	if _, err := s.machine.Dispatch(ctx, SetProgress{Progress: domain.ProgressSetupComplete}); err != nil {
		return true, err
	}
	return true, nil
}

// Restart resets setup on the server and, only once that succeeds, locally.
// The persisted record is cleared. The session password is kept.
func (s *Session) Restart(ctx context.Context) error {
	if s.machine.State().Progress == domain.ProgressSetupComplete {
		return fmt.Errorf("%w: setup already complete", domain.ErrInvalidTransition)
	}
	if err := s.api.RestartSetup(ctx); err != nil {
		return fmt.Errorf("restart setup: %w", err)
	}

	s.consensus.Stop()
	defer s.pauseStatusPolling()()
	s.mu.Lock()
	s.verifier = nil
	s.mu.Unlock()
	s.verified.Store(false)
	s.dkgWaiting.Store(false)

	_, err := s.machine.Dispatch(ctx, SetInitialState{Name: s.opts.Names(), KeepPassword: true})
	return err
}
