package setup

import (
	"fmt"

	"github.com/fedimint/guardianctl/internal/domain"
)

// Reduce applies action to state and returns the new state. It never mutates
// its input. A rejected action returns the original state with an error.
func Reduce(state domain.SetupState, action Action) (domain.SetupState, error) {
	next := state
	switch a := action.(type) {
	case SetInitialState:
		fresh := NewState(a.Name)
		fresh.TosConfig = state.TosConfig
		if a.KeepPassword {
			fresh.Password = state.Password
		}
		return fresh, nil

	case SetRole:
		if state.Progress != domain.ProgressStart {
			return state, domain.ErrRoleLocked
		}
		if state.TosConfig.ShowTos {
			return state, domain.ErrTosNotAccepted
		}
		if !a.Role.Valid() {
			return state, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidTransition, a.Role)
		}
		next.Role = a.Role

	case SetProgress:
		to := a.Progress.Index()
		if to < 0 {
			return state, fmt.Errorf("%w: unknown progress %q", domain.ErrInvalidTransition, a.Progress)
		}
		if to < state.Progress.Index() {
			return state, fmt.Errorf("%w: %s to %s", domain.ErrProgressRegression, state.Progress, a.Progress)
		}
		next.Progress = a.Progress

	case SetMyName:
		if a.Name == "" {
			return state, domain.ErrMissingName
		}
		next.MyName = a.Name

	case SetConfigGenParams:
		next.ConfigGenParams = a.Params

	case SetPassword:
		next.Password = a.Password

	case SetNumPeers:
		if a.NumPeers < 1 {
			return state, domain.ErrInvalidNumPeers
		}
		next.NumPeers = a.NumPeers

	case SetPeers:
		next.Peers = append([]domain.Peer(nil), a.Peers...)

	case SetOurCurrentID:
		if state.OurCurrentID != nil && *state.OurCurrentID != a.ID {
			return state, fmt.Errorf("%w: was %d, got %d", domain.ErrOurIDChanged, *state.OurCurrentID, a.ID)
		}
		id := a.ID
		next.OurCurrentID = &id

	case SetTosConfig:
		next.TosConfig = a.Config

	default:
		return state, fmt.Errorf("%w: unknown action %T", domain.ErrInvalidTransition, action)
	}
	return next, nil
}

// ReduceAll applies actions in order. Either all apply or none do.
func ReduceAll(state domain.SetupState, actions ...Action) (domain.SetupState, error) {
	next := state
	for _, a := range actions {
		var err error
		if next, err = Reduce(next, a); err != nil {
			return state, fmt.Errorf("%s: %w", a.actionName(), err)
		}
	}
	return next, nil
}

// NewState returns the Start state for a brand new session.
func NewState(name string) domain.SetupState {
	return domain.SetupState{
		Progress: domain.ProgressStart,
		MyName:   name,
		Peers:    []domain.Peer{},
	}
}

// Restore rebuilds session state from a persisted record. Past Start, a
// cached consensus roster repopulates the peer list, and numPeers falls back
// to the roster size when it was never recorded.
func Restore(p domain.PersistedSetup, defaultName string) domain.SetupState {
	state := NewState(defaultName)
	if p.Progress.Index() < 0 {
		return state
	}
	state.Role = p.Role
	state.Progress = p.Progress
	if p.MyName != "" {
		state.MyName = p.MyName
	}
	state.NumPeers = p.NumPeers
	state.ConfigGenParams = p.ConfigGenParams
	if p.OurCurrentID != nil {
		id := *p.OurCurrentID
		state.OurCurrentID = &id
	}

	if state.Progress != domain.ProgressStart && p.ConfigGenParams.IsConsensusParams() {
		state.Peers = p.ConfigGenParams.OrderedPeers()
		if state.NumPeers == 0 {
			state.NumPeers = len(state.Peers)
		}
	}
	return state
}
