package setup

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/infra/metrics"
)

// Machine holds one guardian's setup state. Every change goes through Reduce,
// is persisted, and wakes anyone waiting on Changed.
type Machine struct {
	id    string
	store Store
	log   zerolog.Logger

	mu      sync.Mutex
	state   domain.SetupState
	changed chan struct{}
}

// NewMachine wraps initial. A nil store keeps state in memory only.
func NewMachine(id string, initial domain.SetupState, store Store, log zerolog.Logger) *Machine {
	m := &Machine{
		id:      id,
		store:   store,
		log:     log.With().Str("component", "setup_machine").Str("guardian", id).Logger(),
		state:   initial,
		changed: make(chan struct{}),
	}
	m.observe(initial)
	return m
}

// State returns the current state.
func (m *Machine) State() domain.SetupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Changed returns a channel closed at the next state change.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Dispatch applies actions as one transition. On error nothing changes.
//
// The new state is persisted before Dispatch returns. A reset or reaching
// SetupComplete removes the persisted record instead. Storage failures are
// logged and do not undo the transition.
func (m *Machine) Dispatch(ctx context.Context, actions ...Action) (domain.SetupState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := ReduceAll(m.state, actions...)
	if err != nil {
		return m.state, err
	}
	prev := m.state
	m.state = next
	m.persistLocked(ctx, actions)

	if prev.Progress != next.Progress {
		m.log.Info().Str("from", string(prev.Progress)).Str("to", string(next.Progress)).Msg("setup progress changed")
	}
	m.observe(next)
	close(m.changed)
	m.changed = make(chan struct{})
	return next, nil
}

func (m *Machine) persistLocked(ctx context.Context, actions []Action) {
	if m.store == nil {
		return
	}
	drop := m.state.Progress == domain.ProgressSetupComplete
	for _, a := range actions {
		if _, ok := a.(SetInitialState); ok {
			drop = true
		}
	}

	var err error
	if drop {
		err = m.store.DeleteSetupState(ctx, m.id)
	} else {
		err = m.store.SaveSetupState(ctx, m.id, m.state.Persisted())
	}
	if err != nil {
		m.log.Error().Err(err).Bool("clear", drop).Msg("failed to persist setup state")
	}
}

func (m *Machine) observe(s domain.SetupState) {
	metrics.SetupProgress.WithLabelValues(m.id).Set(float64(s.Progress.Index()))
	metrics.PeersConnected.WithLabelValues(m.id).Set(float64(len(s.Peers)))
}

// WaitFor blocks until pred holds for the current state or ctx ends.
func (m *Machine) WaitFor(ctx context.Context, pred func(domain.SetupState) bool) (domain.SetupState, error) {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		if pred(state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
