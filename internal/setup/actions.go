package setup

import "github.com/fedimint/guardianctl/internal/domain"

// Action is one setup transition. Actions are plain values; Reduce gives
// them meaning.
type Action interface {
	actionName() string
}

// SetInitialState resets the session to a fresh Start state. Name becomes the
// default guardian name. KeepPassword carries the session credential over,
// for restarts where the server still holds it.
type SetInitialState struct {
	Name         string
	KeepPassword bool
}

// SetRole fixes the onboarding role. Only valid in Start.
type SetRole struct{ Role domain.GuardianRole }

// SetProgress moves to Progress, which must not be behind the current phase.
type SetProgress struct{ Progress domain.SetupProgress }

type SetMyName struct{ Name string }

// SetConfigGenParams caches the proposed or consensus parameters.
type SetConfigGenParams struct{ Params *domain.ConfigGenParams }

type SetPassword struct{ Password string }

type SetNumPeers struct{ NumPeers int }

// SetPeers replaces the cached roster. Peers are ordered by peer id.
type SetPeers struct{ Peers []domain.Peer }

// SetOurCurrentID records our index in the roster. Once known it cannot change.
type SetOurCurrentID struct{ ID int }

type SetTosConfig struct{ Config domain.TosConfig }

func (SetInitialState) actionName() string    { return "SET_INITIAL_STATE" }
func (SetRole) actionName() string            { return "SET_ROLE" }
func (SetProgress) actionName() string        { return "SET_PROGRESS" }
func (SetMyName) actionName() string          { return "SET_MY_NAME" }
func (SetConfigGenParams) actionName() string { return "SET_CONFIG_GEN_PARAMS" }
func (SetPassword) actionName() string        { return "SET_PASSWORD" }
func (SetNumPeers) actionName() string        { return "SET_NUM_PEERS" }
func (SetPeers) actionName() string           { return "SET_PEERS" }
func (SetOurCurrentID) actionName() string    { return "SET_OUR_CURRENT_ID" }
func (SetTosConfig) actionName() string       { return "SET_TOS_CONFIG" }
