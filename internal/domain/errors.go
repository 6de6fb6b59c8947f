package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Transport errors
	ErrConnectionFailed = errors.New("failed to connect to guardian API, confirm the server is online and try again")
	ErrClientShutdown   = errors.New("guardian client was shut down")
	ErrNoBaseURL        = errors.New("guardian base URL not configured")
	ErrConnectionLost   = errors.New("guardian connection lost")

	// Auth errors
	ErrUnauthorized = errors.New("invalid guardian password")

	// Setup state machine errors
	ErrInvalidTransition  = errors.New("invalid setup transition")
	ErrProgressRegression = errors.New("setup progress cannot move backwards")
	ErrRoleLocked         = errors.New("guardian role can only be chosen at the start of setup")
	ErrOurIDChanged       = errors.New("our peer id changed during the setup session")
	ErrInvalidNumPeers    = errors.New("number of guardians must be at least 1")
	ErrMissingName        = errors.New("guardian name is required")
	ErrMissingRole        = errors.New("guardian role has not been chosen")
	ErrUnknownGuardian    = errors.New("unknown guardian")
	ErrTosNotAccepted     = errors.New("terms of service must be accepted first")
	ErrMissingHostURL     = errors.New("host guardian URL is required to join a federation")
	ErrPeersNotConnected  = errors.New("not every guardian has connected yet")

	// DKG errors
	ErrConfigGenFailed        = errors.New("distributed key generation failed, restart setup to try again")
	ErrUnexpectedServerStatus = errors.New("unexpected guardian server status")
	ErrOurIDUnknown           = errors.New("our peer id is not known yet")
	ErrNoPeers                = errors.New("no peers known for this federation")
	ErrHashesUnverified       = errors.New("verification hashes have not all been confirmed")
	ErrUnknownPeer            = errors.New("unknown peer id")

	// Consensus errors
	ErrConsensusUnconfirmed = errors.New("failed to confirm consensus is running, check the guardian logs and re-check status")
)
