package setup

import "github.com/fedimint/guardianctl/internal/domain"

// statusTransition says what a remote lifecycle phase implies locally.
type statusTransition struct {
	reset    bool
	progress domain.SetupProgress
}

// transitionForStatus maps a remote server phase onto local progress. Phases
// that imply nothing (still sharing params, DKG in progress or failed) return
// ok=false and local progress moves on its own.
func transitionForStatus(s domain.ServerStatus) (statusTransition, bool) {
	switch s {
	case domain.StatusAwaitingPassword:
		return statusTransition{reset: true}, true
	case domain.StatusReadyForConfigGen:
		return statusTransition{progress: domain.ProgressConnectGuardians}, true
	case domain.StatusVerifyingConfigs, domain.StatusVerifiedConfigs:
		return statusTransition{progress: domain.ProgressVerifyGuardians}, true
	case domain.StatusConsensusRunning:
		return statusTransition{progress: domain.ProgressSetupComplete}, true
	}
	return statusTransition{}, false
}
