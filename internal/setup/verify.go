package setup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fedimint/guardianctl/internal/domain"
)

// VerificationRow is one other peer on the verification screen.
type VerificationRow struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Entered  string `json:"entered"`
	Verified bool   `json:"verified"`

	hash string
}

// Verifier cross-checks the config hash of every other peer against what the
// operator typed in, and tells the server once they all match.
type Verifier struct {
	s       *Session
	ourID   int
	ourName string
	ourHash string

	mu        sync.Mutex
	rows      []VerificationRow
	confirmed bool
}

// Verification returns the session's verifier, building it on first use from
// the local hash table. If the server already recorded our verification, the
// entered hashes are prefilled and verified_configs is not sent again.
func (s *Session) Verification(ctx context.Context) (*Verifier, error) {
	s.mu.Lock()
	v := s.verifier
	s.mu.Unlock()
	if v != nil {
		return v, nil
	}

	state := s.machine.State()
	if state.Progress != domain.ProgressVerifyGuardians {
		return nil, fmt.Errorf("%w: verify in %s", domain.ErrInvalidTransition, state.Progress)
	}
	if len(state.Peers) == 0 {
		return nil, domain.ErrNoPeers
	}
	if state.OurCurrentID == nil {
		return nil, domain.ErrOurIDUnknown
	}
	hashes, err := s.api.GetVerifyConfigHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("get verify config hash: %w", err)
	}

	ourID := *state.OurCurrentID
	v = &Verifier{s: s, ourID: ourID, ourHash: hashes[ourID]}
	if ours, ok := state.OurPeer(); ok {
		v.ourName = ours.Name
	}
	alreadyVerified := false
	for id, peer := range state.Peers {
		if id == ourID {
			alreadyVerified = peer.Status == domain.StatusVerifiedConfigs
			continue
		}
		v.rows = append(v.rows, VerificationRow{ID: id, Name: peer.Name, hash: hashes[id]})
	}
	sort.Slice(v.rows, func(i, j int) bool { return v.rows[i].ID < v.rows[j].ID })

	if alreadyVerified {
		for i := range v.rows {
			v.rows[i].Entered = v.rows[i].hash
			v.rows[i].Verified = v.rows[i].hash != ""
		}
		v.confirmed = true
		s.verified.Store(true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifier != nil {
		return s.verifier, nil
	}
	s.verifier = v
	if !v.confirmed && len(v.rows) > 0 {
		s.consensus.Start()
	}
	return v, nil
}

// OurHash is the hash other guardians should be told out of band.
func (v *Verifier) OurHash() string { return v.ourHash }

// OurName is this guardian's name in the roster.
func (v *Verifier) OurName() string { return v.ourName }

// Rows returns every other peer with its verification status.
func (v *Verifier) Rows() []VerificationRow {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VerificationRow(nil), v.rows...)
}

// Confirmed reports whether the server has been told the hashes match.
func (v *Verifier) Confirmed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confirmed
}

// Enter records hashes typed in by the operator, keyed by peer id. Values are
// trimmed. A row is verified when its entry equals the locally computed hash.
// Once every row is verified, verified_configs is sent exactly once and
// consensus polling stops. It reports whether all rows are verified.
func (v *Verifier) Enter(ctx context.Context, hashes map[int]string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id := range hashes {
		if v.indexLocked(id) < 0 {
			return false, fmt.Errorf("%w: %d", domain.ErrUnknownPeer, id)
		}
	}
	for id, h := range hashes {
		row := &v.rows[v.indexLocked(id)]
		row.Entered = strings.TrimSpace(h)
		row.Verified = row.Entered != "" && row.Entered == row.hash
	}

	for _, row := range v.rows {
		if !row.Verified {
			return false, nil
		}
	}
	if v.confirmed || len(v.rows) == 0 {
		return true, nil
	}
	if err := v.s.api.VerifiedConfigs(ctx); err != nil {
		return true, fmt.Errorf("verified configs: %w", err)
	}
	v.confirmed = true
	v.s.verified.Store(true)
	v.s.consensus.Stop()
	v.s.log.Info().Int("peers", len(v.rows)).Msg("all guardian hashes verified")
	return true, nil
}

func (v *Verifier) indexLocked(id int) int {
	for i, row := range v.rows {
		if row.ID == id {
			return i
		}
	}
	return -1
}
