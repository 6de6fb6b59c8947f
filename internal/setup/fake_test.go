package setup

import (
	"context"
	"sync"

	"github.com/fedimint/guardianctl/internal/domain"
)

type connCall struct {
	name   string
	leader string
}

// fakeAPI is a scripted GuardianAPI. Status pops scripted statuses in order
// and then keeps returning the last one.
type fakeAPI struct {
	mu sync.Mutex

	password      *string
	validPassword string

	statuses  []domain.ServerStatus
	statusErr error
	consensus domain.ConsensusState
	hashes    domain.PeerHashMap

	setPasswordErr error
	runDKGErr      error
	verifiedErr    error
	startErr       error
	restartErr     error
	running        bool

	calls       map[string]int
	connections []connCall
	params      []domain.ConfigGenParams
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		statuses: []domain.ServerStatus{domain.StatusAwaitingPassword},
		calls:    make(map[string]int),
	}
}

func (f *fakeAPI) count(method string) {
	f.mu.Lock()
	f.calls[method]++
	f.mu.Unlock()
}

func (f *fakeAPI) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeAPI) setStatuses(s ...domain.ServerStatus) {
	f.mu.Lock()
	f.statuses = s
	f.mu.Unlock()
}

func (f *fakeAPI) setConsensus(cs domain.ConsensusState) {
	f.mu.Lock()
	f.consensus = cs
	f.mu.Unlock()
}

func (f *fakeAPI) ID() string      { return "g1" }
func (f *fakeAPI) BaseURL() string { return "ws://guardian" }

func (f *fakeAPI) Password() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.password == nil {
		return nil
	}
	pw := *f.password
	return &pw
}

func (f *fakeAPI) SetSessionPassword(pw string) {
	f.mu.Lock()
	f.password = &pw
	f.mu.Unlock()
}

func (f *fakeAPI) ClearPassword() {
	f.mu.Lock()
	f.password = nil
	f.mu.Unlock()
}

func (f *fakeAPI) TestPassword(_ context.Context, candidate string) bool {
	f.count("auth")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validPassword != "" && candidate == f.validPassword
}

func (f *fakeAPI) Status(context.Context) (domain.StatusResponse, error) {
	f.count("status")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return domain.StatusResponse{}, f.statusErr
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return domain.StatusResponse{Server: s}, nil
}

func (f *fakeAPI) SetPassword(_ context.Context, pw string) error {
	f.count("set_password")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setPasswordErr != nil {
		return f.setPasswordErr
	}
	f.password = &pw
	f.validPassword = pw
	return nil
}

func (f *fakeAPI) SetConfigGenConnections(_ context.Context, name, leader string) error {
	f.count("set_config_gen_connections")
	f.mu.Lock()
	f.connections = append(f.connections, connCall{name, leader})
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) GetDefaultConfigGenParams(context.Context) (domain.ConfigGenParams, error) {
	f.count("get_default_config_gen_params")
	return domain.ConfigGenParams{Meta: map[string]string{"federation_name": "default"}}, nil
}

func (f *fakeAPI) GetConsensusConfigGenParams(context.Context) (domain.ConsensusState, error) {
	f.count("get_consensus_config_gen_params")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consensus, nil
}

func (f *fakeAPI) SetConfigGenParams(_ context.Context, p domain.ConfigGenParams) error {
	f.count("set_config_gen_params")
	f.mu.Lock()
	f.params = append(f.params, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) GetVerifyConfigHash(context.Context) (domain.PeerHashMap, error) {
	f.count("get_verify_config_hash")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes, nil
}

func (f *fakeAPI) RunDKG(context.Context) error {
	f.count("run_dkg")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runDKGErr
}

func (f *fakeAPI) VerifiedConfigs(context.Context) error {
	f.count("verified_configs")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifiedErr
}

func (f *fakeAPI) StartConsensus(context.Context) error {
	f.count("start_consensus")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeAPI) ConfirmConsensus(context.Context) (bool, error) {
	f.count("confirm_consensus")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false, domain.ErrUnexpectedServerStatus
	}
	return true, nil
}

func (f *fakeAPI) RestartSetup(context.Context) error {
	f.count("restart_setup")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartErr
}

// roster builds a consensus state with n peers, all at status.
func roster(ourID, n int, status domain.ServerStatus) domain.ConsensusState {
	peers := make(map[int]domain.Peer, n)
	for i := 0; i < n; i++ {
		peers[i] = domain.Peer{
			Name:   []string{"alice", "bob", "carol", "dave"}[i%4],
			Cert:   "cert" + string(rune('a'+i)),
			APIURL: "ws://peer" + string(rune('0'+i)),
			Status: status,
		}
	}
	return domain.ConsensusState{
		OurCurrentID: ourID,
		Consensus: domain.ConfigGenParams{
			Meta:  map[string]string{"federation_name": "fed"},
			Peers: peers,
		},
	}
}
