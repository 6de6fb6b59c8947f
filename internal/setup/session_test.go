package setup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/rpc"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.DKGInterval = 2 * time.Millisecond
	opts.Names = func() string { return "SwiftOtter0001" }
	return opts
}

func openSession(t *testing.T, api *fakeAPI, store Store) *Session {
	t.Helper()
	s, err := Open(context.Background(), api, store, testOptions())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// sessionAt opens a session whose persisted state is already at progress.
func sessionAt(t *testing.T, api *fakeAPI, role domain.GuardianRole, progress domain.SetupProgress, numPeers int) (*Session, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.SaveSetupState(context.Background(), "g1", domain.PersistedSetup{
		Role:     role,
		Progress: progress,
		MyName:   "alice",
		NumPeers: numPeers,
	}))
	return openSession(t, api, store), store
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ─── Load / status mapping ──────────────────────────────────────────────────

func TestOpen_RestoresPersistedState(t *testing.T) {
	api := newFakeAPI()
	api.SetSessionPassword("pw")
	s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressRunDKG, 3)

	state := s.State()
	assert.Equal(t, domain.ProgressRunDKG, state.Progress)
	assert.Equal(t, "alice", state.MyName)
	assert.Equal(t, "pw", state.Password)
}

func TestOpen_FreshSessionShowsTos(t *testing.T) {
	opts := testOptions()
	opts.Tos = "terms"
	s, err := Open(context.Background(), newFakeAPI(), nil, opts)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "SwiftOtter0001", s.State().MyName)
	assert.ErrorIs(t, s.ChooseRole(context.Background(), domain.RoleHost), domain.ErrTosNotAccepted)
	require.NoError(t, s.AcceptTos(context.Background()))
	require.NoError(t, s.ChooseRole(context.Background(), domain.RoleHost))
	assert.Equal(t, domain.ProgressSetConfiguration, s.State().Progress)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.ServerStatus
		password  string
		valid     string
		wantAuth  bool
		wantAdmin bool
	}{
		{"awaiting password", domain.StatusAwaitingPassword, "", "", false, false},
		{"no password held", domain.StatusSharingConfigGenParams, "", "pw", true, false},
		{"stale password", domain.StatusReadyForConfigGen, "old", "pw", true, false},
		{"valid password", domain.StatusReadyForConfigGen, "pw", "pw", false, false},
		{"running", domain.StatusConsensusRunning, "pw", "pw", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.setStatuses(tt.status)
			api.validPassword = tt.valid
			if tt.password != "" {
				api.SetSessionPassword(tt.password)
			}
			s := openSession(t, api, nil)

			res, err := s.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.wantAuth, res.NeedsAuth)
			assert.Equal(t, tt.wantAdmin, res.Admin)
			last, ok := s.LastStatus()
			require.True(t, ok)
			assert.Equal(t, tt.status, last.Server)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	api := newFakeAPI()
	api.validPassword = "pw"
	s := openSession(t, api, nil)

	assert.ErrorIs(t, s.Authenticate(context.Background(), "nope"), domain.ErrUnauthorized)
	assert.Nil(t, api.Password())
	require.NoError(t, s.Authenticate(context.Background(), "pw"))
	assert.Equal(t, "pw", *api.Password())
	assert.Equal(t, "pw", s.State().Password)
}

func TestApplyServerStatus(t *testing.T) {
	tests := []struct {
		name   string
		from   domain.SetupProgress
		status domain.ServerStatus
		want   domain.SetupProgress
	}{
		{"ready jumps to connect", domain.ProgressSetConfiguration, domain.StatusReadyForConfigGen, domain.ProgressConnectGuardians},
		{"ready does not pull dkg back", domain.ProgressRunDKG, domain.StatusReadyForConfigGen, domain.ProgressRunDKG},
		{"verifying", domain.ProgressRunDKG, domain.StatusVerifyingConfigs, domain.ProgressVerifyGuardians},
		{"verified", domain.ProgressConnectGuardians, domain.StatusVerifiedConfigs, domain.ProgressVerifyGuardians},
		{"running completes", domain.ProgressVerifyGuardians, domain.StatusConsensusRunning, domain.ProgressSetupComplete},
		{"sharing leaves progress", domain.ProgressSetConfiguration, domain.StatusSharingConfigGenParams, domain.ProgressSetConfiguration},
		{"awaiting password resets", domain.ProgressRunDKG, domain.StatusAwaitingPassword, domain.ProgressStart},
		{"awaiting password keeps role choice", domain.ProgressSetConfiguration, domain.StatusAwaitingPassword, domain.ProgressSetConfiguration},
		{"awaiting password before role choice", domain.ProgressStart, domain.StatusAwaitingPassword, domain.ProgressStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.SetSessionPassword("pw")
			s, _ := sessionAt(t, api, domain.RoleHost, tt.from, 2)

			require.NoError(t, s.ApplyServerStatus(context.Background(), tt.status))
			assert.Equal(t, tt.want, s.State().Progress)
			if tt.want == domain.ProgressStart {
				assert.Nil(t, api.Password())
				assert.Empty(t, s.State().Role)
			}
		})
	}
}

func TestStatusPolling_FeedsStateMachine(t *testing.T) {
	api := newFakeAPI()
	api.setStatuses(domain.StatusSharingConfigGenParams)
	s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressSetConfiguration, 2)

	s.ToggleStatusPolling(true)
	api.setStatuses(domain.StatusReadyForConfigGen)
	_, err := s.Machine().WaitFor(waitCtx(t), func(st domain.SetupState) bool {
		return st.Progress == domain.ProgressConnectGuardians
	})
	require.NoError(t, err)
	s.ToggleStatusPolling(false)
}

// ─── Configuration ──────────────────────────────────────────────────────────

func TestSubmitConfiguration_Host(t *testing.T) {
	api := newFakeAPI()
	store := NewMemoryStore()
	s := openSession(t, api, store)
	ctx := context.Background()
	require.NoError(t, s.ChooseRole(ctx, domain.RoleHost))

	params := domain.ConfigGenParams{Meta: map[string]string{"federation_name": "fed"}}
	require.NoError(t, s.SubmitConfiguration(ctx, Config{Password: "pw", MyName: "alice", NumPeers: 3, Params: params}))

	state := s.State()
	assert.Equal(t, domain.ProgressConnectGuardians, state.Progress)
	assert.Equal(t, 3, state.NumPeers)
	assert.Equal(t, "pw", state.Password)
	assert.Equal(t, &params, state.ConfigGenParams)
	assert.Equal(t, 1, api.Calls("set_password"))
	assert.Equal(t, []connCall{{name: "alice"}}, api.connections)

	saved, ok, _ := store.LoadSetupState(ctx, "g1")
	require.True(t, ok)
	assert.Equal(t, "alice", saved.MyName)
	assert.Equal(t, 3, saved.NumPeers)
}

func TestSubmitConfiguration_FollowerFetchesHostView(t *testing.T) {
	api := newFakeAPI()
	api.setConsensus(roster(1, 2, domain.StatusSharingConfigGenParams))
	api.SetSessionPassword("already")
	s := openSession(t, api, nil)
	ctx := context.Background()
	require.NoError(t, s.ChooseRole(ctx, domain.RoleFollower))

	err := s.SubmitConfiguration(ctx, Config{MyName: "bob"})
	assert.ErrorIs(t, err, domain.ErrMissingHostURL)

	require.NoError(t, s.SubmitConfiguration(ctx, Config{MyName: "bob", HostURL: "ws://host"}))
	assert.Zero(t, api.Calls("set_password"), "password already held")
	assert.Equal(t, []connCall{{name: "bob", leader: "ws://host"}}, api.connections)

	state := s.State()
	assert.Equal(t, domain.ProgressConnectGuardians, state.Progress)
	assert.Len(t, state.Peers, 2)
	require.NotNil(t, state.OurCurrentID)
	assert.Equal(t, 1, *state.OurCurrentID)
}

func TestSubmitConfiguration_SoloUsesOnePeer(t *testing.T) {
	api := newFakeAPI()
	s := openSession(t, api, nil)
	ctx := context.Background()
	require.NoError(t, s.ChooseRole(ctx, domain.RoleSolo))
	require.NoError(t, s.SubmitConfiguration(ctx, Config{Password: "pw", MyName: "solo", NumPeers: 7}))
	assert.Equal(t, 1, s.State().NumPeers)

	state, err := s.WaitForConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ProgressRunDKG, state.Progress)
}

func TestSubmitConfiguration_ErrorKeepsProgress(t *testing.T) {
	api := newFakeAPI()
	api.setPasswordErr = &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "bad password"}
	s := openSession(t, api, nil)
	ctx := context.Background()
	require.NoError(t, s.ChooseRole(ctx, domain.RoleHost))

	err := s.SubmitConfiguration(ctx, Config{Password: "pw", MyName: "alice", NumPeers: 2})
	require.Error(t, err)
	assert.Equal(t, "bad password", rpc.FormatError(err))
	assert.Equal(t, domain.ProgressSetConfiguration, s.State().Progress)
	assert.Zero(t, api.Calls("set_config_gen_connections"))

	assert.ErrorIs(t, s.SubmitConfiguration(ctx, Config{MyName: "alice", NumPeers: 0}), domain.ErrInvalidNumPeers)
	assert.ErrorIs(t, s.SubmitConfiguration(ctx, Config{NumPeers: 2}), domain.ErrMissingName)
}

// ─── Connecting guardians ───────────────────────────────────────────────────

// A host of three sees its roster fill up through polling alone and moves to
// DKG once both other guardians are ready.
func TestHostOfThree_AutoAdvancesViaPolling(t *testing.T) {
	api := newFakeAPI()
	api.setConsensus(roster(0, 1, domain.StatusSharingConfigGenParams))
	s := openSession(t, api, nil)
	ctx := waitCtx(t)
	require.NoError(t, s.ChooseRole(ctx, domain.RoleHost))
	require.NoError(t, s.SubmitConfiguration(ctx, Config{Password: "pw", MyName: "alice", NumPeers: 3}))

	type result struct {
		state domain.SetupState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.WaitForConnections(ctx)
		done <- result{st, err}
	}()

	waitPeers := func(n int) {
		_, err := s.Machine().WaitFor(ctx, func(st domain.SetupState) bool { return len(st.Peers) == n })
		require.NoError(t, err)
	}
	waitPeers(1)
	api.setConsensus(roster(0, 2, domain.StatusReadyForConfigGen))
	waitPeers(2)
	api.setConsensus(roster(0, 3, domain.StatusSharingConfigGenParams))
	waitPeers(3)
	assert.Equal(t, domain.ProgressConnectGuardians, s.State().Progress, "peers not ready yet")

	api.setConsensus(roster(0, 3, domain.StatusReadyForConfigGen))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.ProgressRunDKG, res.state.Progress)
	assert.Equal(t, 1, api.Calls("set_config_gen_params"), "no extra actions")
}

func TestFollower_ApproveAfterAllConnected(t *testing.T) {
	api := newFakeAPI()
	api.setConsensus(roster(1, 2, domain.StatusSharingConfigGenParams))
	s, _ := sessionAt(t, api, domain.RoleFollower, domain.ProgressConnectGuardians, 3)
	ctx := waitCtx(t)

	assert.ErrorIs(t, s.Approve(ctx), domain.ErrPeersNotConnected)

	go func() {
		time.Sleep(20 * time.Millisecond)
		api.setConsensus(roster(1, 3, domain.StatusSharingConfigGenParams))
	}()
	state, err := s.WaitForConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Peers, 3)
	assert.Equal(t, domain.ProgressConnectGuardians, state.Progress, "follower waits for approval")

	require.NoError(t, s.Approve(ctx))
	assert.Equal(t, domain.ProgressRunDKG, s.State().Progress)
}

func TestConnectToHost(t *testing.T) {
	api := newFakeAPI()
	api.setConsensus(roster(1, 2, domain.StatusSharingConfigGenParams))
	s, _ := sessionAt(t, api, domain.RoleFollower, domain.ProgressConnectGuardians, 2)

	require.NoError(t, s.ConnectToHost(context.Background(), "ws://other-host"))
	assert.Equal(t, []connCall{{name: "alice", leader: "ws://other-host"}}, api.connections)
	assert.Len(t, s.State().Peers, 2)
}

// ─── DKG ────────────────────────────────────────────────────────────────────

func TestRunDKG_DrivesServerToVerification(t *testing.T) {
	api := newFakeAPI()
	api.runDKGErr = &rpc.Error{Code: rpc.CodeTimeout, Message: "timed out"}
	api.setConsensus(roster(0, 2, domain.StatusReadyForConfigGen))
	api.setStatuses(
		domain.StatusSharingConfigGenParams,
		domain.StatusSharingConfigGenParams,
		domain.StatusReadyForConfigGen,
		domain.StatusReadyForConfigGen,
		domain.StatusVerifyingConfigs,
	)
	s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressRunDKG, 2)

	require.NoError(t, s.RunDKG(waitCtx(t)))
	assert.Equal(t, domain.ProgressVerifyGuardians, s.State().Progress)
	assert.Equal(t, 2, api.Calls("run_dkg"), "timeouts are retried")

	waiting, _ := s.DKGProgress()
	assert.False(t, waiting)
}

func TestRunDKG_Failures(t *testing.T) {
	rejected := &rpc.Error{Code: rpc.CodeInternalError, Message: "boom"}
	tests := []struct {
		name   string
		status domain.ServerStatus
		dkgErr error
		want   error
	}{
		{"config gen failed", domain.StatusConfigGenFailed, nil, domain.ErrConfigGenFailed},
		{"unexpected status", domain.StatusUpgrading, nil, domain.ErrUnexpectedServerStatus},
		{"run_dkg rejected", domain.StatusSharingConfigGenParams, rejected, rejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.setStatuses(tt.status)
			api.runDKGErr = tt.dkgErr
			s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressRunDKG, 2)

			err := s.RunDKG(waitCtx(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.ProgressRunDKG, s.State().Progress)
		})
	}
}

func TestRunDKG_RetriesTransportErrors(t *testing.T) {
	api := newFakeAPI()
	api.statusErr = domain.ErrConnectionFailed
	s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressRunDKG, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.RunDKG(ctx), context.DeadlineExceeded)
	assert.Greater(t, api.Calls("status"), 1)
}

func TestDKGProgress(t *testing.T) {
	api := newFakeAPI()
	s, _ := sessionAt(t, api, domain.RoleHost, domain.ProgressRunDKG, 4)
	cs := roster(0, 4, domain.StatusSharingConfigGenParams)
	p := cs.Consensus.Peers[1]
	p.Status = domain.StatusReadyForConfigGen
	cs.Consensus.Peers[1] = p
	require.NoError(t, s.applyConsensus(context.Background(), cs))

	_, pct := s.DKGProgress()
	assert.Equal(t, 25, pct)
}

func TestLoad_ReportsStatusToHook(t *testing.T) {
	api := newFakeAPI()
	api.setStatuses(domain.StatusSharingConfigGenParams)

	var seen []domain.ServerStatus
	opts := testOptions()
	opts.OnStatus = func(_ context.Context, id string, status domain.ServerStatus) {
		assert.Equal(t, "g1", id)
		seen = append(seen, status)
	}
	s, err := Open(context.Background(), api, nil, opts)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.ServerStatus{domain.StatusSharingConfigGenParams}, seen)
}
