package domain

// GuardianRole is the onboarding role chosen once at the start of setup.
type GuardianRole string

const (
	RoleHost     GuardianRole = "Host"
	RoleFollower GuardianRole = "Follower"
	RoleSolo     GuardianRole = "Solo"
)

// Valid reports whether r is one of the known roles.
func (r GuardianRole) Valid() bool {
	switch r {
	case RoleHost, RoleFollower, RoleSolo:
		return true
	}
	return false
}

// SetupProgress is the local onboarding phase. Phases are ordered.
type SetupProgress string

const (
	ProgressStart            SetupProgress = "Start"
	ProgressSetConfiguration SetupProgress = "SetConfiguration"
	ProgressConnectGuardians SetupProgress = "ConnectGuardians"
	ProgressRunDKG           SetupProgress = "RunDKG"
	ProgressVerifyGuardians  SetupProgress = "VerifyGuardians"
	ProgressSetupComplete    SetupProgress = "SetupComplete"
)

// ProgressOrder lists every phase in the order setup walks through them.
var ProgressOrder = []SetupProgress{
	ProgressStart,
	ProgressSetConfiguration,
	ProgressConnectGuardians,
	ProgressRunDKG,
	ProgressVerifyGuardians,
	ProgressSetupComplete,
}

// Index returns the position of p in ProgressOrder, or -1 if unknown.
func (p SetupProgress) Index() int {
	for i, q := range ProgressOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. The terminal phase returns itself.
func (p SetupProgress) Next() SetupProgress {
	i := p.Index()
	if i < 0 || i == len(ProgressOrder)-1 {
		return p
	}
	return ProgressOrder[i+1]
}

// TosConfig gates the Start phase behind a terms-of-service screen.
type TosConfig struct {
	ShowTos bool   `json:"show_tos"`
	Tos     string `json:"tos,omitempty"`
}

// SetupState is the client-side view of one guardian's onboarding.
type SetupState struct {
	Role            GuardianRole     `json:"role,omitempty"`
	Progress        SetupProgress    `json:"progress"`
	MyName          string           `json:"my_name"`
	Password        string           `json:"-"`
	NumPeers        int              `json:"num_peers"`
	Peers           []Peer           `json:"peers"`
	ConfigGenParams *ConfigGenParams `json:"config_gen_params,omitempty"`
	OurCurrentID    *int             `json:"our_current_id,omitempty"`
	TosConfig       TosConfig        `json:"tos_config"`
}

// PersistedSetup is the subset of SetupState written to durable storage.
type PersistedSetup struct {
	Role            GuardianRole     `json:"role,omitempty"`
	Progress        SetupProgress    `json:"progress"`
	MyName          string           `json:"myName"`
	NumPeers        int              `json:"numPeers"`
	ConfigGenParams *ConfigGenParams `json:"configGenParams,omitempty"`
	OurCurrentID    *int             `json:"ourCurrentId,omitempty"`
}

// Persisted extracts the durable subset of s.
func (s SetupState) Persisted() PersistedSetup {
	return PersistedSetup{
		Role:            s.Role,
		Progress:        s.Progress,
		MyName:          s.MyName,
		NumPeers:        s.NumPeers,
		ConfigGenParams: s.ConfigGenParams,
		OurCurrentID:    s.OurCurrentID,
	}
}

// HasOurID reports whether this guardian's peer index is known.
func (s SetupState) HasOurID() bool {
	return s.OurCurrentID != nil
}

// OurPeer returns this guardian's own roster entry, if known.
func (s SetupState) OurPeer() (Peer, bool) {
	if s.OurCurrentID == nil {
		return Peer{}, false
	}
	id := *s.OurCurrentID
	if id < 0 || id >= len(s.Peers) {
		return Peer{}, false
	}
	return s.Peers[id], true
}
