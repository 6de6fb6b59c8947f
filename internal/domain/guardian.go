// Package domain holds the pure types shared by the guardian client, the setup
// coordinator and the outer surfaces. Wire field names follow the guardian API.
package domain

import (
	"encoding/json"
	"sort"
)

// ServerStatus is the coarse lifecycle phase reported by a guardian server.
type ServerStatus string

const (
	StatusAwaitingPassword       ServerStatus = "AwaitingPassword"
	StatusSharingConfigGenParams ServerStatus = "SharingConfigGenParams"
	StatusReadyForConfigGen      ServerStatus = "ReadyForConfigGen"
	StatusConfigGenFailed        ServerStatus = "ConfigGenFailed"
	StatusVerifyingConfigs       ServerStatus = "VerifyingConfigs"
	StatusVerifiedConfigs        ServerStatus = "VerifiedConfigs"
	StatusUpgrading              ServerStatus = "Upgrading"
	StatusConsensusRunning       ServerStatus = "ConsensusRunning"
)

// PeerConnectionStatus is the connectivity of one peer once consensus exists.
type PeerConnectionStatus string

const (
	PeerConnected    PeerConnectionStatus = "Connected"
	PeerDisconnected PeerConnectionStatus = "Disconnected"
)

// PeerStatus is one row of the federation health table.
type PeerStatus struct {
	LastContribution uint64               `json:"last_contribution"`
	ConnectionStatus PeerConnectionStatus `json:"connection_status"`
	Flagged          bool                 `json:"flagged"`
}

// FederationStatus is only present once consensus is running.
type FederationStatus struct {
	SessionCount uint64                `json:"session_count"`
	PeersOnline  int                   `json:"peers_online"`
	PeersOffline int                   `json:"peers_offline"`
	PeersFlagged int                   `json:"peers_flagged"`
	StatusByPeer map[string]PeerStatus `json:"status_by_peer"`
}

// StatusResponse is the result of the status RPC.
type StatusResponse struct {
	Server     ServerStatus      `json:"server"`
	Federation *FederationStatus `json:"federation,omitempty"`
}

// Peer is a guardian as listed in the consensus roster.
type Peer struct {
	Name   string       `json:"name"`
	Cert   string       `json:"cert"`
	APIURL string       `json:"api_url"`
	P2PURL string       `json:"p2p_url"`
	Status ServerStatus `json:"status"`
}

// ConfigGenParams are the federation-wide parameters proposed before DKG.
// Module params are kept opaque: the coordinator only moves them around.
type ConfigGenParams struct {
	Meta    map[string]string       `json:"meta"`
	Modules map[int]json.RawMessage `json:"modules"`
	Peers   map[int]Peer            `json:"peers,omitempty"`
}

// IsConsensusParams reports whether the params carry a peer roster.
func (p *ConfigGenParams) IsConsensusParams() bool {
	return p != nil && len(p.Peers) > 0
}

// OrderedPeers returns the roster sorted by peer index.
func (p *ConfigGenParams) OrderedPeers() []Peer {
	if p == nil {
		return nil
	}
	ids := make([]int, 0, len(p.Peers))
	for id := range p.Peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	peers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, p.Peers[id])
	}
	return peers
}

// ConsensusState is the result of get_consensus_config_gen_params.
type ConsensusState struct {
	Consensus    ConfigGenParams `json:"consensus"`
	OurCurrentID int             `json:"our_current_id"`
}

// PeerHashMap maps peer index to that peer's config verification hash.
type PeerHashMap map[int]string
