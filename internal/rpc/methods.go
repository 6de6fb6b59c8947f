package rpc

// Method is a guardian RPC method name.
type Method string

// Shared methods, available in every server phase.
const (
	MethodAuth                = Method("auth")
	MethodStatus              = Method("status")
	MethodGetVerifyConfigHash = Method("get_verify_config_hash")
)

// Setup methods, only served before consensus starts.
const (
	MethodSetPassword                 = Method("set_password")
	MethodSetConfigGenConnections     = Method("set_config_gen_connections")
	MethodGetDefaultConfigGenParams   = Method("get_default_config_gen_params")
	MethodGetConsensusConfigGenParams = Method("get_consensus_config_gen_params")
	MethodSetConfigGenParams          = Method("set_config_gen_params")
	MethodRunDKG                      = Method("run_dkg")
	MethodVerifiedConfigs             = Method("verified_configs")
	MethodStartConsensus              = Method("start_consensus")
	MethodRestartSetup                = Method("restart_setup")
)

// ConfigGenConnections is the payload of set_config_gen_connections.
// A nil LeaderAPIURL registers the caller as the host.
type ConfigGenConnections struct {
	OurName      string  `json:"our_name"`
	LeaderAPIURL *string `json:"leader_api_url,omitempty"`
}
