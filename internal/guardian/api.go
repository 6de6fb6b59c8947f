package guardian

import (
	"context"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/rpc"
)

// Auth checks the session credential.
func (c *Client) Auth(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodAuth, nil, nil)
}

// Status returns the server lifecycle phase and, once consensus runs, peer health.
func (c *Client) Status(ctx context.Context) (domain.StatusResponse, error) {
	var status domain.StatusResponse
	err := c.Call(ctx, rpc.MethodStatus, nil, &status)
	return status, err
}

// SetPassword stores password for the session and sends it to the server.
// The credential is forgotten again if the server rejects it.
func (c *Client) SetPassword(ctx context.Context, password string) error {
	c.SetSessionPassword(password)
	if err := c.Call(ctx, rpc.MethodSetPassword, nil, nil); err != nil {
		c.ClearPassword()
		return err
	}
	return nil
}

// SetConfigGenConnections registers our name. An empty leaderURL makes this
// guardian the host; otherwise it joins the host at leaderURL.
func (c *Client) SetConfigGenConnections(ctx context.Context, ourName, leaderURL string) error {
	conns := rpc.ConfigGenConnections{OurName: ourName}
	if leaderURL != "" {
		conns.LeaderAPIURL = &leaderURL
	}
	return c.Call(ctx, rpc.MethodSetConfigGenConnections, conns, nil)
}

// GetDefaultConfigGenParams returns the server's proposed defaults.
func (c *Client) GetDefaultConfigGenParams(ctx context.Context) (domain.ConfigGenParams, error) {
	var params domain.ConfigGenParams
	err := c.Call(ctx, rpc.MethodGetDefaultConfigGenParams, nil, &params)
	return params, err
}

// GetConsensusConfigGenParams returns the agreed params and peer roster.
func (c *Client) GetConsensusConfigGenParams(ctx context.Context) (domain.ConsensusState, error) {
	var state domain.ConsensusState
	err := c.Call(ctx, rpc.MethodGetConsensusConfigGenParams, nil, &state)
	return state, err
}

// SetConfigGenParams proposes params for the federation.
func (c *Client) SetConfigGenParams(ctx context.Context, params domain.ConfigGenParams) error {
	return c.Call(ctx, rpc.MethodSetConfigGenParams, params, nil)
}

// GetVerifyConfigHash returns this guardian's config hash for every peer index.
func (c *Client) GetVerifyConfigHash(ctx context.Context) (domain.PeerHashMap, error) {
	var hashes domain.PeerHashMap
	err := c.Call(ctx, rpc.MethodGetVerifyConfigHash, nil, &hashes)
	return hashes, err
}

// RunDKG starts distributed key generation. The call blocks server side.
func (c *Client) RunDKG(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodRunDKG, nil, nil)
}

// VerifiedConfigs tells the server the operator verified every peer hash.
func (c *Client) VerifiedConfigs(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodVerifiedConfigs, nil, nil)
}

// RestartSetup resets the server back to its initial setup phase.
func (c *Client) RestartSetup(ctx context.Context) error {
	return c.Call(ctx, rpc.MethodRestartSetup, nil, nil)
}
