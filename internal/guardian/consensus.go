package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/rpc"
)

// StartConsensus asks the guardian to start consensus and confirms it did.
//
// start_consensus restarts the server process, so the reply often never
// arrives. The call is raced against StartConsensusTimeout, then the status is
// probed on a fresh connection up to ConfirmAttempts times. Exhausting the
// probes returns domain.ErrConsensusUnconfirmed even though the federation may
// be running; ConfirmConsensus can be used to check again later.
func (c *Client) StartConsensus(ctx context.Context) error {
	callErr, err := raceTimer(ctx, c.opts.StartConsensusTimeout, func(ctx context.Context) error {
		return c.Call(ctx, rpc.MethodStartConsensus, nil, nil)
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		c.log.Warn().Err(callErr).Msg("start_consensus did not answer cleanly, checking status")
	}

	for attempt := 1; attempt <= c.opts.ConfirmAttempts; attempt++ {
		running, err := c.ConfirmConsensus(ctx)
		if err == nil && running {
			c.log.Info().Int("attempt", attempt).Msg("consensus running")
			return nil
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("failed to confirm consensus running")

		if attempt == c.opts.ConfirmAttempts {
			break
		}
		if err := sleep(ctx, c.opts.ConfirmInterval); err != nil {
			return err
		}
	}
	return domain.ErrConsensusUnconfirmed
}

// ConfirmConsensus drops the current connection, reconnects, and reports
// whether the server reads ConsensusRunning.
func (c *Client) ConfirmConsensus(ctx context.Context) (bool, error) {
	c.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmProbeTimeout)
	defer cancel()
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	if status.Server != domain.StatusConsensusRunning {
		return false, fmt.Errorf("%w: expected %s, got %s",
			domain.ErrUnexpectedServerStatus, domain.StatusConsensusRunning, status.Server)
	}
	return true, nil
}

// raceTimer runs fn and returns once it succeeds or d elapses, whichever is
// first. A failed fn does not end the race early; its error is handed back
// once the timer fires. err is only set when ctx ends.
func raceTimer(ctx context.Context, d time.Duration, fn func(context.Context) error) (fnErr, err error) {
	result := make(chan error, 1)
	go func() { result <- fn(ctx) }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case e := <-result:
			if e == nil {
				return nil, nil
			}
			fnErr = e
			result = nil
		case <-timer.C:
			return fnErr, nil
		case <-ctx.Done():
			return fnErr, ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
