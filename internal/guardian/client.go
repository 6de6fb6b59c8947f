// Package guardian is the transport client for one guardian server: a single
// authenticated websocket JSON-RPC channel with Fibonacci reconnect backoff.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/infra/metrics"
	"github.com/fedimint/guardianctl/internal/rpc"
)

// Options tunes a Client. Zero fields fall back to DefaultOptions.
type Options struct {
	// RequestTimeout bounds a single call. DKG calls can run for a long time.
	RequestTimeout time.Duration
	// MaxConnectAttempts caps dial attempts per Connect.
	MaxConnectAttempts int
	// BackoffUnit scales the Fibonacci wait between dial attempts.
	BackoffUnit time.Duration

	// StartConsensusTimeout is how long to wait on start_consensus before
	// moving on to status confirmation.
	StartConsensusTimeout time.Duration
	// ConfirmAttempts and ConfirmInterval drive the post-start status probes.
	ConfirmAttempts int
	ConfirmInterval time.Duration
	// ConfirmProbeTimeout bounds one reconnect-and-status probe.
	ConfirmProbeTimeout time.Duration

	Dial   DialFunc
	Logger zerolog.Logger
}

// DefaultOptions returns production transport defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:        5 * time.Hour,
		MaxConnectAttempts:    10,
		BackoffUnit:           time.Second,
		StartConsensusTimeout: 5 * time.Second,
		ConfirmAttempts:       10,
		ConfirmInterval:       time.Second,
		ConfirmProbeTimeout:   5 * time.Second,
		Dial:                  DialWebsocket,
		Logger:                zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.MaxConnectAttempts <= 0 {
		o.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = d.BackoffUnit
	}
	if o.StartConsensusTimeout <= 0 {
		o.StartConsensusTimeout = d.StartConsensusTimeout
	}
	if o.ConfirmAttempts <= 0 {
		o.ConfirmAttempts = d.ConfirmAttempts
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = d.ConfirmInterval
	}
	if o.ConfirmProbeTimeout <= 0 {
		o.ConfirmProbeTimeout = d.ConfirmProbeTimeout
	}
	if o.Dial == nil {
		o.Dial = d.Dial
	}
	return o
}

// Client owns the one logical connection to a guardian. Safe for concurrent use.
type Client struct {
	id      string
	baseURL string
	opts    Options
	log     zerolog.Logger

	mu            sync.Mutex
	conn          Conn
	password      *string
	attemptCtx    context.Context
	cancelAttempt context.CancelFunc
	attemptKey    string
	attemptGen    uint64

	connects singleflight.Group
}

// NewClient creates a client for the guardian id reachable at baseURL.
// No connection is opened until the first call.
func NewClient(id, baseURL string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		id:      id,
		baseURL: baseURL,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "guardian").Str("guardian", id).Logger(),
	}
}

// ID returns the guardian instance id.
func (c *Client) ID() string { return c.id }

// BaseURL returns the guardian API address.
func (c *Client) BaseURL() string { return c.baseURL }

// ─── Connection ─────────────────────────────────────────────────────────────

// Connect returns the open connection, joins an attempt already in flight,
// or starts a new one. Concurrent callers share one attempt and its result.
func (c *Client) Connect(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.baseURL == "" {
		c.mu.Unlock()
		return nil, domain.ErrNoBaseURL
	}
	if c.attemptCtx == nil {
		c.attemptGen++
		c.attemptKey = strconv.FormatUint(c.attemptGen, 10)
		c.attemptCtx, c.cancelAttempt = context.WithCancel(context.Background())
	}
	attemptCtx := c.attemptCtx
	ch := c.connects.DoChan(c.attemptKey, func() (any, error) {
		return c.dialWithBackoff(attemptCtx)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dialWithBackoff(attemptCtx context.Context) (Conn, error) {
	var (
		attempt int
		lastErr error
		conn    Conn
	)
	backoff := fibonacciBackoff(c.opts.MaxConnectAttempts, c.opts.BackoffUnit)
	err := retry.Do(attemptCtx, backoff, func(ctx context.Context) error {
		attempt++
		metrics.ConnectAttempts.WithLabelValues(c.id).Inc()

		dialed, err := c.opts.Dial(ctx, c.baseURL)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt).
				Dur("next_wait", BackoffDelay(attempt+1, c.opts.BackoffUnit)).
				Msg("failed to open guardian connection")
			return retry.RetryableError(err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if attemptCtx.Err() != nil {
			dialed.Close()
			return domain.ErrClientShutdown
		}
		c.conn = dialed
		c.clearAttemptLocked(attemptCtx)
		conn = dialed
		return nil
	})
	if err != nil {
		cancelled := attemptCtx.Err() != nil || errors.Is(err, domain.ErrClientShutdown)
		c.mu.Lock()
		c.clearAttemptLocked(attemptCtx)
		c.mu.Unlock()

		if cancelled {
			return nil, domain.ErrClientShutdown
		}
		metrics.ConnectFailures.WithLabelValues(c.id).Inc()
		c.log.Error().Err(lastErr).Int("attempts", attempt).Msg("giving up on guardian connection")
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionFailed, lastErr)
	}

	c.log.Debug().Int("attempts", attempt).Msg("guardian connection open")
	go c.watch(conn)
	return conn, nil
}

// clearAttemptLocked forgets the pending attempt if it is still the current one.
func (c *Client) clearAttemptLocked(attemptCtx context.Context) {
	if c.attemptCtx == attemptCtx {
		c.dropAttemptLocked()
	}
}

// dropAttemptLocked cancels the current attempt and releases its key, so the
// next Connect starts fresh instead of joining a cancelled attempt.
func (c *Client) dropAttemptLocked() {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	c.connects.Forget(c.attemptKey)
	c.attemptCtx = nil
	c.cancelAttempt = nil
}

// watch drops a dead connection so the next call reconnects.
func (c *Client) watch(conn Conn) {
	<-conn.Done()
	c.mu.Lock()
	dropped := c.conn == conn
	if dropped {
		c.conn = nil
	}
	c.mu.Unlock()
	if dropped {
		c.log.Warn().Msg("guardian connection dropped")
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Shutdown closes the connection and cancels any pending attempt.
// It reports whether the close was clean; with nothing open it returns true.
func (c *Client) Shutdown() bool {
	c.mu.Lock()
	if c.attemptCtx != nil {
		c.dropAttemptLocked()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return true
	}
	clean := conn.Close()
	c.log.Debug().Bool("clean", clean).Msg("guardian connection closed")
	return clean
}

// ─── Credentials ────────────────────────────────────────────────────────────

// Password returns the session credential, or nil if none is held.
func (c *Client) Password() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.password == nil {
		return nil
	}
	pw := *c.password
	return &pw
}

// SetSessionPassword stores the credential sent with every call.
func (c *Client) SetSessionPassword(password string) {
	c.mu.Lock()
	c.password = &password
	c.mu.Unlock()
}

// ClearPassword forgets the session credential.
func (c *Client) ClearPassword() {
	c.mu.Lock()
	c.password = nil
	c.mu.Unlock()
}

// TestPassword checks candidate with a lightweight authenticated call. The
// stored credential is untouched and any failure counts as invalid.
func (c *Client) TestPassword(ctx context.Context, candidate string) bool {
	if err := c.call(ctx, rpc.MethodAuth, &candidate, nil, nil); err != nil {
		c.log.Debug().Err(err).Msg("password rejected")
		return false
	}
	return true
}

// ─── Calls ──────────────────────────────────────────────────────────────────

// Call invokes method with the session credential and decodes into result.
// A remote error comes back as a wrapped *rpc.Error.
func (c *Client) Call(ctx context.Context, method rpc.Method, params, result any) error {
	return c.call(ctx, method, c.Password(), params, result)
}

func (c *Client) call(ctx context.Context, method rpc.Method, auth *string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	conn, err := c.Connect(ctx)
	if err != nil {
		metrics.RPCCalls.WithLabelValues(string(method), "transport_error").Inc()
		return fmt.Errorf("call %s: %w", method, err)
	}

	req, err := rpc.NewRequest(uuid.NewString(), method, auth, params)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	resp, err := conn.Call(ctx, req)
	metrics.RPCLatency.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCCalls.WithLabelValues(string(method), "transport_error").Inc()
		c.log.Error().Err(err).Str("method", string(method)).Msg("error calling guardian rpc")
		return fmt.Errorf("call %s: %w", method, err)
	}
	if err := resp.Decode(result); err != nil {
		metrics.RPCCalls.WithLabelValues(string(method), "rpc_error").Inc()
		c.log.Error().Err(err).Str("method", string(method)).Msg("error calling guardian rpc")
		return fmt.Errorf("call %s: %w", method, err)
	}
	metrics.RPCCalls.WithLabelValues(string(method), "ok").Inc()
	return nil
}
