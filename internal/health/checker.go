// Package health runs periodic checks of the local store and every managed
// guardian, with a recovery hook per check.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
// RecoverFn receives the error CheckFn returned.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context, cause error) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is a store that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Guardian is a guardian connection that can be probed and reset.
type Guardian interface {
	ID() string
	Status(ctx context.Context) (domain.StatusResponse, error)
	Shutdown() bool
}

// checkTimeout bounds one guardian probe.
const checkTimeout = 10 * time.Second

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      zerolog.Logger
}

// NewChecker creates a checker for the store and each guardian.
func NewChecker(store Pinger, storeDir string, guardians []Guardian, interval time.Duration, log zerolog.Logger) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Checker{
		interval: interval,
		log:      log.With().Str("component", "health").Logger(),
		checks: []Check{
			{
				Name:    "store",
				CheckFn: store.Ping,
			},
			{
				Name: "store_dir",
				CheckFn: func(ctx context.Context) error {
					return checkStoreDir(storeDir)
				},
			},
		},
	}
	for _, g := range guardians {
		c.checks = append(c.checks, guardianCheck(g))
	}
	return c
}

// guardianCheck reads the guardian's status. A probe that failed on the
// transport drops the connection so the next call dials afresh. A slow or
// rejected probe leaves it alone, since other calls may be in flight on it.
func guardianCheck(g Guardian) Check {
	return Check{
		Name: "guardian:" + g.ID(),
		CheckFn: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			_, err := g.Status(ctx)
			return err
		},
		RecoverFn: func(_ context.Context, cause error) error {
			if errors.Is(cause, domain.ErrConnectionLost) || errors.Is(cause, domain.ErrConnectionFailed) {
				g.Shutdown()
			}
			return nil
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	var g errgroup.Group
	for i, check := range c.checks {
		g.Go(func() error {
			s := Status{
				Name:      check.Name,
				CheckedAt: time.Now(),
				Healthy:   true,
			}
			if err := check.CheckFn(ctx); err != nil {
				s.Healthy = false
				s.Error = err.Error()
				c.log.Warn().Err(err).Str("check", check.Name).Msg("health check failed")
				if check.RecoverFn != nil {
					if rerr := check.RecoverFn(ctx, err); rerr != nil {
						c.log.Error().Err(rerr).Str("check", check.Name).Msg("health recovery failed")
					}
				}
			}
			gauge := 0.0
			if s.Healthy {
				gauge = 1
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge)
			statuses[i] = s
			if !s.Healthy {
				return fmt.Errorf("%s: %s", s.Name, s.Error)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Debug().Err(err).Msg("health degraded")
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkStoreDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
