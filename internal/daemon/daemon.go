package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fedimint/guardianctl/internal/api"
	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/guardian"
	"github.com/fedimint/guardianctl/internal/health"
	"github.com/fedimint/guardianctl/internal/infra/sqlite"
	"github.com/fedimint/guardianctl/internal/setup"
)

// Daemon is the guardianctl runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Log       zerolog.Logger
	DB        *sqlite.DB
	Guardians *guardian.Registry
	Sessions  []*setup.Session
	Health    *health.Checker
	Server    *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon from the on-disk configuration.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewLogger builds the root logger: console output unless JSON is set.
func NewLogger(cfg LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// TransportOptions maps the transport and consensus sections onto client
// options.
func (c Config) TransportOptions(log zerolog.Logger) guardian.Options {
	opts := guardian.DefaultOptions()
	opts.RequestTimeout = c.Transport.RequestTimeout.Duration
	opts.MaxConnectAttempts = c.Transport.MaxConnectAttempts
	opts.BackoffUnit = c.Transport.BackoffUnit.Duration
	opts.StartConsensusTimeout = c.Consensus.StartTimeout.Duration
	opts.ConfirmAttempts = c.Consensus.ConfirmAttempts
	opts.ConfirmInterval = c.Consensus.ConfirmInterval.Duration
	opts.Logger = log
	return opts
}

// NewWithConfig creates a Daemon with the given configuration. Every
// configured guardian gets a client and a restored setup session.
func NewWithConfig(ctx context.Context, cfg Config) (*Daemon, error) {
	if len(cfg.Guardians) == 0 {
		return nil, fmt.Errorf("%w: add a [[guardians]] entry or set FM_CONFIG_API", domain.ErrNoBaseURL)
	}
	log := NewLogger(cfg.Logging, os.Stderr)

	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Guardians: guardian.NewRegistry(cfg.TransportOptions(log)),
	}

	sopts := setup.DefaultOptions()
	sopts.PollInterval = cfg.Polling.Interval.Duration
	sopts.DKGInterval = cfg.Polling.DKGInterval.Duration
	sopts.Tos = cfg.Setup.Tos
	sopts.Logger = log
	sopts.OnStatus = d.recordStatus

	var probes []health.Guardian
	for _, g := range cfg.Guardians {
		client := d.Guardians.Add(g.ID, g.BaseURL)
		sess, err := setup.Open(ctx, client, db, sopts)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open setup session %s: %w", g.ID, err)
		}
		d.Sessions = append(d.Sessions, sess)
		probes = append(probes, client)
	}

	d.Health = health.NewChecker(db, cfg.Store.Dir, probes, cfg.Telemetry.HealthInterval.Duration, log)

	d.Server = api.NewServer(d.Sessions, db, d.Health, log)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// Session returns the setup session for guardian id. An empty id selects
// the only session when exactly one is configured.
func (d *Daemon) Session(id string) (*setup.Session, error) {
	if id == "" && len(d.Sessions) == 1 {
		return d.Sessions[0], nil
	}
	for _, s := range d.Sessions {
		if s.ID() == id {
			return s, nil
		}
	}
	if id == "" {
		return nil, fmt.Errorf("%w: several guardians configured, pick one", domain.ErrUnknownGuardian)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGuardian, id)
}

func (d *Daemon) recordStatus(ctx context.Context, guardianID string, status domain.ServerStatus) {
	changed, err := d.DB.RecordStatus(ctx, guardianID, status)
	if err != nil {
		d.Log.Warn().Err(err).Str("guardian", guardianID).Msg("failed to record status")
		return
	}
	if changed {
		d.Log.Info().Str("guardian", guardianID).Str("status", string(status)).Msg("guardian status changed")
	}
}

// Serve starts the status pollers, the health checker and, if enabled, the
// HTTP API, and blocks until ctx ends or a shutdown signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	for _, s := range d.Sessions {
		if _, err := s.Load(ctx); err != nil {
			d.Log.Warn().Err(err).Str("guardian", s.ID()).Msg("initial status read failed")
		}
		s.ToggleStatusPolling(true)
	}

	go d.Health.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if !d.Config.API.Enabled {
		d.Log.Info().Int("guardians", len(d.Sessions)).Msg("guardianctl running without HTTP API")
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		d.stopSessions()
		return nil
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.stopSessions()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Log.Info().Str("addr", "http://"+addr).Int("guardians", len(d.Sessions)).Msg("guardianctl serving")
	if d.Config.Telemetry.Prometheus {
		d.Log.Info().Str("addr", "http://"+addr+"/metrics").Msg("metrics enabled")
	}

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Daemon) stopSessions() {
	for _, s := range d.Sessions {
		s.Close()
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.stopSessions()
	if d.Guardians != nil {
		if err := d.Guardians.ShutdownAll(); err != nil {
			d.Log.Debug().Err(err).Msg("guardian shutdown")
		}
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
