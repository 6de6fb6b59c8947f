package setup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fedimint/guardianctl/internal/infra/metrics"
)

// Poller repeatedly fetches a value and hands it to a callback.
//
// The next fetch is scheduled only after the current one settles, so at most
// one fetch is outstanding. Stopping cancels the pending wait but lets an
// in-flight fetch finish; its result is dropped. Failures are logged and the
// loop carries on.
type Poller[T any] struct {
	name     string
	guardian string
	interval time.Duration
	fetch    func(context.Context) (T, error)
	onResult func(T)
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped poller.
func NewPoller[T any](name, guardian string, interval time.Duration,
	fetch func(context.Context) (T, error), onResult func(T), log zerolog.Logger,
) *Poller[T] {
	return &Poller[T]{
		name:     name,
		guardian: guardian,
		interval: interval,
		fetch:    fetch,
		onResult: onResult,
		log:      log.With().Str("component", "poller").Str("poller", name).Str("guardian", guardian).Logger(),
	}
}

// Toggle starts or stops polling. Repeated calls with the same value are no-ops.
func (p *Poller[T]) Toggle(on bool) {
	if on {
		p.Start()
	} else {
		p.Stop()
	}
}

// Start begins polling immediately.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := p.done
	done := make(chan struct{})
	p.cancel, p.done = cancel, done

	go func() {
		defer close(done)
		if prev != nil {
			// an earlier loop may still be waiting on its last fetch
			<-prev
		}
		p.run(ctx)
	}()
	p.log.Debug().Dur("interval", p.interval).Msg("polling started")
}

// Stop cancels polling. It does not wait for an in-flight fetch.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.log.Debug().Msg("polling stopped")
}

// Running reports whether the poller is enabled.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller[T]) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		v, err := p.fetch(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.PollFailures.WithLabelValues(p.guardian, p.name).Inc()
			p.log.Warn().Err(err).Msg("poll failed")
		} else {
			p.onResult(v)
		}
		timer.Reset(p.interval)
	}
}
