package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/outbox/internal/remote"
)

// DefaultProbeInterval is the health poll period of a Prober.
const DefaultProbeInterval = 5 * time.Second

// Manual is a Source driven by explicit Set calls, e.g. from a platform
// network callback or a test.
type Manual struct {
	ch chan bool
}

// NewManual creates a manual source.
func NewManual() *Manual {
	return &Manual{ch: make(chan bool, 16)}
}

// Set records an observation. It blocks only if 16 observations are
// already waiting to be watched.
func (s *Manual) Set(online bool) {
	s.ch <- online
}

// Watch implements Source.
func (s *Manual) Watch(ctx context.Context, report func(bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-s.ch:
			report(online)
		}
	}
}

// Prober is a Source that polls the backend's health endpoint.
type Prober struct {
	checker  remote.HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout bounds each health check. Default: the probe interval.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithProberLogger sets the structured logger. Default: slog.Default().
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = l
	}
}

// NewProber creates a Prober checking every interval. A non-positive
// interval selects DefaultProbeInterval.
func NewProber(checker remote.HealthChecker, interval time.Duration, opts ...ProberOption) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	p := &Prober{checker: checker, interval: interval, timeout: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch implements Source. The first probe runs immediately.
func (p *Prober) Watch(ctx context.Context, report func(bool)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		online := p.probe(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		report(online)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.checker.Health(ctx); err != nil {
		p.logger.Debug("health probe failed", "error", err)
		return false
	}
	return true
}
