// Package connectivity tracks whether the backend is reachable and wakes the
// sync engine when it comes back.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is how long connectivity must stay up after an
// offline-to-online transition before a drain is triggered.
const DefaultDebounce = 500 * time.Millisecond

// Target receives connectivity state. *engine.Engine implements it.
type Target interface {
	SetOnline(online bool)
	Online() bool
	Trigger()
}

// Source produces connectivity observations. Watch reports each
// observation through report until ctx is done or the source fails.
// Repeated identical observations are fine; the Monitor filters them.
type Source interface {
	Watch(ctx context.Context, report func(online bool)) error
}

// Monitor forwards connectivity transitions to a Target. Every
// offline-to-online transition that holds for the debounce interval
// triggers exactly one drain; flapping inside the interval collapses.
//
// Thread-safety: Report may be called from any goroutine.
type Monitor struct {
	target   Target
	logger   *slog.Logger
	debounce time.Duration
	reconn   *debouncer

	mu     sync.Mutex
	online bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithDebounce sets the reconnect debounce. Default: DefaultDebounce.
func WithDebounce(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a Monitor whose initial state is target.Online().
func NewMonitor(target Target, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		target:   target,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		online:   target.Online(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reconn = newDebouncer(m.debounce, m.fire)
	return m
}

// Report records one observation.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	m.target.SetOnline(online)
	if online {
		m.logger.Info("backend reachable, drain scheduled", "debounce", m.debounce)
		m.reconn.call()
		return
	}
	m.logger.Info("backend unreachable")
	m.reconn.cancel()
}

// Online returns the last reported state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run feeds src into the monitor until ctx is done. A pending reconnect
// trigger is dropped on return.
func (m *Monitor) Run(ctx context.Context, src Source) error {
	defer m.reconn.cancel()
	return src.Watch(ctx, m.Report)
}

func (m *Monitor) fire() {
	if !m.Online() {
		return
	}
	m.logger.Debug("reconnect debounce elapsed, triggering drain")
	m.target.Trigger()
}
