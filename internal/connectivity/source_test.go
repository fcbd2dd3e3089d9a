package connectivity

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/remote"
)

type toggleChecker struct {
	healthy atomic.Bool
}

func (c *toggleChecker) Health(ctx context.Context) error {
	if c.healthy.Load() {
		return nil
	}
	return errors.New("unreachable")
}

type observations struct {
	mu   sync.Mutex
	seen []bool
}

func (o *observations) report(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, online)
}

func (o *observations) last() (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seen) == 0 {
		return false, false
	}
	return o.seen[len(o.seen)-1], true
}

func TestProber_ReportsHealth(t *testing.T) {
	checker := &toggleChecker{}
	p := NewProber(checker, 5*time.Millisecond, WithProberLogger(quietLogger()))
	obs := &observations{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Watch(ctx, obs.report)

	require.Eventually(t, func() bool {
		v, ok := obs.last()
		return ok && !v
	}, time.Second, time.Millisecond)

	checker.healthy.Store(true)
	require.Eventually(t, func() bool {
		v, ok := obs.last()
		return ok && v
	}, time.Second, time.Millisecond)
}

func TestProber_AgainstBackend(t *testing.T) {
	srv := httptest.NewServer(remote.NewBackend().Handler())
	client := remote.NewClient(srv.URL)

	p := NewProber(client, 5*time.Millisecond, WithProbeTimeout(100*time.Millisecond), WithProberLogger(quietLogger()))
	assert.True(t, p.probe(context.Background()))

	srv.Close()
	assert.False(t, p.probe(context.Background()))
}

func TestProber_DefaultInterval(t *testing.T) {
	p := NewProber(&toggleChecker{}, 0)
	assert.Equal(t, DefaultProbeInterval, p.interval)
}

func TestProber_StopsOnCancel(t *testing.T) {
	p := NewProber(&toggleChecker{}, time.Hour, WithProberLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, func(bool) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestDebouncer_Pending(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(10*time.Millisecond, func() { fired.Add(1) })

	d.call()
	assert.True(t, d.isPending())
	d.cancel()
	assert.False(t, d.isPending())

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
