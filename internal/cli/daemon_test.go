package cli

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/config"
	"github.com/roach88/outbox/internal/record"
)

func TestRun_DrainsWhenBackendReachable(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("enqueue", "team", "--op", "create", "--data", `{"name":"Rovers"}`)

	t.Setenv("OUTBOX_CONNECTIVITY_PROBE_INTERVAL", "10ms")
	t.Setenv("OUTBOX_CONNECTIVITY_DEBOUNCE", "5ms")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", env.db, "--remote", env.remote, "run"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.remote + "/teams")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		return bytes.Contains(body.Bytes(), []byte("Rovers"))
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Contains(t, out.String(), "Sync daemon started")

	status := decodeData[StatusReport](t, env.mustRun("--format", "json", "status"))
	assert.Zero(t, status.Counts[string(record.StatusPending)])
}

func TestBackend_ServesUntilCancelled(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ready := make(chan string, 1)
	opts := &BackendOptions{
		RootOptions: &RootOptions{Format: "text", v: config.New()},
		Addr:        "127.0.0.1:0",
		ready:       ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runBackend(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("backend did not stop")
	}
}
