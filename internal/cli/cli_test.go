package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/remote"
)

// cliEnv runs commands against a fresh database and reference backend.
type cliEnv struct {
	t       *testing.T
	db      string
	remote  string
	backend *remote.Backend
	stderr  *bytes.Buffer
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	b := remote.NewBackend()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	return &cliEnv{
		t:       t,
		db:      filepath.Join(t.TempDir(), "outbox.db"),
		remote:  srv.URL,
		backend: b,
		stderr:  &bytes.Buffer{},
	}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(e.stderr)
	cmd.SetArgs(append([]string{"--db", e.db, "--remote", e.remote}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "outbox %v\nstdout: %s\nstderr: %s", args, out, e.stderr.String())
	return out
}

// decodeData unmarshals the data field of a JSON CLIResponse.
func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	return resp.Data
}
