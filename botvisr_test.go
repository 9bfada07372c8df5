package botvisr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	histsqlite "github.com/loykin/botvisr/internal/history/sqlite"
	"github.com/loykin/botvisr/pkg/client"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "botvisr.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

type running struct {
	d      *Daemon
	c      *client.Client
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func runDaemon(t *testing.T, cfgPath string) *running {
	t.Helper()
	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acancel()
	addr := d.Addr(actx)
	require.NotNil(t, addr, "daemon did not bind")

	r := &running{
		d:      d,
		c:      client.New(client.Config{BaseURL: fmt.Sprintf("http://%s/api", addr), Timeout: 5 * time.Second}),
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() { r.stop(t) })
	return r
}

// stop cancels Run and waits for it to return.
func (r *running) stop(t *testing.T) {
	t.Helper()
	r.once.Do(func() {
		r.cancel()
		select {
		case err := <-r.done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitState(t *testing.T, c *client.Client, id, want string) client.Status {
	t.Helper()
	var last client.Status
	require.Eventually(t, func() bool {
		d, err := c.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = d.Status
		return d.Status.State == want
	}, 5*time.Second, 20*time.Millisecond, "bot %s never reached %s (last %s)", id, want, last)
	return last
}

func TestDaemonLifecycleOverHTTP(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	p := writeConfig(t, dir, `
env = ["GREETING=hi"]

[server]
listen = "127.0.0.1:0"

[store]
dsn = "sqlite://sessions.db"

[history]
enabled = true
dsns = ["sqlite://history.db"]

[supervisor]
readiness_timeout = "5s"
stop_grace = "2s"
kill_timeout = "2s"

[log.slog]
level = "error"

[[bots]]
id = "greeter"
name = "Greeter"
command = "/bin/sh"
args = ["-c", "echo \"$GREETING from $BOT_ID\"; echo '[WARN] low food' 1>&2; exec sleep 30"]
`)
	r := runDaemon(t, p)
	ctx := context.Background()

	list, err := r.c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "idle", list[0].Status.State)

	st, err := r.c.Start(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "starting", st.State)
	waitState(t, r.c, "greeter", "running")

	_, err = r.c.Start(ctx, "greeter")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)

	act, err := r.c.Active(ctx, "greeter")
	require.NoError(t, err)
	require.True(t, act.Active)

	var entries []client.LogEntry
	require.Eventually(t, func() bool {
		entries, err = r.c.Entries(ctx, act.SessionID, client.EntriesQuery{})
		return err == nil && len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)
	byStream := map[string]client.LogEntry{}
	for _, e := range entries {
		byStream[e.Stream] = e
	}
	assert.Equal(t, "hi from greeter", byStream["stdout"].RawLine)
	assert.Equal(t, "warn", byStream["stderr"].Level)

	st, err = r.c.Stop(ctx, "greeter", true)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.State)

	s, err := r.c.Session(ctx, act.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, s.EndedAt)

	r.stop(t)

	assert.FileExists(t, filepath.Join(dir, "sessions.db"))
	sink, err := histsqlite.New(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, "greeter")
	require.NoError(t, err)
	// starting, running, stopping, stopped
	assert.Equal(t, 4, n)
}

func TestDaemonShutdownStopsRunningBots(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[server]
listen = "127.0.0.1:0"

[store]
dsn = "memory://"

[supervisor]
readiness_timeout = "0s"
stop_grace = "1s"
kill_timeout = "1s"

[log.slog]
level = "error"

[[bots]]
id = "sleeper"
command = "/bin/sh"
args = ["-c", "exec sleep 30"]
`)
	r := runDaemon(t, p)
	ctx := context.Background()

	_, err := r.c.Start(ctx, "sleeper")
	require.NoError(t, err)
	waitState(t, r.c, "sleeper", "running")

	r.stop(t)

	assert.Equal(t, "stopped", string(r.d.Supervisor().Status("sleeper").State))
	assert.False(t, r.c.IsReachable(ctx))
	require.NoError(t, r.d.Shutdown(ctx), "second shutdown is a no-op")
}

func TestNewDaemonRejectsBadStore(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "missing", "dir", "x.db")
	_, err = NewDaemon(context.Background(), cfg)
	assert.Error(t, err)

	_, err = NewDaemon(context.Background(), nil)
	assert.Error(t, err)
}

func TestSqliteRelative(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, dir, "use_os_env = false\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite://"+filepath.Join(dir, "a.db"), sqliteRelative(cfg, "sqlite://a.db"))
	assert.Equal(t, "sqlite:///abs/a.db", sqliteRelative(cfg, "sqlite:///abs/a.db"))
	assert.Equal(t, filepath.Join(dir, "b.db"), sqliteRelative(cfg, "b.db"))
	assert.Equal(t, "memory://", sqliteRelative(cfg, "memory://"))
	assert.Equal(t, "postgres://u@h/db", sqliteRelative(cfg, "postgres://u@h/db"))
	assert.Equal(t, "sqlite://:memory:", sqliteRelative(cfg, "sqlite://:memory:"))
	assert.Equal(t, "", sqliteRelative(cfg, ""))
}

func TestDaemonServesTLS(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[server]
listen = "127.0.0.1:0"

[server.tls]
enabled = true
dir = "certs"
auto_generate = true

[store]
dsn = "memory://"

[log.slog]
level = "error"

[[bots]]
id = "a"
command = "/bin/true"
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acancel()
	addr := d.Addr(actx)
	require.NotNil(t, addr)
	base := fmt.Sprintf("https://%s/api", addr)

	trusted := client.New(client.Config{
		BaseURL: base,
		TLS:     &client.TLSClientConfig{CACert: filepath.Join(dir, "certs", "tls_ca.crt")},
	})
	list, err := trusted.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	untrusted := client.New(client.Config{BaseURL: base})
	assert.False(t, untrusted.IsReachable(context.Background()))

	insecure := client.New(client.Config{BaseURL: base, Insecure: true})
	assert.True(t, insecure.IsReachable(context.Background()))
}
