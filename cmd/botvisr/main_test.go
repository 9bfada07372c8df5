package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisr"
)

// startDaemon runs an in-process daemon on a random port and returns its API URL.
func startDaemon(t *testing.T, bots string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "botvisr.toml")
	body := `
[server]
listen = "127.0.0.1:0"

[store]
dsn = "memory://"

[supervisor]
readiness_timeout = "5s"
stop_grace = "1s"
kill_timeout = "1s"

[log.slog]
level = "error"
` + bots
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	cfg, err := botvisr.LoadConfig(p)
	require.NoError(t, err)
	d, err := botvisr.NewDaemon(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acancel()
	addr := d.Addr(actx)
	require.NotNil(t, addr)
	return fmt.Sprintf("http://%s/api", addr)
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api-url", api, "--api-timeout", "10s"}, args...))
	err := root.Execute()
	return out.String(), err
}

const echoBot = `
[[bots]]
id = "echo"
command = "/bin/sh"
args = ["-c", "echo started; echo '[ERROR] creeper' 1>&2; exec sleep 30"]
`

func TestHelpMentionsCommands(t *testing.T) {
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, name := range []string{"serve", "start", "stop", "status", "sessions", "logs"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestStartStatusLogsStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	api := startDaemon(t, echoBot)

	out, err := run(t, api, "start", "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo: starting\n", out)

	require.Eventually(t, func() bool {
		out, err := run(t, api, "status")
		return err == nil && strings.Contains(out, "running")
	}, 5*time.Second, 50*time.Millisecond)

	out, err = run(t, api, "status", "echo")
	require.NoError(t, err)
	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "running")

	require.Eventually(t, func() bool {
		out, err := run(t, api, "logs", "--bot", "echo")
		return err == nil && strings.Contains(out, "ERROR") && strings.Contains(out, "started")
	}, 5*time.Second, 50*time.Millisecond)

	out, err = run(t, api, "--json", "logs", "--bot", "echo", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, `"seq"`))

	out, err = run(t, api, "stop", "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo: stopped\n", out)

	out, err = run(t, api, "sessions", "--bot", "echo")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.NotContains(t, lines[1], "active")
}

func TestFollowEndsWhenBotStops(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	api := startDaemon(t, `
[[bots]]
id = "ticker"
command = "/bin/sh"
args = ["-c", "for i in 1 2 3 4 5; do echo tick $i; sleep 0.2; done; exit 4"]
`)
	_, err := run(t, api, "start", "ticker")
	require.NoError(t, err)

	out, err := run(t, api, "logs", "--bot", "ticker", "--follow")
	require.NoError(t, err)
	assert.Contains(t, out, "tick 5")
	assert.Contains(t, out, "code 4")
}

func TestFailAndErrors(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	api := startDaemon(t, echoBot)

	_, err := run(t, api, "start", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = run(t, api, "start", "echo")
	require.NoError(t, err)
	out, err := run(t, api, "fail", "echo", "--reason", "stuck in lava")
	require.NoError(t, err)
	assert.Equal(t, "echo: error: stuck in lava\n", out)

	_, err = run(t, api, "logs")
	require.Error(t, err)

	_, err = run(t, "http://127.0.0.1:1/api", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestServeRequiresConfig(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1/api", "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file required")
}
