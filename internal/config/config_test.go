package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisr/internal/env"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8085", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, "sqlite://botvisr.db", c.Store.DSN)
	assert.True(t, c.UseOSEnv)
	assert.Equal(t, 30*time.Second, c.Supervisor.ReadinessTimeout)
	assert.Equal(t, 5*time.Second, c.Supervisor.StopGrace)
	assert.Equal(t, 3*time.Second, c.Supervisor.KillTimeout)
	assert.Equal(t, 2*time.Second, c.Supervisor.AppendTimeout)
	assert.Equal(t, 256, c.Supervisor.SubscriberBuffer)
	assert.Equal(t, 5*time.Second, c.Metrics.Resources.Interval)
	assert.Empty(t, c.Bots)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "botvisr.toml", `
env = ["REGION=eu"]
credentials_file = "keys.toml"

[server]
listen = ":9000"
allowed_origins = ["http://localhost:3000"]

[store]
dsn = "memory://"

[supervisor]
readiness_timeout = "90s"
stop_grace = "1s"

[log.slog]
level = "debug"
format = "json"

[[endpoints]]
name = "local"
url = "http://127.0.0.1:11434"

[[bots]]
id = "miner"
name = "Miner"
command = "python bot.py"
work_dir = "bots/miner"
model = "llama3"
endpoint = "local"
credential_key = "miner"
env = ["MODE=mine"]

[[bots]]
id = "scout"
command = "./scout"
args = ["--fast"]
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Listen)
	assert.Equal(t, []string{"http://localhost:3000"}, c.Server.AllowedOrigins)
	assert.Equal(t, "memory://", c.Store.DSN)
	assert.Equal(t, 90*time.Second, c.Supervisor.ReadinessTimeout)
	assert.Equal(t, time.Second, c.Supervisor.StopGrace)
	assert.Equal(t, 3*time.Second, c.Supervisor.KillTimeout, "unset keys keep defaults")
	assert.Equal(t, "debug", string(c.Log.Slog.Level))
	assert.Equal(t, "json", string(c.Log.Slog.Format))

	require.Len(t, c.Endpoints, 1)
	assert.Equal(t, "http://127.0.0.1:11434", c.Endpoints[0].URL)
	require.Len(t, c.Bots, 2)
	assert.Equal(t, "miner", c.Bots[0].ID)
	assert.Equal(t, "llama3", c.Bots[0].Model)
	assert.Equal(t, []string{"MODE=mine"}, c.Bots[0].Env)
	assert.Equal(t, []string{"--fast"}, c.Bots[1].Args)

	assert.Equal(t, filepath.Join(dir, "keys.toml"), c.Path(c.CredentialsFile))
	assert.Equal(t, "/abs/x", c.Path("/abs/x"))
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing id", "[[bots]]\ncommand = \"x\"\n", "id is required"},
		{"missing command", "[[bots]]\nid = \"a\"\n", "command is required"},
		{"duplicate id", "[[bots]]\nid = \"a\"\ncommand = \"x\"\n[[bots]]\nid = \"a\"\ncommand = \"y\"\n", "duplicate id"},
		{"negative duration", "[supervisor]\nstop_grace = \"-1s\"\n", "stop_grace"},
		{"history without sinks", "[history]\nenabled = true\n", "history.dsns"},
		{"empty dsn", "[store]\ndsn = \"\"\n", "store.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.toml", tt.body)
			_, err := Load(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOTVISR_STORE_DSN", "memory://")
	t.Setenv("BOTVISR_SERVER_LISTEN", ":7777")
	p := writeFile(t, t.TempDir(), "c.toml", "[store]\ndsn = \"sqlite://x.db\"\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "memory://", c.Store.DSN)
	assert.Equal(t, ":7777", c.Server.Listen)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", `
# comment
FOO=bar
export QUOTED="with spaces"
SINGLE='x'
noequals
 SPACED = v
`)
	kvs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO=bar", "QUOTED=with spaces", "SINGLE=x", "SPACED=v"}, kvs)

	_, err = LoadEnvFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestGlobalEnvLayering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.env", "A=1\nB=file\n")
	p := writeFile(t, dir, "c.toml", `
use_os_env = false
env_files = ["a.env"]
env = ["B=inline", "C=${A}-x"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	e, err := c.GlobalEnv()
	require.NoError(t, err)

	merged := e.Merge()
	v, _ := env.Lookup(merged, "A")
	assert.Equal(t, "1", v)
	v, _ = env.Lookup(merged, "B")
	assert.Equal(t, "inline", v)
	v, _ = env.Lookup(merged, "C")
	assert.Equal(t, "1-x", v)
	_, ok := env.Lookup(merged, "PATH")
	assert.False(t, ok, "os env must not leak when use_os_env=false")
}

func TestResolverFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keys.toml", "[credentials]\nminer = \"sk-123\"\n")
	p := writeFile(t, dir, "c.toml", `
use_os_env = false
credentials_file = "keys.toml"

[[bots]]
id = "miner"
command = "python bot.py"
credential_key = "miner"
`)
	c, err := Load(p)
	require.NoError(t, err)
	r, err := c.Resolver()
	require.NoError(t, err)
	assert.Equal(t, []string{"miner"}, r.BotIDs())

	lc, err := r.Resolve(context.Background(), "miner")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", lc.Credential)
}

func TestServerTLS(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "botvisr.toml", `
[server.tls]
enabled = true
dir = "certs"
auto_generate = true
min_version = "1.2"
`)
	c, err := Load(p)
	require.NoError(t, err)
	tc := c.ServerTLS()
	assert.True(t, tc.Enabled)
	assert.Equal(t, filepath.Join(dir, "certs"), tc.Dir)
	assert.Equal(t, "1.2", tc.MinVersion)

	bad := writeFile(t, dir, "bad.toml", `
[server.tls]
enabled = true
`)
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.tls")
}
