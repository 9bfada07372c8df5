package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botvisr/internal/env"
	"github.com/loykin/botvisr/internal/logger"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/resolver"
	itls "github.com/loykin/botvisr/internal/tls"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. BOTVISR_STORE_DSN for store.dsn.
const EnvPrefix = "BOTVISR"

// Config is the top-level TOML structure.
type Config struct {
	Env             []string `mapstructure:"env"`
	EnvFiles        []string `mapstructure:"env_files"`
	UseOSEnv        bool     `mapstructure:"use_os_env"`
	CredentialsFile string   `mapstructure:"credentials_file"`

	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.Config    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	Endpoints []resolver.Endpoint `mapstructure:"endpoints"`
	Bots      []resolver.BotSpec  `mapstructure:"bots"`

	// directory of the loaded file; relative paths resolve against it
	baseDir string
}

type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	BasePath       string        `mapstructure:"base_path"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // websocket origins; empty allows any
	TLS            itls.Config   `mapstructure:"tls"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
	Buffer  int      `mapstructure:"buffer"`
}

type SupervisorConfig struct {
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
	AppendTimeout    time.Duration `mapstructure:"append_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	// Echo copies classified bot output into the daemon log.
	Echo bool `mapstructure:"echo"`
}

type MetricsConfig struct {
	Enabled   bool                  `mapstructure:"enabled"`
	Resources metrics.SamplerConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.listen", "127.0.0.1:8085")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("store.dsn", "sqlite://botvisr.db")
	v.SetDefault("history.buffer", 1024)
	v.SetDefault("supervisor.readiness_timeout", "30s")
	v.SetDefault("supervisor.stop_grace", "5s")
	v.SetDefault("supervisor.kill_timeout", "3s")
	v.SetDefault("supervisor.append_timeout", "2s")
	v.SetDefault("supervisor.subscriber_buffer", 256)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.history_size", 60)
}

// Load reads the TOML file at path, applies defaults and BOTVISR_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var baseDir string
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.baseDir = baseDir
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	s := c.Supervisor
	for name, d := range map[string]time.Duration{
		"readiness_timeout": s.ReadinessTimeout,
		"stop_grace":        s.StopGrace,
		"kill_timeout":      s.KillTimeout,
		"append_timeout":    s.AppendTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("supervisor.%s must not be negative", name))
		}
	}
	if s.SubscriberBuffer < 0 {
		errs = append(errs, errors.New("supervisor.subscriber_buffer must not be negative"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.%w", err))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.enabled requires history.dsns"))
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		id := strings.TrimSpace(b.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("bots[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if strings.TrimSpace(b.Command) == "" {
			errs = append(errs, fmt.Errorf("bots[%d]: command is required", i))
		}
	}
	return errors.Join(errs...)
}

// Path resolves p against the directory of the loaded config file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// ServerTLS returns [server.tls] with its paths resolved against the config directory.
func (c *Config) ServerTLS() itls.Config {
	t := c.Server.TLS
	t.CertFile = c.Path(t.CertFile)
	t.KeyFile = c.Path(t.KeyFile)
	t.Dir = c.Path(t.Dir)
	return t
}

// GlobalEnv builds the environment shared by all bots: the OS environment
// when use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	var e *env.Env
	if c.UseOSEnv {
		e = env.New()
		e.FromOS()
	} else {
		e = env.FromSlice(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(c.Path(p))
		if err != nil {
			return nil, err
		}
		e = e.WithVars(pairs)
	}
	return e.WithVars(c.Env), nil
}

// Resolver builds the static resolver for the configured bots and endpoints.
func (c *Config) Resolver() (*resolver.Static, error) {
	e, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	var creds resolver.CredentialStore
	if c.CredentialsFile != "" {
		fc, err := resolver.NewFileCredentials(c.Path(c.CredentialsFile))
		if err != nil {
			return nil, err
		}
		creds = fc
	}
	return resolver.NewStatic(c.Bots, c.Endpoints, creds, e)
}

// LoadEnvFile parses a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; an optional "export " prefix and one pair of
// surrounding quotes are stripped.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
