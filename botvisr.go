// Package botvisr wires the bot supervisor, its session store, the event bus,
// history export and the HTTP/WebSocket API into a single embeddable Daemon.
package botvisr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/broadcast"
	"github.com/loykin/botvisr/internal/config"
	"github.com/loykin/botvisr/internal/history"
	histfactory "github.com/loykin/botvisr/internal/history/factory"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/server"
	"github.com/loykin/botvisr/internal/session"
	sessfactory "github.com/loykin/botvisr/internal/session/factory"
	"github.com/loykin/botvisr/internal/supervisor"
	itls "github.com/loykin/botvisr/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = bot.Status

type State = bot.State

type Event = broadcast.Event

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon owns every long-lived component of a botvisr control plane.
type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	store    session.Store
	bus      *broadcast.Bus
	sup      *supervisor.Supervisor
	sampler  *metrics.ResourceSampler
	exporter *history.Exporter
	router   *server.Router
	tls      *tls.Config

	mu       sync.Mutex
	srv      *http.Server
	addr     net.Addr
	ready    chan struct{}
	bg       sync.WaitGroup
	shutOnce sync.Once
	shutErr  error
}

// NewDaemon builds every component from cfg. Nothing is started and no port
// is bound until Run.
func NewDaemon(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	logCfg := cfg.Log
	logCfg.Slog.Path = cfg.Path(logCfg.Slog.Path)
	logCfg.File.Dir = cfg.Path(logCfg.File.Dir)
	logCfg.File.StdoutPath = cfg.Path(logCfg.File.StdoutPath)
	logCfg.File.StderrPath = cfg.Path(logCfg.File.StderrPath)
	log := logCfg.NewSlogger()

	res, err := cfg.Resolver()
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	store, err := sessfactory.NewFromDSN(storeDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure session schema: %w", err)
	}

	tlsCfg, err := itls.Setup(cfg.ServerTLS())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("setup tls: %w", err)
	}

	var sinks []history.Sink
	if cfg.History.Enabled {
		dsns := make([]string, len(cfg.History.DSNs))
		for i, d := range cfg.History.DSNs {
			dsns[i] = sqliteRelative(cfg, d)
		}
		sinks, err = histfactory.NewSinks(dsns)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open history sinks: %w", err)
		}
	}

	bus := broadcast.New(
		broadcast.WithBuffer(cfg.Supervisor.SubscriberBuffer),
		broadcast.WithLogger(log),
	)
	sup := supervisor.New(res, store, bus, supervisor.Config{
		ReadinessTimeout: cfg.Supervisor.ReadinessTimeout,
		StopGrace:        cfg.Supervisor.StopGrace,
		KillTimeout:      cfg.Supervisor.KillTimeout,
		AppendTimeout:    cfg.Supervisor.AppendTimeout,
	},
		supervisor.WithLogger(log),
		supervisor.WithOutputFiles(logCfg),
		supervisor.WithEcho(cfg.Supervisor.Echo),
	)
	var exporter *history.Exporter
	if cfg.History.Enabled {
		exporter = history.NewExporter(sinks, history.WithLookup(sup), history.WithExportLogger(log))
	}

	sampler := metrics.NewResourceSampler(cfg.Metrics.Resources)
	router := server.NewRouter(sup, store, bus, server.Options{
		BasePath:       cfg.Server.BasePath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        cfg.Metrics.Enabled,
		Sampler:        sampler,
		Logger:         log,
		StopTimeout:    cfg.Supervisor.StopGrace + cfg.Supervisor.KillTimeout + 5*time.Second,
	})

	return &Daemon{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		sup:      sup,
		sampler:  sampler,
		exporter: exporter,
		router:   router,
		tls:      tlsCfg,
		ready:    make(chan struct{}),
	}, nil
}

func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }
func (d *Daemon) Store() session.Store                { return d.store }
func (d *Daemon) Bus() *broadcast.Bus                 { return d.bus }
func (d *Daemon) Logger() *slog.Logger                { return d.log }

// Handler returns the HTTP API without binding a port.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Addr blocks until Run has bound its listener and returns the address, or
// returns nil when ctx ends first.
func (d *Daemon) Addr(ctx context.Context) net.Addr {
	select {
	case <-d.ready:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.addr
	case <-ctx.Done():
		return nil
	}
}

// Run recovers dangling sessions, starts metrics, history export and the API
// server, and blocks until ctx is done or the server fails. It always shuts
// the daemon down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.sup.Recover(ctx); err != nil {
		d.log.Warn("recover dangling sessions", "error", err)
	}

	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := d.sampler.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
	}
	d.sampler.Start(ctx, d.sup.PIDs)

	if d.exporter != nil {
		sub := d.bus.SubscribeBuffered(broadcast.AllBots, d.cfg.History.Buffer)
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			d.exporter.Run(context.Background(), sub)
		}()
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		_ = d.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	if d.tls != nil {
		ln = tls.NewListener(ln, d.tls)
	}
	srv := server.NewServer(d.cfg.Server.Listen, d.router.Handler(), d.cfg.Server.ReadTimeout, d.cfg.Server.WriteTimeout)
	d.mu.Lock()
	d.srv = srv
	d.addr = ln.Addr()
	d.mu.Unlock()
	close(d.ready)

	d.log.Info("botvisr listening", "addr", ln.Addr().String(), "base", d.cfg.Server.BasePath,
		"tls", d.tls != nil, "bots", len(d.sup.BotIDs()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	return errors.Join(serveErr, d.Shutdown(sctx))
}

// Shutdown stops the API server, stops every bot, closes the event bus and
// releases the store and history sinks. It is safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.shutOnce.Do(func() {
		var errs []error
		d.mu.Lock()
		srv := d.srv
		d.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := d.sup.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
		}
		// closing the bus ends websocket streams and the history exporter
		d.bus.Close()
		d.sampler.Stop()
		d.bg.Wait()
		if d.exporter != nil {
			if err := d.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close history sinks: %w", err))
			}
		}
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		d.shutErr = errors.Join(errs...)
		d.log.Info("botvisr stopped")
	})
	return d.shutErr
}

func (d *Daemon) shutdownTimeout() time.Duration {
	return d.cfg.Supervisor.StopGrace + d.cfg.Supervisor.KillTimeout + 10*time.Second
}

func storeDSN(cfg *config.Config) string {
	return sqliteRelative(cfg, cfg.Store.DSN)
}

// sqliteRelative resolves a relative sqlite path against the config directory.
func sqliteRelative(cfg *config.Config, dsn string) string {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case d == "", strings.Contains(ld, "://") && !strings.HasPrefix(ld, "sqlite://"):
		return d
	case strings.HasPrefix(ld, "sqlite://"):
		return "sqlite://" + sqlitePath(cfg, d[len("sqlite://"):])
	}
	return sqlitePath(cfg, d)
}

func sqlitePath(cfg *config.Config, p string) string {
	if p == ":memory:" || strings.HasPrefix(p, "file:") {
		return p
	}
	return cfg.Path(p)
}
