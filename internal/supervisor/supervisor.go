// Package supervisor runs bot processes. Every bot has one handler goroutine
// that owns its state; Start, Stop and Fail are messages to that goroutine, so
// lifecycle changes of one bot are serialized while different bots proceed
// independently.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/logger"
	"github.com/loykin/botvisr/internal/resolver"
	"github.com/loykin/botvisr/internal/session"
)

// Publisher receives every status, log and telemetry change. *broadcast.Bus
// implements it. Implementations must not block.
type Publisher interface {
	PublishStatus(botID string, st bot.Status)
	PublishLog(botID string, e session.LogEntry)
	PublishPosition(botID string, p bot.Position)
	PublishInventory(botID string, items []bot.InventoryItem)
}

// Config holds the supervisor timeouts.
type Config struct {
	// ReadinessTimeout bounds the wait for the first output line. Zero or
	// negative marks a bot running right after spawn.
	ReadinessTimeout time.Duration
	// StopGrace is how long a graceful stop waits after SIGTERM.
	StopGrace time.Duration
	// KillTimeout is how long to wait for the tree to die after SIGKILL.
	KillTimeout time.Duration
	// AppendTimeout bounds every session store call made while a bot runs.
	AppendTimeout time.Duration
}

// DefaultConfig returns the timeouts used when the config file sets none.
func DefaultConfig() Config {
	return Config{
		ReadinessTimeout: 30 * time.Second,
		StopGrace:        5 * time.Second,
		KillTimeout:      3 * time.Second,
		AppendTimeout:    2 * time.Second,
	}
}

// StopOptions controls Stop.
type StopOptions struct {
	// Graceful sends SIGTERM and waits StopGrace before killing the tree.
	Graceful bool
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOutputFiles mirrors raw bot output into rotating per-bot files.
func WithOutputFiles(cfg logger.Config) Option {
	return func(s *Supervisor) {
		if cfg.File.Enabled() {
			c := cfg
			s.output = &c
		}
	}
}

// WithEcho copies every classified line into the daemon log at its level.
func WithEcho(on bool) Option {
	return func(s *Supervisor) { s.echo = on }
}

// Supervisor owns the handlers of all bots.
type Supervisor struct {
	cfg      Config
	resolver resolver.Resolver
	store    session.Store
	pub      Publisher
	log      *slog.Logger
	output   *logger.Config
	echo     bool

	mu       sync.Mutex
	handlers map[string]*handler
	closing  bool
	wg       sync.WaitGroup
}

// New creates a supervisor. pub may be nil.
func New(res resolver.Resolver, store session.Store, pub Publisher, cfg Config, opts ...Option) *Supervisor {
	if pub == nil {
		pub = nopPublisher{}
	}
	s := &Supervisor{
		cfg:      cfg,
		resolver: res,
		store:    store,
		pub:      pub,
		log:      slog.Default(),
		handlers: make(map[string]*handler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// handlerFor returns the handler of botID, creating it when create is set.
func (s *Supervisor) handlerFor(botID string, create bool) (*handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}
	h, ok := s.handlers[botID]
	if ok || !create {
		return h, nil
	}
	h = newHandler(s, botID)
	s.handlers[botID] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.loop()
	}()
	return h, nil
}

func (s *Supervisor) request(ctx context.Context, botID string, msg ctrlMsg) (bot.Status, error) {
	h, err := s.handlerFor(botID, true)
	if err != nil {
		return bot.Status{}, err
	}
	msg.ctx = ctx
	msg.reply = make(chan ctrlReply, 1)
	select {
	case h.ctrl <- msg:
	case <-h.quit:
		return bot.Status{}, ErrShuttingDown
	case <-ctx.Done():
		return bot.Status{}, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r.status, r.err
	case <-h.quit:
		select {
		case r := <-msg.reply:
			return r.status, r.err
		default:
			return bot.Status{}, ErrShuttingDown
		}
	case <-ctx.Done():
		return bot.Status{}, ctx.Err()
	}
}

// Start launches botID. It returns once the child was spawned, normally with
// status starting; the bot becomes running on its first output line.
func (s *Supervisor) Start(ctx context.Context, botID string) (bot.Status, error) {
	return s.request(ctx, botID, ctrlMsg{typ: ctrlStart})
}

// Stop ends the process of botID. Stopping a bot without a live process is a
// successful no-op.
func (s *Supervisor) Stop(ctx context.Context, botID string, opts StopOptions) (bot.Status, error) {
	h, err := s.handlerFor(botID, false)
	if err != nil {
		return bot.Status{}, err
	}
	if h == nil {
		return bot.Status{State: bot.Idle}, nil
	}
	return s.request(ctx, botID, ctrlMsg{typ: ctrlStop, graceful: opts.Graceful})
}

// Fail records an externally reported fault. A live process is killed and
// the bot moves to error.
func (s *Supervisor) Fail(ctx context.Context, botID, reason string) (bot.Status, error) {
	h, err := s.handlerFor(botID, false)
	if err != nil {
		return bot.Status{}, err
	}
	if h == nil {
		return bot.Status{State: bot.Idle}, nil
	}
	return s.request(ctx, botID, ctrlMsg{typ: ctrlFail, reason: reason})
}

// Status returns the current status of botID; unknown bots are idle.
func (s *Supervisor) Status(botID string) bot.Status {
	s.mu.Lock()
	h := s.handlers[botID]
	s.mu.Unlock()
	if h == nil {
		return bot.Status{State: bot.Idle}
	}
	return h.status()
}

// ListStatuses returns the status of every bot the supervisor has seen plus
// every bot the resolver can list.
func (s *Supervisor) ListStatuses() map[string]bot.Status {
	out := make(map[string]bot.Status)
	if l, ok := s.resolver.(resolver.Lister); ok {
		for _, id := range l.BotIDs() {
			out[id] = bot.Status{State: bot.Idle}
		}
	}
	s.mu.Lock()
	hs := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		out[h.botID] = h.status()
	}
	return out
}

// BotIDs returns the sorted ids ListStatuses reports.
func (s *Supervisor) BotIDs() []string {
	st := s.ListStatuses()
	ids := make([]string, 0, len(st))
	for id := range st {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Process returns the record of the current or most recent run of botID.
func (s *Supervisor) Process(botID string) (bot.Process, bool) {
	s.mu.Lock()
	h := s.handlers[botID]
	s.mu.Unlock()
	if h == nil {
		return bot.Process{}, false
	}
	return h.process()
}

// PIDs returns the pid of every live bot process.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	hs := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	out := make(map[string]int32, len(hs))
	for _, h := range hs {
		if p, ok := h.process(); ok && p.Status.State.Live() && p.PID > 0 {
			out[h.botID] = int32(p.PID)
		}
	}
	return out
}

// ReportPosition stores and publishes the position of a running bot.
func (s *Supervisor) ReportPosition(botID string, p bot.Position) error {
	h := s.liveHandler(botID)
	if h == nil {
		return ErrNotRunning
	}
	now := time.Now().UTC()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	h.setPosition(p, now)
	return nil
}

// ReportInventory stores and publishes the inventory of a running bot.
func (s *Supervisor) ReportInventory(botID string, items []bot.InventoryItem) error {
	h := s.liveHandler(botID)
	if h == nil {
		return ErrNotRunning
	}
	h.setInventory(items, time.Now().UTC())
	return nil
}

// Telemetry returns the latest telemetry of botID.
func (s *Supervisor) Telemetry(botID string) (bot.Telemetry, bool) {
	s.mu.Lock()
	h := s.handlers[botID]
	s.mu.Unlock()
	if h == nil {
		return bot.Telemetry{}, false
	}
	return h.telemetry()
}

func (s *Supervisor) liveHandler(botID string) *handler {
	s.mu.Lock()
	h := s.handlers[botID]
	s.mu.Unlock()
	if h == nil || !h.status().State.Live() {
		return nil
	}
	return h
}

// Recover closes sessions left open by a previous run of the daemon. Call it
// once before starting any bot.
func (s *Supervisor) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.CloseDangling(ctx, time.Now().UTC())
	if err != nil {
		return 0, newFault(KindStorage, "", err)
	}
	if n > 0 {
		s.log.Info("closed dangling sessions", "count", n)
	}
	return n, nil
}

// Shutdown gracefully stops every bot and ends the handler goroutines. Start
// fails with ErrShuttingDown afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	hs := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		select {
		case h.ctrl <- ctrlMsg{typ: ctrlShutdown, ctx: ctx}:
		case <-h.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeCtx bounds a store call made on behalf of a running bot.
func (s *Supervisor) storeCtx() (context.Context, context.CancelFunc) {
	if s.cfg.AppendTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.cfg.AppendTimeout)
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(string, bot.Status) {}
func (nopPublisher) PublishLog(string, session.LogEntry) {}
func (nopPublisher) PublishPosition(string, bot.Position) {}
func (nopPublisher) PublishInventory(string, []bot.InventoryItem) {}
