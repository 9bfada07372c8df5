package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/classify"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/process"
	"github.com/loykin/botvisr/internal/session"
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlFail
	ctrlShutdown
)

type ctrlMsg struct {
	typ      ctrlType
	ctx      context.Context
	graceful bool
	reason   string
	reply    chan ctrlReply
}

type ctrlReply struct {
	status bot.Status
	err    error
}

// handler owns the lifecycle of one bot. Only loop mutates st and cur; the
// mutex guards them for readers on other goroutines.
type handler struct {
	sup   *Supervisor
	botID string
	ctrl  chan ctrlMsg
	quit  chan struct{}

	mu        sync.RWMutex
	st        bot.Status
	cur       *run
	rec       bot.Process
	hasRec    bool
	lastProc  *process.Handle
	telem     bot.Telemetry
	hasTelem  bool
	heartbeat time.Time
}

func newHandler(s *Supervisor, botID string) *handler {
	return &handler{
		sup:   s,
		botID: botID,
		ctrl:  make(chan ctrlMsg, 16),
		quit:  make(chan struct{}),
		st:    bot.Status{State: bot.Idle},
	}
}

func (h *handler) loop() {
	defer close(h.quit)
	for {
		var (
			readyC <-chan struct{}
			doneC  <-chan struct{}
			timerC <-chan time.Time
		)
		if r := h.current(); r != nil {
			doneC = r.proc.Done()
			if h.status().State == bot.Starting {
				readyC = r.ready
				if r.timer != nil {
					timerC = r.timer.C
				}
			}
		}

		select {
		case msg := <-h.ctrl:
			var rep ctrlReply
			switch msg.typ {
			case ctrlStart:
				rep.status, rep.err = h.start(msg.ctx)
			case ctrlStop:
				rep.status, rep.err = h.stop(msg.graceful)
			case ctrlFail:
				rep.status, rep.err = h.fail(msg.reason)
			case ctrlShutdown:
				_, _ = h.stop(true)
				return
			}
			if msg.reply != nil {
				msg.reply <- rep
			}
		case <-readyC:
			h.markRunning()
		case <-timerC:
			h.readinessTimeout()
		case <-doneC:
			h.exited()
		}
	}
}

func (h *handler) current() *run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

func (h *handler) status() bot.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st
}

func (h *handler) process() (bot.Process, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasRec {
		return bot.Process{}, false
	}
	p := h.rec
	p.Status = h.st
	p.LastHeartbeatAt = h.heartbeat
	if h.lastProc != nil {
		p.Lines = h.lastProc.Status().Lines
	}
	return p, true
}

func (h *handler) telemetry() (bot.Telemetry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t := h.telem
	if t.Position != nil {
		p := *t.Position
		t.Position = &p
	}
	t.Inventory = append([]bot.InventoryItem(nil), t.Inventory...)
	return t, h.hasTelem
}

func (h *handler) touch(at time.Time) {
	h.mu.Lock()
	if at.After(h.heartbeat) {
		h.heartbeat = at
	}
	h.mu.Unlock()
}

// setPosition stores p. The heartbeat moves to at, the time the report was
// received, never to the reporter's own timestamp.
func (h *handler) setPosition(p bot.Position, at time.Time) {
	h.mu.Lock()
	h.telem.Position = &p
	h.hasTelem = true
	h.mu.Unlock()
	h.touch(at)
	metrics.IncTelemetry(h.botID, string(telemetryPosition))
	h.sup.pub.PublishPosition(h.botID, p)
}

func (h *handler) setInventory(items []bot.InventoryItem, at time.Time) {
	cp := append([]bot.InventoryItem(nil), items...)
	h.mu.Lock()
	h.telem.Inventory = cp
	h.telem.InventoryAt = at
	h.hasTelem = true
	h.mu.Unlock()
	h.touch(at)
	metrics.IncTelemetry(h.botID, string(telemetryInventory))
	h.sup.pub.PublishInventory(h.botID, cp)
}

// setState records and publishes a transition. Only loop calls it.
func (h *handler) setState(st bot.Status) {
	h.mu.Lock()
	prev := h.st
	h.st = st
	h.mu.Unlock()

	if prev.State != st.State {
		metrics.RecordStateTransition(h.botID, string(prev.State), string(st.State))
		for _, s := range bot.States {
			metrics.SetCurrentState(h.botID, string(s), s == st.State)
		}
	}
	h.sup.log.Info("bot status", "bot", h.botID, "from", prev.State, "to", st.State, "reason", st.Reason)
	h.sup.pub.PublishStatus(h.botID, st)
}

func (h *handler) fault(f *Fault) {
	metrics.IncFault(h.botID, string(f.Kind))
	h.sup.log.Error("bot fault", "bot", h.botID, "kind", f.Kind, "error", f.Err)
}

func (h *handler) start(ctx context.Context) (bot.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cur := h.status()
	if cur.State == bot.Starting || cur.State == bot.Running {
		return cur, ErrAlreadyRunning
	}

	lc, err := h.sup.resolver.Resolve(ctx, h.botID)
	if err != nil {
		f := newFault(KindConfig, h.botID, err)
		h.fault(f)
		return cur, f
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:        uuid.NewString(),
		BotID:     h.botID,
		BotName:   lc.BotName,
		StartedAt: now,
	}
	if err := h.sup.store.CreateSession(ctx, sess); err != nil {
		f := newFault(KindStorage, h.botID, fmt.Errorf("create session: %w", err))
		h.fault(f)
		return cur, f
	}

	r := &run{
		h:     h,
		sess:  sess,
		ready: make(chan struct{}),
	}
	r.openOutput()

	h.mu.Lock()
	h.telem = bot.Telemetry{}
	h.hasTelem = false
	h.heartbeat = now
	h.mu.Unlock()
	h.setState(bot.Status{State: bot.Starting})

	spec := process.Spec{
		Name:    h.botID,
		Command: lc.Command,
		Args:    lc.Args,
		WorkDir: lc.WorkDir,
		Env:     lc.Env,
	}
	proc, err := process.Start(spec, r.onLine)
	if err != nil {
		r.closeOutput()
		h.closeSession(sess.ID)
		f := newFault(KindSpawn, h.botID, err)
		h.fault(f)
		h.setState(bot.Status{State: bot.Error, Reason: "spawn failed: " + err.Error()})
		return h.status(), f
	}
	r.proc = proc
	r.spawnedAt = time.Now()

	h.mu.Lock()
	h.cur = r
	h.rec = bot.Process{
		BotID:     h.botID,
		BotName:   lc.BotName,
		PID:       proc.PID(),
		StartedAt: now,
		SessionID: sess.ID,
	}
	h.hasRec = true
	h.lastProc = proc
	h.mu.Unlock()
	metrics.IncStart(h.botID)
	h.sup.log.Info("bot spawned", "bot", h.botID, "pid", proc.PID(), "session", sess.ID)

	if h.sup.cfg.ReadinessTimeout <= 0 {
		h.markRunning()
	} else {
		r.timer = time.NewTimer(h.sup.cfg.ReadinessTimeout)
	}
	return h.status(), nil
}

func (h *handler) markRunning() {
	r := h.current()
	if r == nil || h.status().State != bot.Starting {
		return
	}
	r.stopTimer()
	metrics.ObserveReadiness(h.botID, time.Since(r.spawnedAt).Seconds())
	h.setState(bot.Status{State: bot.Running})
}

func (h *handler) readinessTimeout() {
	r := h.current()
	if r == nil {
		return
	}
	select {
	case <-r.ready:
		// first line arrived as the timer fired
		h.markRunning()
		return
	default:
	}
	select {
	case <-r.proc.Done():
		// exited before the timer fired; report the exit instead
		h.exited()
		return
	default:
	}
	d := h.sup.cfg.ReadinessTimeout
	f := newFault(KindTimeout, h.botID, fmt.Errorf("no output within %s", d))
	h.fault(f)
	h.kill(r)
	h.finish(r, bot.Status{State: bot.Error, Reason: fmt.Sprintf("readiness timeout after %s", d)})
}

// exited handles a child that ended without being asked to.
func (h *handler) exited() {
	r := h.current()
	if r == nil {
		return
	}
	ex, _ := r.proc.Exit()
	f := newFault(KindRuntime, h.botID, fmt.Errorf("exited unexpectedly: %s", ex.Reason()))
	h.fault(f)
	h.finish(r, bot.Status{State: bot.Error, Reason: fmt.Sprintf("process exited unexpectedly (%s)", ex.Reason())})
}

func (h *handler) stop(graceful bool) (bot.Status, error) {
	r := h.current()
	if r == nil {
		return h.status(), nil
	}
	h.setState(bot.Status{State: bot.Stopping})
	r.stopTimer()

	if graceful {
		if err := r.proc.Terminate(); err != nil {
			h.sup.log.Warn("terminate failed", "bot", h.botID, "error", err)
		}
		if !waitDone(r.proc, h.sup.cfg.StopGrace) {
			h.fault(newFault(KindTimeout, h.botID, fmt.Errorf("did not exit within %s of SIGTERM", h.sup.cfg.StopGrace)))
			h.kill(r)
		}
	} else {
		h.kill(r)
	}
	metrics.IncStop(h.botID)
	h.finish(r, bot.Status{State: bot.Stopped})
	return h.status(), nil
}

func (h *handler) fail(reason string) (bot.Status, error) {
	if reason == "" {
		reason = "fault reported"
	}
	r := h.current()
	if r == nil {
		return h.status(), nil
	}
	h.fault(newFault(KindRuntime, h.botID, errors.New(reason)))
	r.stopTimer()
	h.kill(r)
	h.finish(r, bot.Status{State: bot.Error, Reason: reason})
	return h.status(), nil
}

// kill SIGKILLs the process tree and waits for the run to end.
func (h *handler) kill(r *run) {
	if err := r.proc.Kill(); err != nil {
		h.sup.log.Warn("kill failed", "bot", h.botID, "error", err)
	}
	if !waitDone(r.proc, h.sup.cfg.KillTimeout) {
		h.fault(newFault(KindTimeout, h.botID, fmt.Errorf("did not exit within %s of SIGKILL", h.sup.cfg.KillTimeout)))
		<-r.proc.Done()
	}
}

// finish runs after the child and its pump are done: it closes the session
// and publishes the terminal status.
func (h *handler) finish(r *run, st bot.Status) {
	r.stopTimer()
	r.closeOutput()
	h.closeSession(r.sess.ID)
	if ex, ok := r.proc.Exit(); ok {
		h.sup.log.Info("bot exited", "bot", h.botID, "pid", r.proc.PID(), "exit", ex.Reason())
	}
	h.mu.Lock()
	h.cur = nil
	h.mu.Unlock()
	h.setState(st)
}

func (h *handler) closeSession(id string) {
	ctx, cancel := h.sup.storeCtx()
	defer cancel()
	if err := h.sup.store.CloseSession(ctx, id, time.Now().UTC()); err != nil {
		metrics.IncStorageFault(h.botID)
		h.fault(newFault(KindStorage, h.botID, fmt.Errorf("close session %s: %w", id, err)))
	}
}

func waitDone(p *process.Handle, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.Done():
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	}
}

// run is one execution of a bot. seq and the output writers belong to the
// pump goroutine that calls onLine.
type run struct {
	h         *handler
	sess      session.Session
	proc      *process.Handle
	spawnedAt time.Time
	timer     *time.Timer

	ready     chan struct{}
	readyOnce sync.Once

	seq          int64
	stdout       io.WriteCloser
	stderr       io.WriteCloser
	outputClosed bool
}

func (r *run) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *run) openOutput() {
	cfg := r.h.sup.output
	if cfg == nil {
		return
	}
	out, errw, err := cfg.ProcessWriters(r.h.botID)
	if err != nil {
		r.h.sup.log.Warn("raw output mirroring disabled", "bot", r.h.botID, "error", err)
		return
	}
	r.stdout, r.stderr = out, errw
}

// closeOutput is called after the pump finished or when spawn failed.
func (r *run) closeOutput() {
	if r.outputClosed {
		return
	}
	r.outputClosed = true
	for _, w := range []io.WriteCloser{r.stdout, r.stderr} {
		if w != nil {
			_ = w.Close()
		}
	}
}

// onLine is the pump: it is called sequentially for every output line.
func (r *run) onLine(l process.Line) {
	h := r.h
	s := h.sup
	h.touch(l.Time)
	r.readyOnce.Do(func() { close(r.ready) })
	r.mirror(l)

	if t, ok := parseTelemetry(l.Text, l.Time.UTC()); ok {
		switch t.kind {
		case telemetryPosition:
			h.setPosition(t.position, l.Time.UTC())
		case telemetryInventory:
			h.setInventory(t.inventory, l.Time.UTC())
		}
		return
	}

	res := classify.Classify(l.Text)
	r.seq++
	entry := session.LogEntry{
		BotID:     h.botID,
		SessionID: r.sess.ID,
		Seq:       r.seq,
		Timestamp: l.Time.UTC(),
		Level:     res.Level,
		Message:   res.Message,
		RawLine:   l.Text,
		Stream:    session.Stream(l.Stream),
	}
	ctx, cancel := s.storeCtx()
	err := s.store.Append(ctx, entry)
	cancel()
	if err != nil {
		metrics.IncStorageFault(h.botID)
		h.fault(newFault(KindStorage, h.botID, fmt.Errorf("append seq %d: %w", entry.Seq, err)))
	}
	metrics.IncLogLine(h.botID, string(res.Level))
	if s.echo {
		s.log.Log(context.Background(), res.Level.Slog(), res.Message, "bot", h.botID, "stream", l.Stream, "seq", entry.Seq)
	}
	s.pub.PublishLog(h.botID, entry)
}

func (r *run) mirror(l process.Line) {
	w := r.stdout
	if l.Stream == process.Stderr {
		w = r.stderr
	}
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, l.Text+"\n")
}
