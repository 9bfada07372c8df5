package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/broadcast"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/resolver"
	"github.com/loykin/botvisr/internal/session"
	"github.com/loykin/botvisr/internal/supervisor"
)

// Router provides embeddable HTTP handlers for controlling bots.
// Endpoints (relative to basePath):
//
//	GET  /bots                        statuses of all known bots
//	GET  /bots/:id                    status and process record
//	POST /bots/:id/start
//	POST /bots/:id/stop               query: graceful=true|false (default true)
//	POST /bots/:id/fail               body: {"reason": "..."}
//	POST /bots/:id/position           body: Position
//	POST /bots/:id/inventory          body: []InventoryItem
//	GET  /bots/:id/telemetry
//	GET  /bots/:id/active             active session lookup
//	GET  /bots/:id/resources          sampled CPU/memory when enabled
//	GET  /sessions                    query: bot=...
//	GET  /sessions/:id
//	GET  /sessions/:id/entries        query: offset, limit
//	GET  /ws                          query: bot=<id|*>, websocket event stream
//
// GET /metrics is mounted at the root when metrics are enabled.
type Router struct {
	sup      *supervisor.Supervisor
	store    session.Store
	bus      *broadcast.Bus
	basePath string
	opts     Options
	log      *slog.Logger
}

// Options holds the optional parts of a Router.
type Options struct {
	BasePath string
	// AllowedOrigins restricts websocket origins; empty allows any.
	AllowedOrigins []string
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
	Sampler *metrics.ResourceSampler
	Logger  *slog.Logger
	// StopTimeout bounds a stop request; zero means 30s.
	StopTimeout time.Duration
}

func NewRouter(sup *supervisor.Supervisor, store session.Store, bus *broadcast.Bus, opts Options) *Router {
	r := &Router{
		sup:      sup,
		store:    store,
		bus:      bus,
		basePath: sanitizeBase(opts.BasePath),
		opts:     opts,
		log:      opts.Logger,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.opts.StopTimeout <= 0 {
		r.opts.StopTimeout = 30 * time.Second
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/bots", r.handleList)

	b := group.Group("/bots/:id", r.requireBotID)
	b.GET("", r.handleGet)
	b.POST("/start", r.handleStart)
	b.POST("/stop", r.handleStop)
	b.POST("/fail", r.handleFail)
	b.POST("/position", r.handlePosition)
	b.POST("/inventory", r.handleInventory)
	b.GET("/telemetry", r.handleTelemetry)
	b.GET("/active", r.handleActive)
	b.GET("/resources", r.handleResources)

	group.GET("/sessions", r.handleSessions)
	group.GET("/sessions/:id", r.handleSession)
	group.GET("/sessions/:id/entries", r.handleEntries)
	group.GET("/ws", r.handleWS)
	return g
}

// NewServer builds an HTTP server for handler. The caller runs ListenAndServe.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		// websocket streams are long-lived; a zero write timeout keeps them open
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	ID     string     `json:"id"`
	Status bot.Status `json:"status"`
}

type botResp struct {
	ID      string       `json:"id"`
	Status  bot.Status   `json:"status"`
	Process *bot.Process `json:"process,omitempty"`
}

type failReq struct {
	Reason string `json:"reason"`
}

func (r *Router) requireBotID(c *gin.Context) {
	if !isSafeName(c.Param("id")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid bot id: allowed [A-Za-z0-9._-] and no '..'"})
		c.Abort()
		return
	}
	c.Next()
}

// writeError maps supervisor and store errors onto HTTP status codes.
func writeError(c *gin.Context, st *bot.Status, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, resolver.ErrUnknownBot), errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case supervisor.IsKind(err, supervisor.KindConfig):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusGatewayTimeout
	}
	if st != nil && st.State != "" {
		writeJSON(c, code, struct {
			errorResp
			Status bot.Status `json:"status"`
		}{errorResp{Error: err.Error()}, *st})
		return
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func (r *Router) handleList(c *gin.Context) {
	sts := r.sup.ListStatuses()
	out := make([]statusResp, 0, len(sts))
	for id, st := range sts {
		out = append(out, statusResp{ID: id, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	resp := botResp{ID: id, Status: r.sup.Status(id)}
	if p, ok := r.sup.Process(id); ok {
		resp.Process = &p
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	id := c.Param("id")
	st, err := r.sup.Start(c.Request.Context(), id)
	if err != nil {
		writeError(c, &st, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResp{ID: id, Status: st})
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	graceful := true
	if g := c.Query("graceful"); g != "" {
		v, err := strconv.ParseBool(g)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "graceful must be true or false"})
			return
		}
		graceful = v
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opts.StopTimeout)
	defer cancel()
	st, err := r.sup.Stop(ctx, id, supervisor.StopOptions{Graceful: graceful})
	if err != nil {
		writeError(c, nil, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResp{ID: id, Status: st})
}

func (r *Router) handleFail(c *gin.Context) {
	id := c.Param("id")
	var req failReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	st, err := r.sup.Fail(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResp{ID: id, Status: st})
}

func (r *Router) handlePosition(c *gin.Context) {
	var p bot.Position
	if err := c.ShouldBindJSON(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.ReportPosition(c.Param("id"), p); err != nil {
		writeError(c, nil, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleInventory(c *gin.Context) {
	var items []bot.InventoryItem
	if err := c.ShouldBindJSON(&items); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.ReportInventory(c.Param("id"), items); err != nil {
		writeError(c, nil, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleTelemetry(c *gin.Context) {
	t, ok := r.sup.Telemetry(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no telemetry reported"})
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (r *Router) handleActive(c *gin.Context) {
	a, err := r.store.IsActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

type resourcesResp struct {
	Latest  metrics.ResourceUsage   `json:"latest"`
	History []metrics.ResourceUsage `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	s := r.opts.Sampler
	if s == nil || !s.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	id := c.Param("id")
	latest, ok := s.Latest(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for bot"})
		return
	}
	writeJSON(c, http.StatusOK, resourcesResp{Latest: latest, History: s.History(id)})
}

func (r *Router) handleSessions(c *gin.Context) {
	var (
		ss  []session.Session
		err error
	)
	if id := c.Query("bot"); id != "" {
		ss, err = r.store.ListSessionsForBot(c.Request.Context(), id)
	} else {
		ss, err = r.store.ListSessions(c.Request.Context())
	}
	if err != nil {
		writeError(c, nil, err)
		return
	}
	if ss == nil {
		ss = []session.Session{}
	}
	writeJSON(c, http.StatusOK, ss)
}

func (r *Router) handleSession(c *gin.Context) {
	s, err := r.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, nil, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleEntries(c *gin.Context) {
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "offset must be a non-negative integer"})
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := r.store.GetSession(ctx, id); err != nil {
		writeError(c, nil, err)
		return
	}
	es, err := r.store.GetEntries(ctx, id, offset, limit)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	if es == nil {
		es = []session.LogEntry{}
	}
	writeJSON(c, http.StatusOK, es)
}
