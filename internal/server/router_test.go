package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/broadcast"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/resolver"
	"github.com/loykin/botvisr/internal/session"
	"github.com/loykin/botvisr/internal/session/memory"
	"github.com/loykin/botvisr/internal/supervisor"
)

type testEnv struct {
	h     http.Handler
	r     *Router
	sup   *supervisor.Supervisor
	store *memory.Store
	bus   *broadcast.Bus
}

func shBot(id, script string) resolver.BotSpec {
	return resolver.BotSpec{ID: id, Name: "bot " + id, Command: "/bin/sh", Args: []string{"-c", script}}
}

func setupRouter(t *testing.T, opts Options, bots ...resolver.BotSpec) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	res, err := resolver.NewStatic(bots, nil, nil, nil)
	require.NoError(t, err)
	e := &testEnv{store: memory.New(), bus: broadcast.New()}
	e.sup = supervisor.New(res, e.store, e.bus, supervisor.Config{
		ReadinessTimeout: 5 * time.Second,
		StopGrace:        2 * time.Second,
		KillTimeout:      2 * time.Second,
		AppendTimeout:    time.Second,
	})
	e.r = NewRouter(e.sup, e.store, e.bus, opts)
	e.h = e.r.Handler()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.sup.Shutdown(ctx)
		e.bus.Close()
	})
	return e
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) waitState(t *testing.T, id string, want bot.State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.sup.Status(id).State == want }, 5*time.Second, 10*time.Millisecond)
}

func TestListBots(t *testing.T) {
	e := setupRouter(t, Options{BasePath: "/api"}, shBot("b", "exec sleep 30"), shBot("a", "exec sleep 30"))
	rec := doReq(t, e.h, http.MethodGet, "/api/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[[]statusResp](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, bot.Idle, got[0].Status.State)
	assert.Equal(t, "b", got[1].ID)
}

func TestStartStopLifecycle(t *testing.T) {
	e := setupRouter(t, Options{}, shBot("miner", "echo ready; exec sleep 30"))

	rec := doReq(t, e.h, http.MethodPost, "/bots/miner/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bot.Starting, decode[statusResp](t, rec).Status.State)

	rec = doReq(t, e.h, http.MethodPost, "/bots/miner/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	e.waitState(t, "miner", bot.Running)
	rec = doReq(t, e.h, http.MethodGet, "/bots/miner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[botResp](t, rec)
	require.NotNil(t, got.Process)
	assert.Positive(t, got.Process.PID)
	sessionID := got.Process.SessionID

	rec = doReq(t, e.h, http.MethodGet, "/bots/miner/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[session.Active](t, rec)
	assert.True(t, active.Active)
	assert.Equal(t, sessionID, active.SessionID)

	rec = doReq(t, e.h, http.MethodPost, "/bots/miner/stop?graceful=false", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, bot.Stopped, decode[statusResp](t, rec).Status.State)

	rec = doReq(t, e.h, http.MethodGet, "/sessions?bot=miner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ss := decode[[]session.Session](t, rec)
	require.Len(t, ss, 1)
	assert.NotNil(t, ss[0].EndedAt)

	rec = doReq(t, e.h, http.MethodGet, "/sessions/"+sessionID+"/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	es := decode[[]session.LogEntry](t, rec)
	require.Len(t, es, 1)
	assert.Equal(t, "ready", es[0].Message)
}

func TestStartErrors(t *testing.T) {
	e := setupRouter(t, Options{}, resolver.BotSpec{ID: "broken", Command: "/nonexistent/bot-binary"},
		resolver.BotSpec{ID: "nocred", Command: "/bin/true", CredentialKey: "missing"})

	rec := doReq(t, e.h, http.MethodPost, "/bots/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, e.h, http.MethodPost, "/bots/nocred/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = doReq(t, e.h, http.MethodPost, "/bots/broken/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body struct {
		Error  string     `json:"error"`
		Status bot.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, bot.Error, body.Status.State)
	assert.NotEmpty(t, body.Error)

	rec = doReq(t, e.h, http.MethodPost, "/bots/bad..id/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopBadQuery(t *testing.T) {
	e := setupRouter(t, Options{})
	rec := doReq(t, e.h, http.MethodPost, "/bots/a/stop?graceful=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, e.h, http.MethodPost, "/bots/a/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bot.Idle, decode[statusResp](t, rec).Status.State)
}

func TestFailEndpoint(t *testing.T) {
	e := setupRouter(t, Options{}, shBot("a", "echo up; exec sleep 30"))
	require.Equal(t, http.StatusOK, doReq(t, e.h, http.MethodPost, "/bots/a/start", nil).Code)
	e.waitState(t, "a", bot.Running)

	rec := doReq(t, e.h, http.MethodPost, "/bots/a/fail", failReq{Reason: "lost connection"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bot.Status{State: bot.Error, Reason: "lost connection"}, decode[statusResp](t, rec).Status)

	rec = doReq(t, e.h, http.MethodPost, "/bots/a/fail", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTelemetryEndpoints(t *testing.T) {
	e := setupRouter(t, Options{}, shBot("a", "echo up; exec sleep 30"))

	rec := doReq(t, e.h, http.MethodPost, "/bots/a/position", bot.Position{X: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, e.h, http.MethodGet, "/bots/a/telemetry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, doReq(t, e.h, http.MethodPost, "/bots/a/start", nil).Code)
	e.waitState(t, "a", bot.Running)

	rec = doReq(t, e.h, http.MethodPost, "/bots/a/position", bot.Position{X: 3, Y: 70, Z: -5, Dimension: "overworld"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = doReq(t, e.h, http.MethodPost, "/bots/a/inventory", []bot.InventoryItem{{Slot: 0, Name: "pickaxe", Count: 1}})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doReq(t, e.h, http.MethodGet, "/bots/a/telemetry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tel := decode[bot.Telemetry](t, rec)
	require.NotNil(t, tel.Position)
	assert.Equal(t, 70.0, tel.Position.Y)
	require.Len(t, tel.Inventory, 1)
	assert.Equal(t, "pickaxe", tel.Inventory[0].Name)

	req := httptest.NewRequest(http.MethodPost, "/bots/a/position", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	e.h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSessionEndpoints(t *testing.T) {
	e := setupRouter(t, Options{})
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, e.store.CreateSession(ctx, session.Session{ID: "s1", BotID: "a", StartedAt: now}))
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, e.store.Append(ctx, session.LogEntry{BotID: "a", SessionID: "s1", Seq: i, Timestamp: now, Message: "m", RawLine: "m", Stream: session.Stdout}))
	}

	rec := doReq(t, e.h, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]session.Session](t, rec), 1)

	rec = doReq(t, e.h, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decode[session.Session](t, rec).BotID)

	rec = doReq(t, e.h, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, e.h, http.MethodGet, "/sessions/nope/entries", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, e.h, http.MethodGet, "/sessions/s1/entries?offset=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	es := decode[[]session.LogEntry](t, rec)
	require.Len(t, es, 2)
	assert.Equal(t, int64(2), es[0].Seq)
	assert.Equal(t, int64(3), es[1].Seq)

	rec = doReq(t, e.h, http.MethodGet, "/sessions/s1/entries?offset=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = doReq(t, e.h, http.MethodGet, "/sessions/s1/entries?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, e.h, http.MethodGet, "/sessions?bot=zzz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestResourcesEndpoint(t *testing.T) {
	e := setupRouter(t, Options{})
	rec := doReq(t, e.h, http.MethodGet, "/bots/a/resources", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sampler := metrics.NewResourceSampler(metrics.SamplerConfig{Enabled: true, Interval: time.Hour})
	e2 := setupRouter(t, Options{Sampler: sampler}, shBot("a", "echo up; exec sleep 30"))
	require.Equal(t, http.StatusOK, doReq(t, e2.h, http.MethodPost, "/bots/a/start", nil).Code)
	e2.waitState(t, "a", bot.Running)

	sampler.Sample(e2.sup.PIDs())
	rec = doReq(t, e2.h, http.MethodGet, "/bots/a/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[resourcesResp](t, rec)
	assert.Positive(t, got.Latest.PID)
	assert.Len(t, got.History, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setupRouter(t, Options{Metrics: true, BasePath: "/api"})
	rec := doReq(t, e.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e2 := setupRouter(t, Options{})
	rec = doReq(t, e2.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler(), 0, 0)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Zero(t, srv.WriteTimeout)
	assert.Equal(t, ":0", srv.Addr)
}
