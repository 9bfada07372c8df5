package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/botvisr/internal/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

func (r *Router) upgrader() *websocket.Upgrader {
	allowed := r.opts.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
		},
	}
}

// handleWS streams bus events as JSON text messages. Clients only send
// control frames; anything else they write is discarded.
func (r *Router) handleWS(c *gin.Context) {
	topic := c.DefaultQuery("bot", broadcast.AllBots)
	if topic != broadcast.AllBots && !isSafeName(topic) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid bot id"})
		return
	}
	conn, err := r.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		r.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := r.bus.Subscribe(topic)
	r.log.Debug("websocket subscribed", "topic", topic, "remote", c.Request.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	r.pumpEvents(conn, sub, closed)
	sub.Close()
	_ = conn.Close()
	<-closed
	r.log.Debug("websocket closed", "topic", topic, "dropped", sub.Dropped())
}

func (r *Router) pumpEvents(conn *websocket.Conn, sub *broadcast.Subscription, closed <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
