package http

import (
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSHandler streams live leaderboard pages over websockets. Each connection
// subscribes to one (scope, period, quiz, batch) board; pages arrive on the
// hub cadence plus immediately after relevant attempts. Transient failures
// surface as in-band error messages without closing the stream; only client
// disconnect or a missed liveness probe tears the connection down.
type WSHandler struct {
	hub      *ranking.Hub
	sched    *ranking.Scheduler
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *ranking.Hub, sched *ranking.Scheduler) *WSHandler {
	return &WSHandler{
		hub:   hub,
		sched: sched,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type leaderboardMessage struct {
	Type        string             `json:"type"`
	Scope       domain.Scope       `json:"scope"`
	Period      domain.Period      `json:"period"`
	Leaderboard []domain.RankedRow `json:"leaderboard"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServeWS upgrades the request and pumps leaderboard ticks until disconnect.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	key := scopeKeyFromQuery(r)
	if err := key.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, cancel, err := h.hub.Subscribe(key, limit)
	if err != nil {
		_ = conn.WriteJSON(errorMessage{Type: "error", Message: err.Error()})
		return
	}
	defer cancel()
	h.sched.Track(key)

	var alive atomic.Bool
	alive.Store(true)
	conn.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case tick := <-sub.C:
			var msg any
			if tick.Err != nil {
				msg = errorMessage{Type: "error", Message: "failed to load leaderboard"}
			} else {
				msg = leaderboardMessage{
					Type:        "leaderboard",
					Scope:       tick.Page.Scope,
					Period:      tick.Page.Period,
					Leaderboard: tick.Page.Entries,
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-pingTicker.C:
			if !alive.Load() {
				return
			}
			alive.Store(false)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
