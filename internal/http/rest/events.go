package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/italolelis/firmware_updater/internal/controller"
	"github.com/italolelis/firmware_updater/internal/logctx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleEvents streams controller events over a websocket. Every known update
// is sent first as a status event so clients start from a full picture.
func (h *UpdatesHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context()).With("remote_addr", r.RemoteAddr)

	// subscribe before the snapshot so nothing between the two is lost
	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed to upgrade to websocket", "err", err)

		return
	}
	defer conn.Close()

	logger.Debug("event stream connected")

	closed := make(chan struct{})

	go func() {
		defer close(closed)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev controller.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug("event stream write failed", "err", err)

			return false
		}

		return true
	}

	for _, snap := range h.ctrl.Updates() {
		if !send(controller.Event{Kind: controller.EventStatus, Update: snap}) {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("event stream closed by client")

			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok || !send(ev) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
