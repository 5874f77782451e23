// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/realtime"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	DefaultPingGap = 30 * time.Second
)

// RealtimeHandler upgrades GET /ws to a WebSocket bound to the caller.
type RealtimeHandler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	ping     time.Duration
	log      *logging.Logger
}

func NewRealtimeHandler(hub *realtime.Hub, allowedOrigins []string, ping time.Duration, log *logging.Logger) *RealtimeHandler {
	if ping <= 0 {
		ping = DefaultPingGap
	}
	return &RealtimeHandler{
		hub:  hub,
		ping: ping,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origin, allowedOrigins)
			},
		},
	}
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client
		h.log.Debugf("websocket upgrade for user %d: %v", c.ID, err)
		return
	}

	sub := h.hub.Register(c.ID)
	h.log.Debugf("user %d connected as %s", c.ID, sub.ID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, sub)
	}()

	h.readPump(r.Context(), conn, sub)
	h.hub.Unregister(sub)
	<-done
	h.log.Debugf("user %d disconnected (%s)", c.ID, sub.ID())
}

func (h *RealtimeHandler) readPump(ctx context.Context, conn *websocket.Conn, sub *realtime.Subscriber) {
	pongWait := h.ping * 2
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugf("read from %s: %v", sub.ID(), err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.hub.Handle(ctx, sub, data)
	}
}

// writePump drains sub's frames until it is unregistered, then closes
// the connection.
func (h *RealtimeHandler) writePump(conn *websocket.Conn, sub *realtime.Subscriber) {
	ticker := time.NewTicker(h.ping)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// Unblocks the reader
				conn.Close()
				h.drain(sub)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				h.drain(sub)
				return
			}
		}
	}
}

// drain discards frames until the reader unregisters sub.
func (h *RealtimeHandler) drain(sub *realtime.Subscriber) {
	for range sub.Frames() {
	}
}
