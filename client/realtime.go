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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/models"
)

// Realtime event names.
const (
	EventJoinChat        = "join_chat"
	EventLeaveChat       = "leave_chat"
	EventNewMessage      = "new message"
	EventMessageReceived = "message received"
	EventMessageDeleted  = "message deleted"
	EventError           = "error"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one server frame. Exactly one of Message, Deleted or Error is
// set, according to Kind.
type Event struct {
	Kind    string
	Message *models.Message
	Deleted *models.MessageDeleted
	Error   string
}

// Realtime is a WebSocket connection to the server's realtime channel.
type Realtime struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	closing chan struct{}
	done    chan struct{}
	err     error
	once    sync.Once
}

// DialRealtime connects to the realtime channel of the server at base.
func DialRealtime(ctx context.Context, base, token string) (*Realtime, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/v1/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return nil, fmt.Errorf("efdm realtime: %w", err)
	}

	r := &Realtime{
		conn:    conn,
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Events delivers server frames until the connection closes.
func (r *Realtime) Events() <-chan Event { return r.events }

// Err returns the error that ended the connection, once Events is closed.
func (r *Realtime) Err() error {
	<-r.done
	return r.err
}

func (r *Realtime) readLoop() {
	defer close(r.done)
	defer close(r.events)

	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.err = err
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		ev := Event{Kind: f.Event}
		switch f.Event {
		case EventMessageReceived:
			ev.Message = new(models.Message)
			if err := json.Unmarshal(f.Data, ev.Message); err != nil {
				continue
			}
		case EventMessageDeleted:
			ev.Deleted = new(models.MessageDeleted)
			if err := json.Unmarshal(f.Data, ev.Deleted); err != nil {
				continue
			}
		case EventError:
			var e struct {
				Message string `json:"message"`
			}
			json.Unmarshal(f.Data, &e)
			ev.Error = e.Message
		default:
			continue
		}
		select {
		case r.events <- ev:
		case <-r.closing:
			return
		}
	}
}

func (r *Realtime) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(frame{Event: event, Data: raw})
}

// Join subscribes to chatID's room.
func (r *Realtime) Join(chatID int64) error {
	return r.send(EventJoinChat, chatID)
}

func (r *Realtime) Leave(chatID int64) error {
	return r.send(EventLeaveChat, chatID)
}

// Publish relays a message the server accepted to the chat's other
// connections.
func (r *Realtime) Publish(msg *models.Message) error {
	return r.send(EventNewMessage, msg)
}

// Close ends the connection and waits for the reader to stop.
func (r *Realtime) Close() error {
	r.once.Do(func() { close(r.closing) })
	r.writeMu.Lock()
	r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}
