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

// Package realtime relays freshly sent messages to the other participants
// of a chat. Rooms are keyed chat_<id>. Delivery is best effort: a full
// subscriber buffer drops the frame instead of stalling the publisher.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/models"
)

const DefaultBuffer = 64

// Authorizer decides whether a user may join a chat's room.
type Authorizer interface {
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
}

// Relay is a frame travelling between hub nodes.
type Relay struct {
	Node   string          `json:"node"`
	Room   string          `json:"room"`
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Broker carries frames to the hubs of other server nodes.
type Broker interface {
	Publish(ctx context.Context, r Relay) error
	// Subscribe calls deliver for every relay published by any node until
	// ctx is done.
	Subscribe(ctx context.Context, deliver func(Relay)) error
}

// Config configures a Hub. Broker may be nil for a single node.
type Config struct {
	Authorizer Authorizer
	Broker     Broker
	Buffer     int
	Log        *logging.Logger
}

// Hub is the process local room registry.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}

	authz  Authorizer
	broker Broker
	node   string
	buffer int
	log    *logging.Logger
}

func NewHub(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("efdm/realtime")
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		authz:  cfg.Authorizer,
		broker: cfg.Broker,
		node:   uuid.NewString(),
		buffer: cfg.Buffer,
		log:    cfg.Log,
	}
}

// Register creates a subscriber handle for one connection of userID.
func (h *Hub) Register(userID int64) *Subscriber {
	instrument.SubscriberConnected()
	return &Subscriber{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, h.buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Unregister removes s from every room and closes its frame channel.
func (h *Hub) Unregister(s *Subscriber) {
	rooms, ok := s.close()
	if !ok {
		return
	}
	instrument.SubscriberDisconnected()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		h.remove(room, s)
	}
}

func (h *Hub) remove(room string, s *Subscriber) {
	members := h.rooms[room]
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Join subscribes s to the room of chatID once membership is confirmed.
func (h *Hub) Join(ctx context.Context, s *Subscriber, chatID int64) error {
	if chatID <= 0 {
		return apperr.InvalidInput("Invalid chat id")
	}
	ok, err := h.authz.IsParticipant(ctx, chatID, s.userID)
	if err != nil {
		return apperr.Internal("check membership", err)
	}
	if !ok {
		return apperr.Forbidden("Not a participant of this chat")
	}

	room := models.Room(chatID)
	if !s.addRoom(room) {
		return apperr.Unauthorized("Connection closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	return nil
}

// Leave unsubscribes s from the room of chatID.
func (h *Hub) Leave(s *Subscriber, chatID int64) {
	room := models.Room(chatID)
	s.removeRoom(room)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(room, s)
}

// Publish relays msg from s to every other connection in the chat's room.
// s must have joined the room and be the message's sender.
func (h *Hub) Publish(ctx context.Context, s *Subscriber, msg *models.Message) error {
	room := models.Room(msg.ChatID)
	if !s.inRoom(room) {
		return apperr.Forbidden("Join the chat before publishing")
	}
	if msg.SenderID != s.userID {
		return apperr.Forbidden("Cannot publish on behalf of another user")
	}
	frame, err := Encode(EventMessageReceived, msg)
	if err != nil {
		return apperr.Internal("encode frame", err)
	}
	h.fanOut(ctx, room, frame, s.id)
	return nil
}

// NotifyDeleted tells every connection in the chat's room that a message
// was removed.
func (h *Hub) NotifyDeleted(ctx context.Context, chatID, messageID int64) {
	frame, err := Encode(EventMessageDeleted, models.MessageDeleted{ID: messageID, ChatID: chatID})
	if err != nil {
		h.log.Errorf("encode delete notification: %v", err)
		return
	}
	h.fanOut(ctx, models.Room(chatID), frame, "")
}

func (h *Hub) fanOut(ctx context.Context, room string, frame []byte, origin string) {
	h.broadcast(room, frame, origin)
	if h.broker == nil {
		return
	}
	err := h.broker.Publish(ctx, Relay{Node: h.node, Room: room, Origin: origin, Frame: frame})
	if err != nil {
		h.log.Warningf("broker publish to %s: %v", room, err)
	}
}

// broadcast delivers frame to every member of room except the subscriber
// with id exclude. It returns the number of deliveries.
func (h *Hub) broadcast(room string, frame []byte, exclude string) int {
	h.mu.RLock()
	members := make([]*Subscriber, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		if s.id != exclude {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if s.deliver(frame) {
			delivered++
			continue
		}
		instrument.RealtimeDropped()
		h.log.Debugf("dropped frame for subscriber %s in %s", s.id, room)
	}
	return delivered
}

// Members returns the number of connections in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Run consumes relays from other nodes until ctx is done. It returns
// immediately without a broker.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	err := h.broker.Subscribe(ctx, func(r Relay) {
		if r.Node == h.node {
			return
		}
		h.broadcast(r.Room, r.Frame, r.Origin)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle dispatches one client frame. Failures are reported to s as an
// error event; the connection stays open.
func (h *Hub) Handle(ctx context.Context, s *Subscriber, raw []byte) {
	if err := h.handle(ctx, s, raw); err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			h.log.Errorf("realtime: user %d: %v", s.userID, err)
		}
		frame, encErr := Encode(EventError, ErrorData{Message: apperr.PublicMessage(err)})
		if encErr == nil {
			s.deliver(frame)
		}
	}
}

func (h *Hub) handle(ctx context.Context, s *Subscriber, raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return apperr.InvalidInput("Malformed frame")
	}
	switch f.Event {
	case EventJoinChat, EventLeaveChat:
		var chatID int64
		if err := json.Unmarshal(f.Data, &chatID); err != nil {
			return apperr.InvalidInput("Invalid chat id")
		}
		if f.Event == EventLeaveChat {
			h.Leave(s, chatID)
			return nil
		}
		return h.Join(ctx, s, chatID)
	case EventNewMessage:
		var msg models.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return apperr.InvalidInput("Invalid message")
		}
		return h.Publish(ctx, s, &msg)
	default:
		return apperr.InvalidInput("Unknown event")
	}
}
