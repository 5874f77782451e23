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
	"net/http"
	"strconv"

	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/service"
)

type MessageHandler struct {
	messages *service.MessageService
	hub      *realtime.Hub
	log      *logging.Logger
}

func NewMessageHandler(messages *service.MessageService, hub *realtime.Hub, log *logging.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, hub: hub, log: log}
}

// Send handles POST /message
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	var req service.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	msg, err := h.messages.Send(r.Context(), c, req)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, body{
		"success": true,
		"message": "Message sent",
		"data":    msg,
	})
}

// List handles GET /message/{chatId}?limit=&cursor=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	chatID, err := pathID(r, "chatId")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, h.log, r, apperr.InvalidInput("limit must be a positive integer"))
			return
		}
	}
	var cursor *int64
	if v := q.Get("cursor"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, h.log, r, apperr.InvalidInput("cursor must be a positive integer"))
			return
		}
		cursor = &id
	}

	page, err := h.messages.FetchPage(r.Context(), c, chatID, limit, cursor)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	writeJSON(w, http.StatusOK, body{
		"success":    true,
		"data":       page.Messages,
		"nextCursor": page.NextCursor,
	})
}

// Delete handles DELETE /message/{messageId}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	messageID, err := pathID(r, "messageId")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	msg, err := h.messages.Delete(r.Context(), c, messageID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	h.hub.NotifyDeleted(r.Context(), msg.ChatID, msg.ID)

	writeJSON(w, http.StatusOK, body{
		"success": true,
		"message": "Message deleted",
	})
}
