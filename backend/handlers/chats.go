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

	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/service"
)

type ChatHandler struct {
	chats *service.ChatService
	log   *logging.Logger
}

func NewChatHandler(chats *service.ChatService, log *logging.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, log: log}
}

// AccessPrivate handles POST /chat/private, answering 201 when the chat
// was created by this call.
func (h *ChatHandler) AccessPrivate(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	var req struct {
		OtherUserID int64 `json:"otherUserId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	chat, created, err := h.chats.AccessChat(r.Context(), c, req.OtherUserID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, body{
		"success": true,
		"data":    chat,
	})
}

// List handles GET /chat
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	chats, err := h.chats.ListChats(r.Context(), c)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body{
		"success": true,
		"data":    chats,
	})
}
