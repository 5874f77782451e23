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

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/service"
)

type KeyHandler struct {
	identities *service.IdentityService
	log        *logging.Logger
}

func NewKeyHandler(identities *service.IdentityService, log *logging.Logger) *KeyHandler {
	return &KeyHandler{identities: identities, log: log}
}

// RegisterKeys handles PUT /user/keys
func (h *KeyHandler) RegisterKeys(w http.ResponseWriter, r *http.Request) {
	c, err := caller(r)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	var registration models.KeyRegistration
	if err := decodeBody(w, r, &registration); err != nil {
		writeError(w, h.log, r, err)
		return
	}

	id, created, err := h.identities.Register(r.Context(), c, registration)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	status, message := http.StatusOK, "Keys already registered"
	if created {
		status, message = http.StatusCreated, "Keys registered"
		h.log.Noticef("user %d registered public keys", c.ID)
	}
	writeJSON(w, status, body{
		"success": true,
		"message": message,
		"data":    id,
	})
}

// GetPublicKey handles GET /user/public-key/{userId}
func (h *KeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}

	id, err := h.identities.PublicKeys(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body{
		"success":          true,
		"userId":           id.UserID,
		"publicKey":        id.EncryptPublicKey,
		"signingPublicKey": id.SignPublicKey,
	})
}
