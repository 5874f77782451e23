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

// Package handlers exposes the messaging services over HTTP and
// WebSocket. Every JSON response carries a success flag.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

// maxBodyBytes bounds request bodies; an envelope for two 2048-bit
// recipients is well under 2 KiB.
const maxBodyBytes = 64 << 10

type body map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, b body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(b)
}

// writeError answers with the status of err's code. Internal causes are
// logged, never sent.
func writeError(w http.ResponseWriter, log *logging.Logger, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodeCryptoFailure {
		log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, apperr.Status(code), body{
		"success": false,
		"message": apperr.PublicMessage(err),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidInput("Invalid request body")
	}
	return nil
}

func caller(r *http.Request) (models.Caller, error) {
	c, ok := middleware.GetCaller(r)
	if !ok {
		return models.Caller{}, apperr.Unauthorized("Unauthorized")
	}
	return c, nil
}

// pathID parses the positive integer path variable name.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput("Invalid " + name)
	}
	return id, nil
}
