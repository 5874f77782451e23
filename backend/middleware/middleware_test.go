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

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

const secret = "test-secret"

func token(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{
		UserID:   42,
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "efchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

// echoCaller writes the caller seen by the handler.
var echoCaller = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCaller(r)
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	json.NewEncoder(w).Encode(caller)
})

func TestAuthAcceptsValidToken(t *testing.T) {
	h := NewAuthMiddleware(secret, "efchat")(echoCaller)

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+token(t, jwt.SigningMethodHS256, []byte(secret), validClaims()), nil),
	} {
		if r.URL.Query().Get("token") == "" {
			r.Header.Set("Authorization", "Bearer "+token(t, jwt.SigningMethodHS256, []byte(secret), validClaims()))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"ID":42,"Username":"alice"}`, rec.Body.String())
	}
}

func TestAuthRejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "elsewhere"
	noUser := validClaims()
	noUser.UserID = 0

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"garbage":        "Bearer not.a.token",
		"wrong secret":   "Bearer " + token(t, jwt.SigningMethodHS256, []byte("other"), validClaims()),
		"expired":        "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), expired),
		"no expiry":      "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), noExpiry),
		"wrong issuer":   "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), wrongIssuer),
		"no user":        "Bearer " + token(t, jwt.SigningMethodHS256, []byte(secret), noUser),
		"wrong alg":      "Bearer " + token(t, jwt.SigningMethodHS512, []byte(secret), validClaims()),
	}

	h := NewAuthMiddleware(secret, "efchat")(echoCaller)
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://efchat.net"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/message", nil)
	r.Header.Set("Origin", "https://efchat.net")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://efchat.net", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/message/1", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAccessLog(t *testing.T) {
	mem := logging.NewMemoryBackend(8)
	log := logging.MustGetLogger("efdm/test-access")
	log.SetBackend(logging.AddModuleLevel(mem))

	h := AccessLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/message", nil))

	require.NotNil(t, mem.Head())
	line := mem.Head().Record.Message()
	assert.True(t, strings.Contains(line, "POST /api/v1/message 201"), line)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
