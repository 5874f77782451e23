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

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("service: %w", Forbidden("Not a participant"))

	assert.Equal(t, CodeForbidden, CodeOf(err))
	assert.True(t, errors.Is(err, Forbidden("")))
	assert.False(t, errors.Is(err, NotFound("")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidInput:  http.StatusBadRequest,
		CodeUnauthorized:  http.StatusUnauthorized,
		CodeForbidden:     http.StatusForbidden,
		CodeNotFound:      http.StatusNotFound,
		CodeConflict:      http.StatusConflict,
		CodeCryptoFailure: http.StatusUnprocessableEntity,
		CodeInternal:      http.StatusInternalServerError,
		Code("other"):     http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, Status(code), code)
	}
}

func TestPublicMessageHidesCauses(t *testing.T) {
	cause := errors.New("pq: connection refused")

	assert.Equal(t, "Internal server error", PublicMessage(Internal("insert message", cause)))
	assert.Equal(t, "Internal server error", PublicMessage(cause))
	assert.Equal(t, "could not process", PublicMessage(CryptoFailure(cause)))
	assert.Equal(t, "Chat not found", PublicMessage(NotFound("Chat not found")))

	err := Internal("insert message", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}
