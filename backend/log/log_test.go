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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "efdm.log")
	b, err := New(path, "notice", false)
	require.NoError(t, err)

	l := b.GetLogger("efdm/test")
	l.Error("compensation failed")
	l.Debug("hidden")
	fmt.Fprintln(b.GetLogWriter("efdm/http", "WARNING"), "listener hiccup")
	require.NoError(t, b.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "ERRO efdm/test: compensation failed")
	assert.Contains(t, string(out), "WARN efdm/http: listener hiccup")
	assert.NotContains(t, string(out), "hidden")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "verbose", false)
	assert.Error(t, err)
	assert.False(t, ValidLevel("verbose"))
	assert.True(t, ValidLevel("debug"))
}

func TestDisabledBackend(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	b.GetLogger("efdm/quiet").Error("nowhere")
	assert.NoError(t, b.Rotate())
}
