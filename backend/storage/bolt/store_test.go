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

package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "efdm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTemp(t) })
}

func TestCreationTimeNeverGoesBackwards(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	chat, _, err := s.FindOrCreateDirectChat(ctx, 1, 2)
	require.NoError(t, err)
	a := storagetest.Message(chat.ID, 1, 2)
	b := storagetest.Message(chat.ID, 2, 1)
	require.NoError(t, s.InsertMessage(ctx, a))
	require.NoError(t, s.InsertMessage(ctx, b))

	assert.True(t, b.CreatedAt.After(a.CreatedAt))
	assert.Greater(t, b.ID, a.ID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "efdm.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	chat, _, err := s.FindOrCreateDirectChat(ctx, 1, 2)
	require.NoError(t, err)
	m := storagetest.Message(chat.ID, 1, 2)
	require.NoError(t, s.InsertMessage(ctx, m))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.NoError(t, s.Ping(ctx))
}
