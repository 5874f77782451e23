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

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/storagetest"
)

// openTest connects to EFDM_TEST_DATABASE_URL and empties every table.
func openTest(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("EFDM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EFDM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(ctx))
	_, err = s.db.ExecContext(ctx, `TRUNCATE messages, dm_pairs, chat_participants, chats, identities RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTest(t) })
}

func TestConcurrentChatCreationConverges(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	const n = 8
	ids := make([]int64, n)
	created := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chat, c, err := s.FindOrCreateDirectChat(ctx, 40, 41)
			if assert.NoError(t, err) {
				ids[i], created[i] = chat.ID, c
			}
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTest(t)
	assert.NoError(t, s.Migrate(context.Background()))
}
