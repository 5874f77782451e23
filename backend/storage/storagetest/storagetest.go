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

// Package storagetest is the behavioural suite every storage.Store
// implementation runs in its own tests.
package storagetest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/e2ee"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.Store

// Message builds an insertable message addressed to both participants.
func Message(chatID, senderID, otherID int64) *models.Message {
	return &models.Message{
		ChatID:   chatID,
		SenderID: senderID,
		Content: e2ee.Envelope{Format: e2ee.FormatV1, Recipients: map[string]string{
			strconv.FormatInt(senderID, 10): "QUJD",
			strconv.FormatInt(otherID, 10):  "REVG",
		}},
		Signature: "c2ln",
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Pagination", func(t *testing.T) { testPagination(t, newStore(t)) })
	t.Run("ExactMultiple", func(t *testing.T) { testExactMultiple(t, newStore(t)) })
	t.Run("CursorOfDeletedMessage", func(t *testing.T) { testDeletedCursor(t, newStore(t)) })
	t.Run("DeleteTwice", func(t *testing.T) { testDeleteTwice(t, newStore(t)) })
	t.Run("DirectChats", func(t *testing.T) { testDirectChats(t, newStore(t)) })
	t.Run("Recency", func(t *testing.T) { testRecency(t, newStore(t)) })
	t.Run("Identities", func(t *testing.T) { testIdentities(t, newStore(t)) })
	t.Run("LegacyContent", func(t *testing.T) { testLegacyContent(t, newStore(t)) })
}

func seed(t *testing.T, s storage.Store, chatID, a, b int64, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		sender, other := a, b
		if i%2 == 1 {
			sender, other = b, a
		}
		m := Message(chatID, sender, other)
		require.NoError(t, s.InsertMessage(context.Background(), m))
		ids = append(ids, m.ID)
	}
	return ids
}

func newChat(t *testing.T, s storage.Store, a, b int64) *models.Chat {
	t.Helper()
	chat, created, err := s.FindOrCreateDirectChat(context.Background(), a, b)
	require.NoError(t, err)
	require.True(t, created)
	return chat
}

func walk(t *testing.T, s storage.Store, chatID int64, limit int) [][]int64 {
	t.Helper()
	var (
		pages  [][]int64
		cursor *int64
	)
	for i := 0; i < 100; i++ {
		msgs, err := s.ListMessages(context.Background(), chatID, limit, cursor)
		require.NoError(t, err)
		page := make([]int64, len(msgs))
		for j, m := range msgs {
			page[j] = m.ID
		}
		pages = append(pages, page)
		if len(msgs) < limit {
			return pages
		}
		last := msgs[len(msgs)-1].ID
		cursor = &last
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func testPagination(t *testing.T, s storage.Store) {
	chat := newChat(t, s, 1, 2)
	ids := seed(t, s, chat.ID, 1, 2, 230)

	pages := walk(t, s, chat.ID, 100)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 100)
	assert.Len(t, pages[1], 100)
	assert.Len(t, pages[2], 30)

	var seen []int64
	for _, p := range pages {
		seen = append(seen, p...)
	}
	require.Len(t, seen, len(ids))
	for i := range seen {
		assert.Equal(t, ids[len(ids)-1-i], seen[i], "newest first, no gaps")
	}
}

func testExactMultiple(t *testing.T, s storage.Store) {
	chat := newChat(t, s, 1, 2)
	seed(t, s, chat.ID, 1, 2, 20)

	pages := walk(t, s, chat.ID, 10)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 10)
	assert.Len(t, pages[1], 10)
	assert.Empty(t, pages[2])
}

func testDeletedCursor(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chat := newChat(t, s, 1, 2)
	ids := seed(t, s, chat.ID, 1, 2, 5)

	require.NoError(t, s.DeleteMessage(ctx, ids[3]))
	cursor := ids[3]
	msgs, err := s.ListMessages(ctx, chat.ID, 10, &cursor)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, ids[2], msgs[0].ID)
	assert.Equal(t, ids[0], msgs[2].ID)
}

func testDeleteTwice(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chat := newChat(t, s, 1, 2)
	ids := seed(t, s, chat.ID, 1, 2, 1)

	got, err := s.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SenderID)
	assert.Equal(t, "c2ln", got.Signature)

	require.NoError(t, s.DeleteMessage(ctx, ids[0]))
	assert.ErrorIs(t, s.DeleteMessage(ctx, ids[0]), storage.ErrNotFound)
	_, err = s.GetMessage(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	last, err := s.LastMessage(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func testDirectChats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chat := newChat(t, s, 5, 3)
	assert.Equal(t, []int64{3, 5}, chat.Participants)

	again, created, err := s.FindOrCreateDirectChat(ctx, 3, 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, chat.ID, again.ID)

	for _, tc := range []struct {
		user int64
		want bool
	}{{3, true}, {5, true}, {4, false}} {
		ok, err := s.IsParticipant(ctx, chat.ID, tc.user)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, tc.user)
	}
	ok, err := s.IsParticipant(ctx, chat.ID+1000, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetChat(ctx, chat.ID+1000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRecency(t *testing.T, s storage.Store) {
	ctx := context.Background()
	older := newChat(t, s, 1, 2)
	newer := newChat(t, s, 1, 3)
	_ = newChat(t, s, 2, 3)

	base := time.Now().Add(time.Hour)
	require.NoError(t, s.TouchChat(ctx, older.ID, base.Add(time.Minute)))
	require.NoError(t, s.TouchChat(ctx, newer.ID, base))

	chats, err := s.ListChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, older.ID, chats[0].ID)
	assert.Equal(t, newer.ID, chats[1].ID)

	// A stale touch never moves the marker backwards.
	require.NoError(t, s.TouchChat(ctx, older.ID, base.Add(-time.Hour)))
	got, err := s.GetChat(ctx, older.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(time.Minute), got.UpdatedAt, time.Millisecond)

	assert.ErrorIs(t, s.TouchChat(ctx, older.ID+1000, base), storage.ErrNotFound)
}

func testIdentities(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := &models.Identity{UserID: 9, EncryptPublicKey: "enc", SignPublicKey: "sig"}

	created, err := s.PutIdentity(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutIdentity(ctx, &models.Identity{UserID: 9, EncryptPublicKey: "enc", SignPublicKey: "sig"})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.PutIdentity(ctx, &models.Identity{UserID: 9, EncryptPublicKey: "other", SignPublicKey: "sig"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetIdentity(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "enc", got.EncryptPublicKey)
	assert.Equal(t, "sig", got.SignPublicKey)

	_, err = s.GetIdentity(ctx, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLegacyContent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chat := newChat(t, s, 1, 2)
	m := Message(chat.ID, 1, 2)
	m.Content.Format = e2ee.FormatLegacy
	require.NoError(t, s.InsertMessage(ctx, m))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, e2ee.FormatLegacy, got.Content.Format)
	ct, ok := got.Content.CiphertextFor(2)
	assert.True(t, ok)
	assert.Equal(t, "REVG", ct)
}
