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

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage/bolt"
	"github.com/efchatnet/efdm/backend/worker"
)

func registerUser(t *testing.T, store *bolt.Store, userID int64) {
	t.Helper()
	_, err := store.PutIdentity(context.Background(), &models.Identity{
		UserID:           userID,
		EncryptPublicKey: "enc-" + time.Now().String(),
		SignPublicKey:    "sig",
	})
	require.NoError(t, err)
}

func TestAccessChat(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	registerUser(t, store, bob.ID)
	svc := NewChatService(store, store)

	_, _, err := svc.AccessChat(ctx, alice, alice.ID)
	requireCode(t, apperr.CodeInvalidInput, err)

	_, _, err = svc.AccessChat(ctx, alice, mallory.ID)
	requireCode(t, apperr.CodeNotFound, err)

	first, created, err := svc.AccessChat(ctx, alice, bob.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []int64{1, 2}, first.Participants)
	assert.Equal(t, bob.ID, first.Counterpart.UserID)
	assert.Nil(t, first.LastMessage)

	w := &worker.Worker{}
	msgs := NewMessageService(store, w, time.Second, nil)
	sent, err := msgs.Send(ctx, alice, sendRequest(first.ID))
	require.NoError(t, err)
	w.Wait()

	again, created, err := svc.AccessChat(ctx, alice, bob.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	require.NotNil(t, again.LastMessage)
	assert.Equal(t, sent.ID, again.LastMessage.ID)
}

func TestListChatsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	registerUser(t, store, bob.ID)
	registerUser(t, store, mallory.ID)
	chats := NewChatService(store, store)
	w := &worker.Worker{}
	msgs := NewMessageService(store, w, time.Second, nil)

	withBob, _, err := chats.AccessChat(ctx, alice, bob.ID)
	require.NoError(t, err)
	withMallory, _, err := chats.AccessChat(ctx, alice, mallory.ID)
	require.NoError(t, err)

	_, err = msgs.Send(ctx, alice, sendRequest(withBob.ID))
	require.NoError(t, err)
	w.Wait()

	list, err := chats.ListChats(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, withBob.ID, list[0].ID)
	assert.Equal(t, withMallory.ID, list[1].ID)
	assert.NotNil(t, list[0].LastMessage)
	assert.Nil(t, list[1].LastMessage)
	assert.Equal(t, mallory.ID, list[1].Counterpart.UserID)

	list, err = chats.ListChats(ctx, bob)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Counterpart, "alice never registered keys")
}
