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

package redis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/bolt"
)

func dialTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("EFDM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EFDM_TEST_REDIS_ADDR not set")
	}
	rdb, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "redis://localhost:6379/notadb")
	assert.Error(t, err)
}

func TestKeyCacheReadThrough(t *testing.T) {
	rdb := dialTest(t)
	ctx := context.Background()

	backing, err := bolt.Open(filepath.Join(t.TempDir(), "efdm.db"))
	require.NoError(t, err)
	defer backing.Close()

	const userID = 900001
	rdb.Del(ctx, identityKey(userID))
	defer rdb.Del(ctx, identityKey(userID))

	cache := NewKeyCache(backing, rdb, time.Minute, nil)

	_, err = cache.GetIdentity(ctx, userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	created, err := cache.PutIdentity(ctx, &models.Identity{UserID: userID, EncryptPublicKey: "enc", SignPublicKey: "sig"})
	require.NoError(t, err)
	assert.True(t, created)

	id, err := cache.GetIdentity(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "enc", id.EncryptPublicKey)

	// Second read is served from Redis
	raw, err := rdb.Get(ctx, identityKey(userID)).Bytes()
	require.NoError(t, err)
	var cached models.Identity
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, "sig", cached.SignPublicKey)

	id, err = cache.GetIdentity(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "sig", id.SignPublicKey)
}

func TestBrokerRoundTrip(t *testing.T) {
	rdb := dialTest(t)
	b := NewBroker(rdb, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan realtime.Relay, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(r realtime.Relay) { got <- r })
	}()

	want := realtime.Relay{Node: "n1", Room: models.Room(77), Origin: "sub", Frame: json.RawMessage(`{"event":"message received"}`)}
	require.Eventually(t, func() bool {
		require.NoError(t, b.Publish(ctx, want))
		select {
		case r := <-got:
			assert.Equal(t, want, r)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
