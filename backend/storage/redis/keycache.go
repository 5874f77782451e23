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
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	DefaultKeyTTL = time.Hour

	identityPrefix = "efdm:identity:" // efdm:identity:{userId} - JSON identity
)

// KeyCache is a read-through cache in front of an IdentityStore. Public
// keys are looked up on every send by clients, so hits skip the database.
// Cache failures degrade to the backing store.
type KeyCache struct {
	storage.IdentityStore

	rdb *redis.Client
	ttl time.Duration
	log *logging.Logger
}

func NewKeyCache(backing storage.IdentityStore, rdb *redis.Client, ttl time.Duration, log *logging.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	if log == nil {
		log = logging.MustGetLogger("efdm/keycache")
	}
	return &KeyCache{IdentityStore: backing, rdb: rdb, ttl: ttl, log: log}
}

func identityKey(userID int64) string {
	return identityPrefix + strconv.FormatInt(userID, 10)
}

func (c *KeyCache) GetIdentity(ctx context.Context, userID int64) (*models.Identity, error) {
	key := identityKey(userID)
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var id models.Identity
		if err := json.Unmarshal(data, &id); err == nil {
			instrument.KeyCacheHit()
			return &id, nil
		}
		c.log.Warningf("dropping malformed cache entry %s", key)
		c.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.log.Warningf("key cache get %s: %v", key, err)
	}
	instrument.KeyCacheMiss()

	id, err := c.IdentityStore.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(id); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.Warningf("key cache set %s: %v", key, err)
		}
	}
	return id, nil
}

func (c *KeyCache) PutIdentity(ctx context.Context, id *models.Identity) (bool, error) {
	created, err := c.IdentityStore.PutIdentity(ctx, id)
	if err != nil {
		return created, err
	}
	if err := c.rdb.Del(ctx, identityKey(id.UserID)).Err(); err != nil {
		c.log.Warningf("key cache invalidate %d: %v", id.UserID, err)
	}
	return created, nil
}
