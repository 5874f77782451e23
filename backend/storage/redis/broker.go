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
	"fmt"

	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/realtime"
)

const roomPrefix = "efdm:room:" // efdm:room:{room} - relayed realtime frames

// Broker relays realtime frames between server nodes over Redis pub/sub.
type Broker struct {
	rdb *redis.Client
	log *logging.Logger
}

func NewBroker(rdb *redis.Client, log *logging.Logger) *Broker {
	if log == nil {
		log = logging.MustGetLogger("efdm/broker")
	}
	return &Broker{rdb: rdb, log: log}
}

func (b *Broker) Publish(ctx context.Context, r realtime.Relay) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal relay: %w", err)
	}
	if err := b.rdb.Publish(ctx, roomPrefix+r.Room, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay: %w", err)
	}
	return nil
}

// Subscribe blocks delivering relays until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, deliver func(realtime.Relay)) error {
	sub := b.rdb.PSubscribe(ctx, roomPrefix+"*")
	defer sub.Close()

	// Wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var r realtime.Relay
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				b.log.Warningf("skipping malformed relay on %s", msg.Channel)
				continue
			}
			deliver(r)
		}
	}
}
