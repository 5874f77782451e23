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

// Package keystore keeps private keys in a bbolt file, each user's keys
// sealed under a passphrase with scrypt and ChaCha20-Poly1305.
package keystore

import (
	"context"
	"errors"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/efchatnet/efdm/client"
)

const keysBucket = "keys"

// Store is a passphrase sealed client.KeyStorage.
type Store struct {
	db         *bolt.DB
	passphrase []byte
	params     ScryptParams
}

// Option configures a Store.
type Option func(*Store)

// WithScryptParams overrides DefaultScryptParams for newly sealed records.
func WithScryptParams(p ScryptParams) Option {
	return func(s *Store) { s.params = p }
}

// Open opens or creates the keystore at path.
func Open(path, passphrase string, opts ...Option) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("keystore: empty passphrase")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, passphrase: []byte(passphrase), params: DefaultScryptParams}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func userKey(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}

func (s *Store) SaveKeys(ctx context.Context, userID int64, keys client.StoredKeys) error {
	raw, err := cbor.Marshal(keys)
	if err != nil {
		return err
	}
	blob, err := seal(s.passphrase, raw, s.params)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put(userKey(userID), blob)
	})
}

func (s *Store) LoadKeys(ctx context.Context, userID int64) (client.StoredKeys, error) {
	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(keysBucket)).Get(userKey(userID)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return client.StoredKeys{}, err
	}
	if blob == nil {
		return client.StoredKeys{}, client.ErrNoKeys
	}

	raw, err := open(s.passphrase, blob)
	if err != nil {
		return client.StoredKeys{}, err
	}
	var keys client.StoredKeys
	if err := cbor.Unmarshal(raw, &keys); err != nil {
		return client.StoredKeys{}, err
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ client.KeyStorage = (*Store)(nil)
