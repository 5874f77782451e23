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

// Package bolt is a single node storage.Store backed by a bbolt file.
// Records are CBOR encoded. Message ids come from a bucket sequence and
// creation times never go backwards within a chat, so id order is creation
// order.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bbolt "go.etcd.io/bbolt"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/e2ee"
)

const (
	messagesBucket     = "messages"
	chatMessagesBucket = "chat_messages"
	chatsBucket        = "chats"
	pairsBucket        = "pairs"
	membersBucket      = "members"
	identitiesBucket   = "identities"
)

var present = []byte{1}

type messageRecord struct {
	ID         int64             `cbor:"1,keyasint"`
	ChatID     int64             `cbor:"2,keyasint"`
	SenderID   int64             `cbor:"3,keyasint"`
	Format     int               `cbor:"4,keyasint"`
	Recipients map[string]string `cbor:"5,keyasint"`
	Signature  string            `cbor:"6,keyasint"`
	CreatedAt  int64             `cbor:"7,keyasint"`
	UpdatedAt  int64             `cbor:"8,keyasint"`
}

type chatRecord struct {
	ID           int64   `cbor:"1,keyasint"`
	Participants []int64 `cbor:"2,keyasint"`
	CreatedAt    int64   `cbor:"3,keyasint"`
	UpdatedAt    int64   `cbor:"4,keyasint"`
}

type identityRecord struct {
	UserID           int64  `cbor:"1,keyasint"`
	EncryptPublicKey string `cbor:"2,keyasint"`
	SignPublicKey    string `cbor:"3,keyasint"`
	CreatedAt        int64  `cbor:"4,keyasint"`
}

// Store implements storage.Store.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (creating as needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{messagesBucket, chatMessagesBucket, chatsBucket, pairsBucket, membersBucket, identitiesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

func (s *Store) Close() error {
	return s.db.Close()
}

func u64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func i64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func pairKey(a, b int64) []byte {
	lo, hi := models.OrderedPair(a, b)
	return append(u64(lo), u64(hi)...)
}

func memberKey(userID, chatID int64) []byte {
	return append(u64(userID), u64(chatID)...)
}

func toMessage(r *messageRecord) models.Message {
	return models.Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		SenderID:  r.SenderID,
		Content:   e2ee.Envelope{Format: e2ee.Format(r.Format), Recipients: r.Recipients},
		Signature: r.Signature,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}

func toChat(r *chatRecord) models.Chat {
	return models.Chat{
		ID:           r.ID,
		Participants: r.Participants,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, r.UpdatedAt).UTC(),
	}
}

func getMessage(tx *bbolt.Tx, id int64) (*messageRecord, error) {
	raw := tx.Bucket([]byte(messagesBucket)).Get(u64(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	rec := new(messageRecord)
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("bolt: decode message %d: %w", id, err)
	}
	return rec, nil
}

func getChat(tx *bbolt.Tx, id int64) (*chatRecord, error) {
	raw := tx.Bucket([]byte(chatsBucket)).Get(u64(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	rec := new(chatRecord)
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("bolt: decode chat %d: %w", id, err)
	}
	return rec, nil
}

func putRecord(bkt *bbolt.Bucket, key []byte, rec any) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return bkt.Put(key, raw)
}

// InsertMessage does not check that the chat exists; authorization is the
// caller's concern and runs concurrently with the insert.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket([]byte(messagesBucket))
		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		perChat, err := tx.Bucket([]byte(chatMessagesBucket)).CreateBucketIfNotExists(u64(msg.ChatID))
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if k, _ := perChat.Cursor().Last(); k != nil {
			if last, err := getMessage(tx, i64(k)); err == nil && !now.After(time.Unix(0, last.CreatedAt)) {
				now = time.Unix(0, last.CreatedAt+1).UTC()
			}
		}

		rec := &messageRecord{
			ID:         int64(seq),
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			Format:     int(msg.Content.Format),
			Recipients: msg.Content.Recipients,
			Signature:  msg.Signature,
			CreatedAt:  now.UnixNano(),
			UpdatedAt:  now.UnixNano(),
		}
		if err := putRecord(msgs, u64(rec.ID), rec); err != nil {
			return err
		}
		if err := perChat.Put(u64(rec.ID), present); err != nil {
			return err
		}
		msg.ID = rec.ID
		msg.CreatedAt = now
		msg.UpdatedAt = now
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		msg = toMessage(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		if perChat := tx.Bucket([]byte(chatMessagesBucket)).Bucket(u64(rec.ChatID)); perChat != nil {
			if err := perChat.Delete(u64(messageID)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(messagesBucket)).Delete(u64(messageID))
	})
}

func (s *Store) ListMessages(ctx context.Context, chatID int64, limit int, before *int64) ([]models.Message, error) {
	var out []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		perChat := tx.Bucket([]byte(chatMessagesBucket)).Bucket(u64(chatID))
		if perChat == nil {
			return nil
		}
		c := perChat.Cursor()

		var k []byte
		if before == nil {
			k, _ = c.Last()
		} else if k, _ = c.Seek(u64(*before)); k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}

		for ; k != nil && len(out) < limit; k, _ = c.Prev() {
			rec, err := getMessage(tx, i64(k))
			if err != nil {
				return err
			}
			out = append(out, toMessage(rec))
		}
		return nil
	})
	return out, err
}

func (s *Store) LastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	msgs, err := s.ListMessages(ctx, chatID, 1, nil)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket([]byte(membersBucket)).Get(memberKey(userID, chatID)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) FindOrCreateDirectChat(ctx context.Context, a, b int64) (*models.Chat, bool, error) {
	var (
		chat    models.Chat
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket([]byte(pairsBucket))
		if raw := pairs.Get(pairKey(a, b)); raw != nil {
			rec, err := getChat(tx, i64(raw))
			if err != nil {
				return err
			}
			chat = toChat(rec)
			return nil
		}

		chats := tx.Bucket([]byte(chatsBucket))
		seq, err := chats.NextSequence()
		if err != nil {
			return err
		}
		lo, hi := models.OrderedPair(a, b)
		now := s.now().UTC().UnixNano()
		rec := &chatRecord{ID: int64(seq), Participants: []int64{lo, hi}, CreatedAt: now, UpdatedAt: now}
		if err := putRecord(chats, u64(rec.ID), rec); err != nil {
			return err
		}
		if err := pairs.Put(pairKey(a, b), u64(rec.ID)); err != nil {
			return err
		}
		members := tx.Bucket([]byte(membersBucket))
		for _, p := range rec.Participants {
			if err := members.Put(memberKey(p, rec.ID), present); err != nil {
				return err
			}
		}
		chat = toChat(rec)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &chat, created, nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		chat = toChat(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *Store) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := u64(userID)
		c := tx.Bucket([]byte(membersBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && string(k[:8]) == string(prefix); k, _ = c.Next() {
			rec, err := getChat(tx, i64(k[8:]))
			if err != nil {
				return err
			}
			chats = append(chats, toChat(rec))
		}
		return nil
	})
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID > chats[j].ID
	})
	return chats, err
}

func (s *Store) TouchChat(ctx context.Context, chatID int64, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		if at.UnixNano() <= rec.UpdatedAt {
			return nil
		}
		rec.UpdatedAt = at.UnixNano()
		return putRecord(tx.Bucket([]byte(chatsBucket)), u64(chatID), rec)
	})
}

func (s *Store) PutIdentity(ctx context.Context, id *models.Identity) (bool, error) {
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(identitiesBucket))
		if raw := bkt.Get(u64(id.UserID)); raw != nil {
			var existing identityRecord
			if err := cbor.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.EncryptPublicKey != id.EncryptPublicKey || existing.SignPublicKey != id.SignPublicKey {
				return storage.ErrConflict
			}
			id.CreatedAt = time.Unix(0, existing.CreatedAt).UTC()
			return nil
		}
		now := s.now().UTC()
		rec := &identityRecord{
			UserID:           id.UserID,
			EncryptPublicKey: id.EncryptPublicKey,
			SignPublicKey:    id.SignPublicKey,
			CreatedAt:        now.UnixNano(),
		}
		if err := putRecord(bkt, u64(id.UserID), rec); err != nil {
			return err
		}
		id.CreatedAt = now
		created = true
		return nil
	})
	return created, err
}

func (s *Store) GetIdentity(ctx context.Context, userID int64) (*models.Identity, error) {
	var rec identityRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(identitiesBucket)).Get(u64(userID))
		if raw == nil {
			return storage.ErrNotFound
		}
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &models.Identity{
		UserID:           rec.UserID,
		EncryptPublicKey: rec.EncryptPublicKey,
		SignPublicKey:    rec.SignPublicKey,
		CreatedAt:        time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

var _ storage.Store = (*Store)(nil)
