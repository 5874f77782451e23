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
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// IsParticipant checks if a user is a member of a chat
func (s *Store) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_participants
			WHERE chat_id = $1 AND user_id = $2
		)
	`, chatID, userID).Scan(&exists)
	return exists, err
}

// FindOrCreateDirectChat returns the chat between two users, creating it
// on first contact. Concurrent creators converge on the dm_pairs row.
func (s *Store) FindOrCreateDirectChat(ctx context.Context, a, b int64) (*models.Chat, bool, error) {
	user1, user2 := models.OrderedPair(a, b)

	if chat, err := s.findDirectChat(ctx, user1, user2); err == nil {
		return chat, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var chatID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO chats DEFAULT VALUES RETURNING id
	`).Scan(&chatID); err != nil {
		return nil, false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dm_pairs (user1_id, user2_id, chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user1_id, user2_id) DO NOTHING
	`, user1, user2, chatID)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 0 {
		// Lost the race to another creator
		tx.Rollback()
		chat, err := s.findDirectChat(ctx, user1, user2)
		return chat, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_participants (chat_id, user_id)
		VALUES ($1, $2), ($1, $3)
	`, chatID, user1, user2); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

func (s *Store) findDirectChat(ctx context.Context, user1, user2 int64) (*models.Chat, error) {
	var chatID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id FROM dm_pairs
		WHERE user1_id = $1 AND user2_id = $2
	`, user1, user2).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetChat(ctx, chatID)
}

const chatQuery = `
	SELECT c.id, c.created_at, c.updated_at,
	       array_agg(p.user_id ORDER BY p.user_id)
	FROM chats c
	JOIN chat_participants p ON p.chat_id = c.id`

func scanChat(row scanner) (models.Chat, error) {
	var c models.Chat
	err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, pq.Array(&c.Participants))
	return c, err
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx, chatQuery+`
		WHERE c.id = $1
		GROUP BY c.id
	`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats gets all chats for a user, most recent first
func (s *Store) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, chatQuery+`
		WHERE c.id IN (SELECT chat_id FROM chat_participants WHERE user_id = $1)
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// TouchChat moves the recency marker forward, never backwards
func (s *Store) TouchChat(ctx context.Context, chatID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
	`, chatID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
