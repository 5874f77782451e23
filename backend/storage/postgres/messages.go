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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/e2ee"
)

const messageColumns = `id, chat_id, sender_id, content, signature, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		m       models.Message
		content []byte
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &content, &m.Signature, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	env, err := e2ee.ParseEnvelope(content)
	if err != nil {
		return m, fmt.Errorf("postgres: message %d: %w", m.ID, err)
	}
	m.Content = env
	return m, nil
}

// InsertMessage does not verify membership; the ingest path checks it
// concurrently and compensates.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, sender_id, content, signature)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		msg.ChatID, msg.SenderID, content, msg.Signature).Scan(
		&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
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

func (s *Store) ListMessages(ctx context.Context, chatID int64, limit int, before *int64) ([]models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case before == nil:
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, chatID, limit)
	default:
		var at time.Time
		err = s.db.QueryRowContext(ctx, `
			SELECT created_at FROM messages
			WHERE id = $1 AND chat_id = $2`, *before, chatID).Scan(&at)
		switch {
		case err == nil:
			rows, err = s.db.QueryContext(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE chat_id = $1 AND (created_at, id) < ($3, $4)
				ORDER BY created_at DESC, id DESC
				LIMIT $2`, chatID, limit, at, *before)
		case errors.Is(err, sql.ErrNoRows):
			// The cursor row is gone; fall back to id order
			rows, err = s.db.QueryContext(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE chat_id = $1 AND id < $3
				ORDER BY created_at DESC, id DESC
				LIMIT $2`, chatID, limit, *before)
		}
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) LastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
