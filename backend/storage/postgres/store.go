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
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to url with the lib/pq driver.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewStore(db), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutIdentity(ctx context.Context, id *models.Identity) (bool, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (user_id, encrypt_public_key, sign_public_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at`,
		id.UserID, id.EncryptPublicKey, id.SignPublicKey).Scan(&createdAt)
	if err == nil {
		id.CreatedAt = createdAt
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	// Row already present; identical keys make the call a no-op
	existing, err := s.GetIdentity(ctx, id.UserID)
	if err != nil {
		return false, err
	}
	if !existing.SameKeys(id) {
		return false, storage.ErrConflict
	}
	id.CreatedAt = existing.CreatedAt
	return false, nil
}

func (s *Store) GetIdentity(ctx context.Context, userID int64) (*models.Identity, error) {
	id := &models.Identity{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT encrypt_public_key, sign_public_key, created_at FROM identities
		WHERE user_id = $1`, userID).Scan(
		&id.EncryptPublicKey, &id.SignPublicKey, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return id, nil
}

var _ storage.Store = (*Store)(nil)
