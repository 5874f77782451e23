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

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Public keys; private material never reaches the server
		`CREATE TABLE IF NOT EXISTS identities (
			user_id BIGINT PRIMARY KEY,
			encrypt_public_key TEXT NOT NULL,
			sign_public_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS chats (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chat_id, user_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_participant_chats
		ON chat_participants(user_id, chat_id)`,

		// One direct chat per unordered pair
		`CREATE TABLE IF NOT EXISTS dm_pairs (
			user1_id BIGINT NOT NULL,
			user2_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			CONSTRAINT unique_dm_pair UNIQUE (user1_id, user2_id),
			CONSTRAINT ordered_users CHECK (user1_id < user2_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sender_id BIGINT NOT NULL,
			content JSONB NOT NULL,
			signature TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Backward traversal of a chat's history
		`CREATE INDEX IF NOT EXISTS idx_chat_messages
		ON messages(chat_id, created_at DESC, id DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
