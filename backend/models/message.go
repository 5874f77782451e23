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

package models

import (
	"time"

	"github.com/efchatnet/efdm/e2ee"
)

// Message is an encrypted direct message. It is never mutated after insert.
type Message struct {
	ID        int64         `json:"id"`
	ChatID    int64         `json:"chatId"`
	SenderID  int64         `json:"senderId"`
	Content   e2ee.Envelope `json:"content"`
	Signature string        `json:"signature"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Sender    *Sender       `json:"sender,omitempty"`
}

// Sender is the sender summary attached to a freshly sent message. It is
// built from the caller's token claims.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// MessageDeleted is the realtime payload announcing a hard delete.
type MessageDeleted struct {
	ID     int64 `json:"id"`
	ChatID int64 `json:"chatId"`
}

// Page is one window of a chat's history, oldest first.
type Page struct {
	Messages   []Message `json:"data"`
	NextCursor *int64    `json:"nextCursor"`
}
