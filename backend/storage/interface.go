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

// Package storage defines the persistence contracts of the messaging
// backend. Implementations live in the postgres and bolt sub-packages; the
// redis sub-package layers a cache over IdentityStore.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an immutable row would change.
	ErrConflict = errors.New("storage: conflict")
)

type MessageStore interface {
	// InsertMessage stores msg and fills in ID, CreatedAt and UpdatedAt.
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)
	// DeleteMessage hard deletes a message. It returns ErrNotFound when no
	// row was removed.
	DeleteMessage(ctx context.Context, messageID int64) error
	// ListMessages returns up to limit messages of chatID newest first.
	// When before is set only messages strictly older than that message are
	// returned; a before id naming no stored message compares by id.
	ListMessages(ctx context.Context, chatID int64, limit int, before *int64) ([]models.Message, error)
	// LastMessage returns the newest message of chatID, or nil.
	LastMessage(ctx context.Context, chatID int64) (*models.Message, error)
}

type ChatStore interface {
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	// FindOrCreateDirectChat returns the chat between a and b, creating it
	// when absent. created reports whether this call created it.
	FindOrCreateDirectChat(ctx context.Context, a, b int64) (chat *models.Chat, created bool, err error)
	GetChat(ctx context.Context, chatID int64) (*models.Chat, error)
	// ListChats returns the chats of userID, most recently updated first.
	ListChats(ctx context.Context, userID int64) ([]models.Chat, error)
	// TouchChat moves the chat's recency marker to at.
	TouchChat(ctx context.Context, chatID int64, at time.Time) error
}

type IdentityStore interface {
	// PutIdentity stores id. Storing identical keys again is a no-op
	// reporting created == false; different keys yield ErrConflict.
	PutIdentity(ctx context.Context, id *models.Identity) (created bool, err error)
	GetIdentity(ctx context.Context, userID int64) (*models.Identity, error)
}

type Store interface {
	MessageStore
	ChatStore
	IdentityStore

	Ping(ctx context.Context) error
	Close() error
}
