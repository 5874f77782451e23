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

package service

import (
	"context"
	"errors"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

// ChatService manages one-to-one chats.
type ChatService struct {
	store      MessageBackend
	identities storage.IdentityStore
}

func NewChatService(store MessageBackend, identities storage.IdentityStore) *ChatService {
	return &ChatService{store: store, identities: identities}
}

// AccessChat returns the chat between caller and otherUserID, creating it
// on first contact. created reports whether this call created it.
func (s *ChatService) AccessChat(ctx context.Context, caller models.Caller, otherUserID int64) (*models.ChatSummary, bool, error) {
	if otherUserID <= 0 {
		return nil, false, apperr.InvalidInput("otherUserId must be a positive integer")
	}
	if otherUserID == caller.ID {
		return nil, false, apperr.InvalidInput("Cannot start a chat with yourself")
	}

	counterpart, err := s.identities.GetIdentity(ctx, otherUserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.NotFound("User has not registered encryption keys")
	}
	if err != nil {
		return nil, false, apperr.Internal("get identity", err)
	}

	chat, created, err := s.store.FindOrCreateDirectChat(ctx, caller.ID, otherUserID)
	if err != nil {
		return nil, false, apperr.Internal("find or create chat", err)
	}

	summary := &models.ChatSummary{Chat: *chat, Counterpart: counterpart}
	if !created {
		if summary.LastMessage, err = s.store.LastMessage(ctx, chat.ID); err != nil {
			return nil, false, apperr.Internal("last message", err)
		}
	}
	return summary, created, nil
}

// ListChats returns caller's chats, most recently active first.
func (s *ChatService) ListChats(ctx context.Context, caller models.Caller) ([]models.ChatSummary, error) {
	chats, err := s.store.ListChats(ctx, caller.ID)
	if err != nil {
		return nil, apperr.Internal("list chats", err)
	}

	summaries := make([]models.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summary := models.ChatSummary{Chat: chat}

		id, err := s.identities.GetIdentity(ctx, chat.Counterpart(caller.ID))
		switch {
		case err == nil:
			summary.Counterpart = id
		case !errors.Is(err, storage.ErrNotFound):
			return nil, apperr.Internal("get identity", err)
		}

		if summary.LastMessage, err = s.store.LastMessage(ctx, chat.ID); err != nil {
			return nil, apperr.Internal("last message", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
