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

// Package service holds the messaging operations behind the HTTP handlers.
// Every returned error is an *apperr.AppError.
package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/efchatnet/efdm/backend/apperr"
	"github.com/efchatnet/efdm/backend/instrument"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/worker"
	"github.com/efchatnet/efdm/e2ee"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	DefaultBackgroundTimeout = 10 * time.Second
)

// MessageBackend is the storage the message operations need.
type MessageBackend interface {
	storage.MessageStore
	storage.ChatStore
}

// SendRequest is the body of a send call. SenderID is accepted for
// compatibility and ignored; the caller is the sender.
type SendRequest struct {
	ChatID    json.RawMessage `json:"chatId"`
	Content   json.RawMessage `json:"content"`
	SenderID  json.RawMessage `json:"senderId,omitempty"`
	Signature string          `json:"signature"`
}

func (r *SendRequest) parse() (int64, e2ee.Envelope, error) {
	raw := bytes.TrimSpace(r.ChatID)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("chatId must be a positive integer")
	}
	chatID, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || chatID <= 0 {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("chatId must be a positive integer")
	}
	if len(r.Content) == 0 {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("content is required")
	}
	env, err := e2ee.ParseEnvelope(r.Content)
	if err != nil {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("content is not a valid encrypted envelope")
	}
	if r.Signature == "" {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("signature is required")
	}
	if _, err := base64.StdEncoding.DecodeString(r.Signature); err != nil {
		return 0, e2ee.Envelope{}, apperr.InvalidInput("signature must be Base64")
	}
	return chatID, env, nil
}

// MessageService accepts, lists and deletes chat messages.
type MessageService struct {
	store   MessageBackend
	worker  *worker.Worker
	timeout time.Duration
	log     *logging.Logger
}

// NewMessageService returns a MessageService whose detached follow-up
// work runs on w, each task bounded by timeout.
func NewMessageService(store MessageBackend, w *worker.Worker, timeout time.Duration, log *logging.Logger) *MessageService {
	if timeout <= 0 {
		timeout = DefaultBackgroundTimeout
	}
	if log == nil {
		log = logging.MustGetLogger("efdm/messages")
	}
	return &MessageService{store: store, worker: w, timeout: timeout, log: log}
}

// Send stores a message from caller. Membership is checked while the
// insert is already in flight; a rejected message is removed again in the
// background.
func (s *MessageService) Send(ctx context.Context, caller models.Caller, req SendRequest) (*models.Message, error) {
	chatID, env, err := req.parse()
	if err != nil {
		return nil, reject(err)
	}

	msg := &models.Message{
		ChatID:    chatID,
		SenderID:  caller.ID,
		Content:   env,
		Signature: req.Signature,
	}

	// Once issued, the pair runs to completion even if the client goes away.
	pairCtx := context.WithoutCancel(ctx)
	var (
		wg        sync.WaitGroup
		member    bool
		authErr   error
		insertErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		member, authErr = s.store.IsParticipant(pairCtx, chatID, caller.ID)
	}()
	go func() {
		defer wg.Done()
		insertErr = s.store.InsertMessage(pairCtx, msg)
	}()
	wg.Wait()

	switch {
	case authErr != nil:
		s.compensate(msg, insertErr)
		return nil, reject(apperr.Internal("check membership", authErr))
	case !member:
		s.compensate(msg, insertErr)
		return nil, reject(apperr.Forbidden("Not a participant of this chat"))
	case insertErr != nil:
		return nil, reject(apperr.Internal("insert message", insertErr))
	}

	instrument.MessageAccepted()
	s.touch(chatID, msg.CreatedAt)
	msg.Sender = &models.Sender{ID: caller.ID, Username: caller.Username}
	return msg, nil
}

func reject(err error) error {
	instrument.MessageRejected(string(apperr.CodeOf(err)))
	return err
}

// compensate removes a message that was stored before its sender was
// found not to be allowed. insertErr is the outcome of the insert.
func (s *MessageService) compensate(msg *models.Message, insertErr error) {
	if insertErr != nil {
		return
	}
	instrument.Compensation()
	id, chatID, sender := msg.ID, msg.ChatID, msg.SenderID
	s.worker.GoTimeout(s.timeout, func(ctx context.Context) {
		err := s.store.DeleteMessage(ctx, id)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			return
		}
		instrument.CompensationFailure()
		s.log.Errorf("compensating delete of message %d (chat %d, sender %d) failed: %v", id, chatID, sender, err)
	})
}

func (s *MessageService) touch(chatID int64, at time.Time) {
	s.worker.GoTimeout(s.timeout, func(ctx context.Context) {
		if err := s.store.TouchChat(ctx, chatID, at); err != nil {
			instrument.RecencyFailure()
			s.log.Warningf("recency update of chat %d failed: %v", chatID, err)
		}
	})
}

// FetchPage returns one page of chatID's history, oldest first. A zero
// limit selects DefaultPageSize; larger limits are clamped to MaxPageSize.
// NextCursor is set only when the page is full.
func (s *MessageService) FetchPage(ctx context.Context, caller models.Caller, chatID int64, limit int, cursor *int64) (*models.Page, error) {
	if chatID <= 0 {
		return nil, apperr.InvalidInput("Invalid chat id")
	}
	switch {
	case limit < 0:
		return nil, apperr.InvalidInput("limit must be a positive integer")
	case limit == 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if cursor != nil && *cursor <= 0 {
		return nil, apperr.InvalidInput("cursor must be a positive integer")
	}

	if err := s.requireMember(ctx, chatID, caller.ID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, chatID, limit, cursor)
	if err != nil {
		return nil, apperr.Internal("list messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	page := &models.Page{Messages: msgs}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if len(msgs) == limit {
		oldest := msgs[0].ID
		page.NextCursor = &oldest
	}
	return page, nil
}

func (s *MessageService) requireMember(ctx context.Context, chatID, userID int64) error {
	ok, err := s.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return apperr.Internal("check membership", err)
	}
	if !ok {
		return apperr.Forbidden("Not a participant of this chat")
	}
	return nil
}

// Delete removes one of caller's own messages and returns it.
func (s *MessageService) Delete(ctx context.Context, caller models.Caller, messageID int64) (*models.Message, error) {
	if messageID <= 0 {
		return nil, apperr.InvalidInput("Invalid message id")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Message not found")
	}
	if err != nil {
		return nil, apperr.Internal("get message", err)
	}
	if msg.SenderID != caller.ID {
		return nil, apperr.Forbidden("You can only delete your own messages")
	}

	err = s.store.DeleteMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Message not found")
	}
	if err != nil {
		return nil, apperr.Internal("delete message", err)
	}
	return msg, nil
}
