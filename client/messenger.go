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

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/e2ee"
)

// ErrNotRelayed is returned alongside a stored message whose realtime
// relay failed. The message is saved; peers see it on their next fetch.
var ErrNotRelayed = errors.New("client: message stored but not relayed")

type peerKeys struct {
	encrypt *e2ee.Key
	sign    *e2ee.Key
}

// Messenger ties a Session to the server: it fetches and caches peer
// keys, sends through the API and relays over the realtime channel.
type Messenger struct {
	api     *API
	rt      *Realtime
	session *Session

	mu    sync.Mutex
	peers map[int64]*peerKeys
}

// NewMessenger returns a Messenger. rt may be nil.
func NewMessenger(api *API, session *Session, rt *Realtime) *Messenger {
	return &Messenger{api: api, rt: rt, session: session, peers: make(map[int64]*peerKeys)}
}

// Register publishes the session's public keys.
func (m *Messenger) Register(ctx context.Context) (bool, error) {
	reg, err := m.session.Registration()
	if err != nil {
		return false, err
	}
	return m.api.RegisterKeys(ctx, reg)
}

// StartChat opens the chat with otherUserID and, when realtime is
// connected, joins its room.
func (m *Messenger) StartChat(ctx context.Context, otherUserID int64) (*models.ChatSummary, error) {
	chat, _, err := m.api.AccessChat(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if chat.Counterpart != nil {
		if err := m.remember(chat.Counterpart); err != nil {
			return nil, err
		}
	}
	if m.rt != nil {
		if err := m.rt.Join(chat.ID); err != nil {
			return nil, err
		}
	}
	return chat, nil
}

func (m *Messenger) remember(id *models.Identity) error {
	enc, err := e2ee.ImportFromPEM(id.EncryptPublicKey, e2ee.Public, e2ee.UsageEncrypt)
	if err != nil {
		return fmt.Errorf("client: key of user %d: %w", id.UserID, err)
	}
	sig, err := e2ee.ImportFromPEM(id.SignPublicKey, e2ee.Public, e2ee.UsageVerify)
	if err != nil {
		return fmt.Errorf("client: signing key of user %d: %w", id.UserID, err)
	}
	m.mu.Lock()
	m.peers[id.UserID] = &peerKeys{encrypt: enc, sign: sig}
	m.mu.Unlock()
	return nil
}

func (m *Messenger) peer(ctx context.Context, userID int64) (*peerKeys, error) {
	m.mu.Lock()
	p, ok := m.peers[userID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	id, err := m.api.PublicKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := m.remember(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[userID], nil
}

// Send encrypts text for otherUserID and the session user, stores it in
// chatID and relays it. A relay failure returns the stored message with
// ErrNotRelayed.
func (m *Messenger) Send(ctx context.Context, chatID, otherUserID int64, text string) (*models.Message, error) {
	p, err := m.peer(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	draft, err := m.session.Compose(ctx, text, e2ee.Recipient{UserID: otherUserID, PublicKey: p.encrypt})
	if err != nil {
		return nil, err
	}

	msg, err := m.api.SendMessage(ctx, chatID, draft.Content, draft.Signature)
	if err != nil {
		return nil, err
	}
	if m.rt != nil {
		if err := m.rt.Publish(msg); err != nil {
			return msg, fmt.Errorf("%w: %v", ErrNotRelayed, err)
		}
	}
	return msg, nil
}

// Render decrypts msg. Signatures are checked when the sender's key can
// be obtained.
func (m *Messenger) Render(ctx context.Context, msg *models.Message) Rendered {
	var senderKey *e2ee.Key
	if msg.SenderID == m.session.UserID() {
		senderKey = m.session.SigningKey()
	} else if p, err := m.peer(ctx, msg.SenderID); err == nil {
		senderKey = p.sign
	}
	return m.session.Open(msg, senderKey)
}

// History returns one rendered page of chatID, oldest first, and the
// cursor of the next older page.
func (m *Messenger) History(ctx context.Context, chatID int64, limit int, cursor *int64) ([]Rendered, *int64, error) {
	page, err := m.api.FetchMessages(ctx, chatID, limit, cursor)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Rendered, 0, len(page.Messages))
	for i := range page.Messages {
		out = append(out, m.Render(ctx, &page.Messages[i]))
	}
	return out, page.NextCursor, nil
}
