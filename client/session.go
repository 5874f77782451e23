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

// Package client is the user side of efdm: it owns the private keys,
// encrypts outgoing messages for every participant and renders incoming
// ones. Nothing here trusts the server with plaintext.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/e2ee"
)

// Texts shown in place of a message that cannot be read.
const (
	TextMissingKey     = "Missing private key"
	TextNotARecipient  = "Message unavailable for this user"
	TextDecryptFailure = "Message could not be decrypted"
)

// ErrNoKeys is returned by KeyStorage when nothing is stored for a user.
var ErrNoKeys = errors.New("client: no keys stored")

// StoredKeys is the private key material of one user as PKCS#8 PEM.
type StoredKeys struct {
	EncryptPrivatePEM string `cbor:"1,keyasint"`
	SignPrivatePEM    string `cbor:"2,keyasint"`
}

// KeyStorage persists private keys. The session never decides where keys
// live; see the keystore package for a passphrase sealed implementation.
type KeyStorage interface {
	SaveKeys(ctx context.Context, userID int64, keys StoredKeys) error
	LoadKeys(ctx context.Context, userID int64) (StoredKeys, error)
}

// SignatureStatus is the outcome of checking a message signature.
// Verification is advisory and never hides a message.
type SignatureStatus int

const (
	SignatureUnchecked SignatureStatus = iota
	SignatureVerified
	SignatureInvalid
)

func (s SignatureStatus) String() string {
	switch s {
	case SignatureVerified:
		return "verified"
	case SignatureInvalid:
		return "invalid"
	default:
		return "unchecked"
	}
}

// Rendered is a message as shown to the user.
type Rendered struct {
	MessageID int64
	ChatID    int64
	SenderID  int64
	Text      string
	// Readable is false when Text is one of the placeholder texts.
	Readable  bool
	Signature SignatureStatus
}

// Draft is an encrypted, signed message ready to send.
type Draft struct {
	Content   e2ee.Envelope
	Signature string
}

// Session is the explicit key context of one signed-in user.
type Session struct {
	userID int64
	keys   *e2ee.KeyPair
}

// NewSession binds keys to userID. keys may be nil, in which case the
// session can only render placeholders.
func NewSession(userID int64, keys *e2ee.KeyPair) *Session {
	return &Session{userID: userID, keys: keys}
}

// CreateSession generates fresh key pairs for userID and stores them.
func CreateSession(ctx context.Context, storage KeyStorage, userID int64) (*Session, error) {
	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encPEM, err := e2ee.ExportToPEM(kp.EncryptPrivate, e2ee.Private)
	if err != nil {
		return nil, err
	}
	sigPEM, err := e2ee.ExportToPEM(kp.SignPrivate, e2ee.Private)
	if err != nil {
		return nil, err
	}
	if err := storage.SaveKeys(ctx, userID, StoredKeys{EncryptPrivatePEM: encPEM, SignPrivatePEM: sigPEM}); err != nil {
		return nil, fmt.Errorf("client: save keys: %w", err)
	}
	return NewSession(userID, kp), nil
}

// LoadSession restores userID's keys from storage. A user with nothing
// stored gets a session without keys and ErrNoKeys.
func LoadSession(ctx context.Context, storage KeyStorage, userID int64) (*Session, error) {
	stored, err := storage.LoadKeys(ctx, userID)
	if errors.Is(err, ErrNoKeys) {
		return NewSession(userID, nil), err
	}
	if err != nil {
		return nil, err
	}

	enc, err := e2ee.ImportFromPEM(stored.EncryptPrivatePEM, e2ee.Private, e2ee.UsageDecrypt)
	if err != nil {
		return nil, err
	}
	sig, err := e2ee.ImportFromPEM(stored.SignPrivatePEM, e2ee.Private, e2ee.UsageSign)
	if err != nil {
		return nil, err
	}
	return NewSession(userID, &e2ee.KeyPair{
		EncryptPublic:  enc.Public(),
		EncryptPrivate: enc,
		SignPublic:     sig.Public(),
		SignPrivate:    sig,
	}), nil
}

func (s *Session) UserID() int64 { return s.userID }

// HasKeys reports whether the session holds private keys.
func (s *Session) HasKeys() bool { return s.keys != nil }

// SigningKey returns the public half of the session's signing key.
func (s *Session) SigningKey() *e2ee.Key {
	if s.keys == nil {
		return nil
	}
	return s.keys.SignPublic
}

// Registration returns the public keys to publish for this user.
func (s *Session) Registration() (models.KeyRegistration, error) {
	if s.keys == nil {
		return models.KeyRegistration{}, ErrNoKeys
	}
	enc, err := e2ee.ExportToPEM(s.keys.EncryptPublic, e2ee.Public)
	if err != nil {
		return models.KeyRegistration{}, err
	}
	sig, err := e2ee.ExportToPEM(s.keys.SignPublic, e2ee.Public)
	if err != nil {
		return models.KeyRegistration{}, err
	}
	return models.KeyRegistration{PublicKey: enc, SigningPublicKey: sig}, nil
}

// Compose encrypts plaintext for recipients and for the session's own
// user, and signs it.
func (s *Session) Compose(ctx context.Context, plaintext string, recipients ...e2ee.Recipient) (*Draft, error) {
	if s.keys == nil {
		return nil, ErrNoKeys
	}

	all := make([]e2ee.Recipient, 0, len(recipients)+1)
	all = append(all, e2ee.Recipient{UserID: s.userID, PublicKey: s.keys.EncryptPublic})
	for _, r := range recipients {
		if r.UserID != s.userID {
			all = append(all, r)
		}
	}

	env, err := e2ee.EncryptForRecipients(ctx, plaintext, all)
	if err != nil {
		return nil, err
	}
	sig, err := e2ee.Sign(s.keys.SignPrivate, plaintext)
	if err != nil {
		return nil, err
	}
	return &Draft{Content: env, Signature: sig}, nil
}

// Open decrypts msg for the session's user. senderKey is the sender's
// signing public key; nil leaves the signature unchecked.
func (s *Session) Open(msg *models.Message, senderKey *e2ee.Key) Rendered {
	r := Rendered{MessageID: msg.ID, ChatID: msg.ChatID, SenderID: msg.SenderID}
	if s.keys == nil {
		r.Text = TextMissingKey
		return r
	}

	text, ok, err := e2ee.OpenFor(msg.Content, s.userID, s.keys.EncryptPrivate)
	switch {
	case err != nil:
		r.Text = TextDecryptFailure
		return r
	case !ok:
		r.Text = TextNotARecipient
		return r
	}

	r.Text, r.Readable = text, true
	if senderKey != nil {
		if e2ee.Verify(senderKey, msg.Signature, text) {
			r.Signature = SignatureVerified
		} else {
			r.Signature = SignatureInvalid
		}
	}
	return r
}
