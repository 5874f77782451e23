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

package e2ee

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Recipient is one user a message is encrypted for.
type Recipient struct {
	UserID    int64
	PublicKey *Key
}

// EncryptForRecipients encrypts plaintext once per recipient and returns a
// v1 envelope. The sender must be listed too in order to re-read the message.
func EncryptForRecipients(ctx context.Context, plaintext string, recipients []Recipient) (Envelope, error) {
	if strings.TrimSpace(plaintext) == "" {
		return Envelope{}, ErrEmptyPlaintext
	}
	if len(recipients) == 0 {
		return Envelope{}, fmt.Errorf("%w: no recipients", ErrInvalidEnvelope)
	}

	seen := make(map[int64]bool, len(recipients))
	for _, r := range recipients {
		if r.UserID <= 0 {
			return Envelope{}, fmt.Errorf("%w: invalid recipient id %d", ErrInvalidEnvelope, r.UserID)
		}
		if seen[r.UserID] {
			return Envelope{}, fmt.Errorf("%w: duplicate recipient %d", ErrInvalidEnvelope, r.UserID)
		}
		seen[r.UserID] = true
		if err := r.PublicKey.require(UsageEncrypt); err != nil {
			return Envelope{}, fmt.Errorf("recipient %d: %w", r.UserID, err)
		}
	}

	ciphertexts := make([]string, len(recipients))
	g, _ := errgroup.WithContext(ctx)
	for i, r := range recipients {
		g.Go(func() error {
			ct, err := encrypt(r.PublicKey, []byte(plaintext))
			if err != nil {
				return fmt.Errorf("recipient %d: %w", r.UserID, err)
			}
			ciphertexts[i] = ct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Envelope{}, err
	}

	env := Envelope{Format: FormatV1, Recipients: make(map[string]string, len(recipients))}
	for i, r := range recipients {
		env.Recipients[strconv.FormatInt(r.UserID, 10)] = ciphertexts[i]
	}
	return env, nil
}

func encrypt(pub *Key, msg []byte) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub.pub, msg, nil)
	if errors.Is(err, rsa.ErrMessageTooLong) {
		return "", ErrPlaintextTooLong
	}
	if err != nil {
		return "", fmt.Errorf("e2ee: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt recovers the plaintext of one recipient's ciphertext.
func Decrypt(priv *Key, ciphertext string) (string, error) {
	if err := priv.require(UsageDecrypt); err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv.priv, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(pt), nil
}

// OpenFor extracts and decrypts the ciphertext addressed to userID. The
// boolean is false when the envelope holds nothing for that user.
func OpenFor(env Envelope, userID int64, priv *Key) (string, bool, error) {
	ct, ok := env.CiphertextFor(userID)
	if !ok {
		return "", false, nil
	}
	pt, err := Decrypt(priv, ct)
	return pt, true, err
}
