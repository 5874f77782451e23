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
)

// Identity holds a user's public key material. The server never sees
// private keys.
type Identity struct {
	UserID           int64     `json:"userId"`
	EncryptPublicKey string    `json:"publicKey"`
	SignPublicKey    string    `json:"signingPublicKey"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SameKeys reports whether other carries identical key material.
func (i *Identity) SameKeys(other *Identity) bool {
	return i.EncryptPublicKey == other.EncryptPublicKey && i.SignPublicKey == other.SignPublicKey
}

// KeyRegistration is the body of a key registration request.
type KeyRegistration struct {
	PublicKey        string `json:"publicKey"`
	SigningPublicKey string `json:"signingPublicKey"`
}

// Caller is the authenticated identity a request arrives with.
type Caller struct {
	ID       int64
	Username string
}
