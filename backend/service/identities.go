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
	"github.com/efchatnet/efdm/e2ee"
)

// IdentityService publishes users' public keys. Registered keys never
// change.
type IdentityService struct {
	store storage.IdentityStore
}

func NewIdentityService(store storage.IdentityStore) *IdentityService {
	return &IdentityService{store: store}
}

// Register stores caller's public keys. Registering the same keys again
// succeeds with created == false.
func (s *IdentityService) Register(ctx context.Context, caller models.Caller, reg models.KeyRegistration) (*models.Identity, bool, error) {
	enc, err := e2ee.ImportFromPEM(reg.PublicKey, e2ee.Public, e2ee.UsageEncrypt)
	if err != nil {
		return nil, false, apperr.InvalidInput("publicKey is not a valid RSA public key")
	}
	sig, err := e2ee.ImportFromPEM(reg.SigningPublicKey, e2ee.Public, e2ee.UsageVerify)
	if err != nil {
		return nil, false, apperr.InvalidInput("signingPublicKey is not a valid RSA public key")
	}

	encPEM, err := e2ee.ExportToPEM(enc, e2ee.Public)
	if err != nil {
		return nil, false, apperr.Internal("export key", err)
	}
	sigPEM, err := e2ee.ExportToPEM(sig, e2ee.Public)
	if err != nil {
		return nil, false, apperr.Internal("export key", err)
	}
	if encPEM == sigPEM {
		return nil, false, apperr.InvalidInput("Encryption and signing keys must differ")
	}

	id := &models.Identity{
		UserID:           caller.ID,
		EncryptPublicKey: encPEM,
		SignPublicKey:    sigPEM,
	}
	created, err := s.store.PutIdentity(ctx, id)
	if errors.Is(err, storage.ErrConflict) {
		return nil, false, apperr.Conflict("Keys are already registered and cannot be replaced")
	}
	if err != nil {
		return nil, false, apperr.Internal("put identity", err)
	}
	return id, created, nil
}

// PublicKeys returns the registered keys of userID.
func (s *IdentityService) PublicKeys(ctx context.Context, userID int64) (*models.Identity, error) {
	if userID <= 0 {
		return nil, apperr.InvalidInput("Invalid user id")
	}
	id, err := s.store.GetIdentity(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Public key not found")
	}
	if err != nil {
		return nil, apperr.Internal("get identity", err)
	}
	return id, nil
}
