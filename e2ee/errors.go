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

import "errors"

var (
	// ErrInvalidKeyFormat is returned for malformed PEM input and for
	// usage sets a key cannot serve.
	ErrInvalidKeyFormat = errors.New("e2ee: invalid key format")

	// ErrKeyUsage is returned when a key handle is used for an operation
	// it was not imported or generated for.
	ErrKeyUsage = errors.New("e2ee: key not valid for this operation")

	// ErrEmptyPlaintext is returned when a message is blank after trimming.
	ErrEmptyPlaintext = errors.New("e2ee: cannot encrypt an empty message")

	// ErrPlaintextTooLong is returned when a message does not fit in a
	// single RSA-OAEP block for the recipient's modulus.
	ErrPlaintextTooLong = errors.New("e2ee: message too long for recipient key")

	// ErrDecryptionFailed covers every decryption mismatch: wrong key,
	// corrupted ciphertext or broken Base64.
	ErrDecryptionFailed = errors.New("e2ee: decryption failed")

	// ErrInvalidEnvelope is returned when a payload matches neither the
	// legacy nor the versioned envelope shape.
	ErrInvalidEnvelope = errors.New("e2ee: invalid envelope")
)
