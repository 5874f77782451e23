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
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Sign returns a Base64 RSASSA-PKCS1-v1_5/SHA-256 signature over plaintext.
// Only parties that can decrypt the envelope can check it.
func Sign(priv *Key, plaintext string) (string, error) {
	if err := priv.require(UsageSign); err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(plaintext))
	sig, err := rsa.SignPKCS1v15(nil, priv.priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("e2ee: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of plaintext.
func Verify(pub *Key, signature string, plaintext string) bool {
	if pub.require(UsageVerify) != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(plaintext))
	return rsa.VerifyPKCS1v15(pub.pub, crypto.SHA256, digest[:], sig) == nil
}
