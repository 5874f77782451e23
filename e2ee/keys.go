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

// Package e2ee implements the client side of the messaging protocol: RSA key
// management, the multi-recipient envelope and detached plaintext signatures.
//
// Encryption and signing always use separate key pairs. A Key handle knows
// its purpose and the usages it was created for, and every operation checks
// them.
package e2ee

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

const (
	// ModulusBits is the RSA modulus size for both key pairs.
	ModulusBits = 2048

	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

// KeyKind selects the public or private half of a key pair.
type KeyKind int

const (
	Public KeyKind = iota
	Private
)

func (k KeyKind) String() string {
	if k == Private {
		return "private"
	}
	return "public"
}

// Usage is a single permitted operation for a key handle.
type Usage string

const (
	UsageEncrypt Usage = "encrypt"
	UsageDecrypt Usage = "decrypt"
	UsageSign    Usage = "sign"
	UsageVerify  Usage = "verify"
)

// Purpose is what a key pair exists for. A pair serves exactly one.
type Purpose int

const (
	PurposeEncryption Purpose = iota
	PurposeSigning
)

func (p Purpose) String() string {
	if p == PurposeSigning {
		return "signing"
	}
	return "encryption"
}

// Key is an in-memory RSA key handle.
type Key struct {
	kind    KeyKind
	purpose Purpose
	usages  map[Usage]bool

	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// Kind returns whether k holds private material.
func (k *Key) Kind() KeyKind { return k.kind }

// Purpose returns the purpose k was created for.
func (k *Key) Purpose() Purpose { return k.purpose }

// Allows reports whether k may be used for u.
func (k *Key) Allows(u Usage) bool { return k.usages[u] }

// Public returns the public half of k as a handle carrying the matching
// public usages.
func (k *Key) Public() *Key {
	if k.kind == Public {
		return k
	}
	pub := &Key{kind: Public, purpose: k.purpose, pub: k.pub}
	if k.purpose == PurposeSigning {
		pub.usages = usageSet(UsageVerify)
	} else {
		pub.usages = usageSet(UsageEncrypt)
	}
	return pub
}

func (k *Key) require(u Usage) error {
	if k == nil || !k.usages[u] {
		return fmt.Errorf("%w: %s", ErrKeyUsage, u)
	}
	return nil
}

// KeyPair holds the two independent key pairs of one user.
type KeyPair struct {
	EncryptPublic  *Key
	EncryptPrivate *Key
	SignPublic     *Key
	SignPrivate    *Key
}

// GenerateKeyPair creates a fresh encryption pair (RSA-OAEP/SHA-256) and a
// fresh signing pair (RSASSA-PKCS1-v1_5/SHA-256).
func GenerateKeyPair() (*KeyPair, error) {
	encKey, err := rsa.GenerateKey(rand.Reader, ModulusBits)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate encryption key: %w", err)
	}
	sigKey, err := rsa.GenerateKey(rand.Reader, ModulusBits)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate signing key: %w", err)
	}

	enc := &Key{kind: Private, purpose: PurposeEncryption, usages: usageSet(UsageDecrypt), priv: encKey, pub: &encKey.PublicKey}
	sig := &Key{kind: Private, purpose: PurposeSigning, usages: usageSet(UsageSign), priv: sigKey, pub: &sigKey.PublicKey}

	return &KeyPair{
		EncryptPublic:  enc.Public(),
		EncryptPrivate: enc,
		SignPublic:     sig.Public(),
		SignPrivate:    sig,
	}, nil
}

// ExportToPEM encodes k as SPKI (public) or PKCS#8 (private) PEM.
// Asking for the public kind of a private handle exports its public half.
func ExportToPEM(k *Key, kind KeyKind) (string, error) {
	if k == nil {
		return "", fmt.Errorf("%w: nil key", ErrInvalidKeyFormat)
	}

	var (
		der   []byte
		block string
		err   error
	)
	switch kind {
	case Public:
		der, err = x509.MarshalPKIXPublicKey(k.pub)
		block = pemTypePublic
	case Private:
		if k.priv == nil {
			return "", fmt.Errorf("%w: public key has no private material", ErrInvalidKeyFormat)
		}
		der, err = x509.MarshalPKCS8PrivateKey(k.priv)
		block = pemTypePrivate
	default:
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidKeyFormat, kind)
	}
	if err != nil {
		return "", fmt.Errorf("e2ee: marshal %s key: %w", kind, err)
	}

	// pem.Encode wraps the Base64 body at 64 columns.
	out := pem.EncodeToMemory(&pem.Block{Type: block, Bytes: der})
	return strings.TrimRight(string(out), "\n"), nil
}

// ImportFromPEM parses an SPKI or PKCS#8 PEM string into a key handle
// restricted to usages. Usages must all belong to one purpose and be
// valid for kind.
func ImportFromPEM(s string, kind KeyKind, usages ...Usage) (*Key, error) {
	purpose, err := purposeOf(kind, usages)
	if err != nil {
		return nil, err
	}

	normalized := strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: no valid Base64 PEM body found", ErrInvalidKeyFormat)
	}

	k := &Key{kind: kind, purpose: purpose, usages: usageSet(usages...)}
	switch kind {
	case Public:
		if block.Type != pemTypePublic {
			return nil, fmt.Errorf("%w: expected %q block, got %q", ErrInvalidKeyFormat, pemTypePublic, block.Type)
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKeyFormat)
		}
		k.pub = pub
	case Private:
		if block.Type != pemTypePrivate {
			return nil, fmt.Errorf("%w: expected %q block, got %q", ErrInvalidKeyFormat, pemTypePrivate, block.Type)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKeyFormat)
		}
		k.priv = priv
		k.pub = &priv.PublicKey
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidKeyFormat, kind)
	}
	return k, nil
}

func purposeOf(kind KeyKind, usages []Usage) (Purpose, error) {
	if len(usages) == 0 {
		return 0, fmt.Errorf("%w: key usages are required", ErrInvalidKeyFormat)
	}

	var signing, encryption bool
	for _, u := range usages {
		switch u {
		case UsageSign, UsageVerify:
			signing = true
		case UsageEncrypt, UsageDecrypt:
			encryption = true
		default:
			return 0, fmt.Errorf("%w: unknown usage %q", ErrInvalidKeyFormat, u)
		}
		if !validFor(kind, u) {
			return 0, fmt.Errorf("%w: usage %q not valid for a %s key", ErrInvalidKeyFormat, u, kind)
		}
	}
	if signing && encryption {
		return 0, fmt.Errorf("%w: mixed encryption and signing usages", ErrInvalidKeyFormat)
	}
	if signing {
		return PurposeSigning, nil
	}
	return PurposeEncryption, nil
}

func validFor(kind KeyKind, u Usage) bool {
	if kind == Public {
		return u == UsageEncrypt || u == UsageVerify
	}
	return u == UsageDecrypt || u == UsageSign
}

func usageSet(usages ...Usage) map[Usage]bool {
	m := make(map[Usage]bool, len(usages))
	for _, u := range usages {
		m[u] = true
	}
	return m
}
