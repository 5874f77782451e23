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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// EnvelopeVersion is the only versioned envelope layout.
	EnvelopeVersion = 1

	// AlgorithmRSAOAEP names the per-recipient cipher in a versioned envelope.
	AlgorithmRSAOAEP = "RSA-OAEP"
)

// Format tags which wire layout an Envelope was decoded from, and which one
// it encodes to.
type Format int

const (
	// FormatLegacy is a bare {"<userId>": "<ciphertext>"} map.
	FormatLegacy Format = iota
	// FormatV1 is {"version":1,"algorithm":"RSA-OAEP","recipients":{...}}.
	FormatV1
)

func (f Format) String() string {
	if f == FormatV1 {
		return "v1"
	}
	return "legacy"
}

// Envelope carries one Base64 ciphertext per recipient, all produced from the
// same plaintext. The layout is decided once when decoding; callers switch on
// Format instead of probing fields.
type Envelope struct {
	Format     Format
	Recipients map[string]string
}

type envelopeV1 struct {
	Version    int               `json:"version"`
	Algorithm  string            `json:"algorithm"`
	Recipients map[string]string `json:"recipients"`
}

// CiphertextFor returns the ciphertext addressed to userID. A missing entry
// is not an error: the message is simply not readable by that user.
func (e Envelope) CiphertextFor(userID int64) (string, bool) {
	ct, ok := e.Recipients[strconv.FormatInt(userID, 10)]
	if !ok || ct == "" {
		return "", false
	}
	return ct, true
}

// RecipientIDs returns the user ids the envelope is addressed to.
func (e Envelope) RecipientIDs() []int64 {
	ids := make([]int64, 0, len(e.Recipients))
	for k := range e.Recipients {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarshalJSON encodes e in the layout named by its Format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	recipients := e.Recipients
	if recipients == nil {
		recipients = map[string]string{}
	}
	switch e.Format {
	case FormatV1:
		return json.Marshal(envelopeV1{
			Version:    EnvelopeVersion,
			Algorithm:  AlgorithmRSAOAEP,
			Recipients: recipients,
		})
	case FormatLegacy:
		return json.Marshal(recipients)
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrInvalidEnvelope, e.Format)
	}
}

// UnmarshalJSON decides the layout and validates it.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	parsed, err := ParseEnvelope(b)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEnvelope decodes a JSON envelope. An object holding any of the
// version, algorithm or recipients keys must be a complete v1 envelope;
// anything else must be a flat map of user id to ciphertext.
func ParseEnvelope(b []byte) (Envelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrInvalidEnvelope)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	_, hasVersion := fields["version"]
	_, hasAlgorithm := fields["algorithm"]
	_, hasRecipients := fields["recipients"]

	var env Envelope
	if hasVersion || hasAlgorithm || hasRecipients {
		if !hasVersion || !hasAlgorithm || !hasRecipients || len(fields) != 3 {
			return Envelope{}, fmt.Errorf("%w: incomplete versioned envelope", ErrInvalidEnvelope)
		}
		var v1 envelopeV1
		if err := json.Unmarshal(b, &v1); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if v1.Version != EnvelopeVersion {
			return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, v1.Version)
		}
		if v1.Algorithm != AlgorithmRSAOAEP {
			return Envelope{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidEnvelope, v1.Algorithm)
		}
		env = Envelope{Format: FormatV1, Recipients: v1.Recipients}
	} else {
		var legacy map[string]string
		if err := json.Unmarshal(b, &legacy); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		env = Envelope{Format: FormatLegacy, Recipients: legacy}
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that every recipient key is a positive user id and every
// ciphertext is non-empty standard Base64.
func (e Envelope) Validate() error {
	if e.Format != FormatLegacy && e.Format != FormatV1 {
		return fmt.Errorf("%w: unknown format %d", ErrInvalidEnvelope, e.Format)
	}
	if len(e.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidEnvelope)
	}
	for k, v := range e.Recipients {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil || id <= 0 || strconv.FormatInt(id, 10) != k {
			return fmt.Errorf("%w: recipient %q is not a user id", ErrInvalidEnvelope, k)
		}
		if v == "" {
			return fmt.Errorf("%w: empty ciphertext for %s", ErrInvalidEnvelope, k)
		}
		if _, err := base64.StdEncoding.DecodeString(v); err != nil {
			return fmt.Errorf("%w: ciphertext for %s is not Base64", ErrInvalidEnvelope, k)
		}
	}
	return nil
}
