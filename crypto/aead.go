// Copyright (C) 2024 Oblivquery, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package crypto implements the Crypto, Random, and EnclaveCheck external
// collaborators of spec §6. These are deliberately thin: key agreement
// and management are an explicit spec Non-goal (§1) owned by the host,
// so this package only wraps a provisioned key into the three operations
// the kernel actually calls (EncSize, Encrypt, Decrypt).
//
// AEADCollaborator is grounded on
// _examples/SnellerInc-sneller/elasticproxy/proxy_http/cryptbytes.go's
// chacha20poly1305 nonce+seal box.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEADCollaborator implements the Crypto collaborator of spec §6 over a
// single provisioned chacha20poly1305 key. One instance is meant to be
// used for the whole duration of an operator call (spec §5 "scoped
// acquisition").
type AEADCollaborator struct {
	aead cipher.AEAD
}

// NewAEAD builds an AEADCollaborator from a 32-byte key. Key provisioning
// itself -- how the enclave obtained this key -- is out of scope (spec
// §1 Non-goals: "cryptographic key agreement").
func NewAEAD(key []byte) (*AEADCollaborator, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead collaborator: %w", err)
	}
	return &AEADCollaborator{aead: aead}, nil
}

// EncSize returns the ciphertext length Encrypt will produce for a
// plaintext of plainLen bytes: nonce + sealed payload + auth tag.
func (c *AEADCollaborator) EncSize(plainLen int) int {
	return chacha20poly1305.NonceSize + plainLen + c.aead.Overhead()
}

// Encrypt seals plain and appends the result to dst.
func (c *AEADCollaborator) Encrypt(plain []byte, dst []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	dst = append(dst, nonce...)
	dst = c.aead.Seal(dst, nonce, plain, nil)
	return dst, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A failure here is an
// Integrity-class error (spec §7): the caller should treat the
// containing stage as compromised, not retry the same bytes.
func (c *AEADCollaborator) Decrypt(cipherBytes []byte) ([]byte, error) {
	if len(cipherBytes) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce := cipherBytes[:chacha20poly1305.NonceSize]
	box := cipherBytes[chacha20poly1305.NonceSize:]
	plain, err := c.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
