package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the expected size of a hash in bytes
const HashSize = sha256.Size

// PublicKeySize is the expected size of a public key in bytes
const PublicKeySize = 32

// SignatureSize is the expected size of a signature in bytes
const SignatureSize = 64

// Hash is a SHA-256 digest. It encodes as a hex string in JSON.
type Hash [HashSize]byte

// PublicKey is an Ed25519 public key. It encodes as a hex string in JSON.
type PublicKey [PublicKeySize]byte

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash: %w", err)
	}
	return NewHash(raw)
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// IsZero returns true if the hash is all zeros
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewPublicKey(data []byte) (PublicKey, error) {
	var pk PublicKey
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	return NewPublicKey(raw)
}

// Bytes returns a copy of the key as a byte slice.
func (pk PublicKey) Bytes() []byte {
	return append([]byte(nil), pk[:]...)
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
