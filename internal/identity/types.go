package identity

import (
	"crypto/ed25519"

	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

// Identity is an ed25519 keypair acting as a ledger user.
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  types.PublicKey
}

// NewIdentity creates a new Identity from a private key
func NewIdentity(privKey ed25519.PrivateKey) *Identity {
	var pk types.PublicKey
	copy(pk[:], privKey.Public().(ed25519.PublicKey))
	return &Identity{
		privateKey: privKey,
		publicKey:  pk,
	}
}

// Sign signs the provided message with the identity's private key
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify verifies a signature against a message using the identity's public key
func (i *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(i.publicKey[:], message, signature)
}

// PublicKey returns the public key, which is also the ledger user key.
func (i *Identity) PublicKey() types.PublicKey {
	return i.publicKey
}

// PrivateKey returns the raw private key
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.privateKey
}

// PublicKeyHex returns the hex-encoded public key string
func (i *Identity) PublicKeyHex() string {
	return i.publicKey.String()
}

// CreateUser returns a signed transaction registering this identity under name.
func (i *Identity) CreateUser(name string) (*transactions.Signed, error) {
	return transactions.Sign(transactions.CreateUser{PublicKey: i.publicKey, Name: name}, i.privateKey)
}
