// Package transactions defines the signed transactions of the exoneum core
// service: their wire format, stateless verification and deterministic
// execution against a ledger fork.
//
// Wire layout:
//
//	u16be service_id | u16be message_id | body | signature[64]
//
// The signature covers every byte before it. The transaction hash is the
// SHA-256 of the complete byte string, the same hash the consensus engine
// reports.
package transactions

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"

	"exoneum.core/exc/internal/types"
)

// Message identifiers of the service.
const (
	MessageCreateUser uint16 = 0
)

const headerSize = 4

// Transaction is a decoded transaction body. The set of variants is closed:
// only types in this package implement it.
type Transaction interface {
	// MessageID identifies the variant on the wire.
	MessageID() uint16
	// Author is the key whose signature authorises the transaction.
	Author() types.PublicKey

	encodeBody(e *types.Encoder)
	sealed()
}

// CreateUser registers Author as a new user with the initial balance.
type CreateUser struct {
	PublicKey types.PublicKey `json:"public_key"`
	Name      string          `json:"name"`
}

func (CreateUser) MessageID() uint16 { return MessageCreateUser }
func (tx CreateUser) Author() types.PublicKey { return tx.PublicKey }
func (CreateUser) sealed() {}
func (tx CreateUser) encodeBody(e *types.Encoder) { e.Fixed(tx.PublicKey[:]).String(tx.Name) }

func decodeCreateUser(d *types.Decoder) Transaction {
	var tx CreateUser
	d.Fixed(tx.PublicKey[:], "public_key")
	tx.Name = d.String("name")
	return tx
}

// Signed is a transaction together with its signature and exact wire bytes.
type Signed struct {
	Tx        Transaction
	Signature [types.SignatureSize]byte
	raw       []byte
}

// Bytes returns the wire encoding.
func (s *Signed) Bytes() []byte {
	return append([]byte(nil), s.raw...)
}

// Hash returns the transaction hash.
func (s *Signed) Hash() types.Hash {
	return Hash(s.raw)
}

// Hash returns the hash of raw transaction bytes.
func Hash(raw []byte) types.Hash {
	var h types.Hash
	copy(h[:], tmhash.Sum(raw))
	return h
}

// Verify checks the signature against the author's key. It does not consult
// any state.
func (s *Signed) Verify() error {
	author := s.Tx.Author()
	payload := s.raw[:len(s.raw)-types.SignatureSize]
	if !ed25519.Verify(ed25519.PublicKey(author[:]), payload, s.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

func encodePayload(tx Transaction) []byte {
	e := types.NewEncoder(64).Uint16(types.ServiceID).Uint16(tx.MessageID())
	tx.encodeBody(e)
	return e.Bytes()
}

// Sign encodes tx and signs it with key. The key must belong to tx.Author().
func Sign(tx Transaction, key ed25519.PrivateKey) (*Signed, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	author := tx.Author()
	pub, _ := key.Public().(ed25519.PublicKey)
	if string(pub) != string(author[:]) {
		return nil, fmt.Errorf("signing key does not match author %s", author)
	}
	payload := encodePayload(tx)
	sig := ed25519.Sign(key, payload)
	return assemble(tx, payload, sig), nil
}

func assemble(tx Transaction, payload, sig []byte) *Signed {
	s := &Signed{Tx: tx, raw: append(append(make([]byte, 0, len(payload)+len(sig)), payload...), sig...)}
	copy(s.Signature[:], sig)
	return s
}

// Decode parses wire bytes. It fails on unknown services or messages,
// truncated input and trailing bytes. The signature is not checked.
func Decode(raw []byte) (*Signed, error) {
	if len(raw) < headerSize+types.SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	payload := raw[:len(raw)-types.SignatureSize]

	d := types.NewDecoder(payload)
	serviceID := d.Uint16("service_id")
	messageID := d.Uint16("message_id")
	if serviceID != types.ServiceID {
		return nil, fmt.Errorf("%w: %d", ErrUnknownService, serviceID)
	}

	var tx Transaction
	switch messageID {
	case MessageCreateUser:
		tx = decodeCreateUser(d)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, messageID)
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s := &Signed{Tx: tx, raw: append([]byte(nil), raw...)}
	copy(s.Signature[:], raw[len(payload):])
	return s, nil
}

// Envelope is the JSON form of a signed transaction accepted by the API.
type Envelope struct {
	ServiceID uint16          `json:"service_id"`
	MessageID uint16          `json:"message_id"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// Envelope returns the JSON form of s.
func (s *Signed) Envelope() (Envelope, error) {
	body, err := json.Marshal(s.Tx)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode body: %w", err)
	}
	return Envelope{
		ServiceID: types.ServiceID,
		MessageID: s.Tx.MessageID(),
		Body:      body,
		Signature: hex.EncodeToString(s.Signature[:]),
	}, nil
}

// Signed rebuilds the wire transaction described by the envelope. The
// signature is carried over as-is and not verified.
func (env Envelope) Signed() (*Signed, error) {
	if env.ServiceID != types.ServiceID {
		return nil, fmt.Errorf("%w: %d", ErrUnknownService, env.ServiceID)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}

	var tx Transaction
	switch env.MessageID {
	case MessageCreateUser:
		var body struct {
			PublicKey *types.PublicKey `json:"public_key"`
			Name      *string          `json:"name"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if body.PublicKey == nil || body.Name == nil {
			return nil, fmt.Errorf("%w: create user needs public_key and name", ErrMalformed)
		}
		tx = CreateUser{PublicKey: *body.PublicKey, Name: *body.Name}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, env.MessageID)
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil || len(sig) != types.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d hex-encoded bytes", ErrMalformed, types.SignatureSize)
	}
	return assemble(tx, encodePayload(tx), sig), nil
}

// ParseEnvelope decodes a JSON envelope into a signed transaction.
func ParseEnvelope(data []byte) (*Signed, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Signed()
}
