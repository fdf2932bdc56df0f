package merkle

import (
	"encoding/json"
	"errors"
	"fmt"

	"exoneum.core/exc/internal/types"
)

var (
	// ErrInvalidProof is returned when a proof does not reproduce the root hash.
	ErrInvalidProof = errors.New("invalid merkle proof")
	// ErrMalformedProof is returned when a proof is structurally inconsistent.
	ErrMalformedProof = errors.New("malformed merkle proof")
)

// LeafWitness identifies a leaf that occupies the path of an absent key.
type LeafWitness struct {
	Key       types.Hash `json:"key"`
	ValueHash types.Hash `json:"value_hash"`
}

// Proof is an inclusion or exclusion proof for a single key. Siblings are
// ordered from the root downwards; the path ends where the key's leaf (or an
// empty subtree, or another key's leaf) sits.
type Proof struct {
	Siblings []types.Hash `json:"siblings"`
	Leaf     *LeafWitness `json:"leaf,omitempty"`
}

// Prove returns a proof for key against the tree's current root. The proof
// demonstrates inclusion when the key is present and exclusion otherwise.
func (t *Tree) Prove(key Key) Proof {
	proof := Proof{Siblings: []types.Hash{}}
	if t == nil {
		return proof
	}
	n := t.root
	for depth := 0; n != nil && !n.leaf; depth++ {
		if bit(key, depth) == 0 {
			proof.Siblings = append(proof.Siblings, hashOf(n.right))
			n = n.left
		} else {
			proof.Siblings = append(proof.Siblings, hashOf(n.left))
			n = n.right
		}
	}
	if n != nil && n.key != key {
		proof.Leaf = &LeafWitness{Key: types.Hash(n.key), ValueHash: n.valueHash}
	}
	return proof
}

// VerifyProof checks a proof against root. A nil value asserts that key is
// absent; any other value asserts that key maps to exactly that value.
func VerifyProof(root types.Hash, key Key, value []byte, proof Proof) error {
	depth := len(proof.Siblings)
	if depth > KeySize {
		return fmt.Errorf("%w: %d siblings", ErrMalformedProof, depth)
	}

	var h types.Hash
	switch {
	case value != nil:
		if proof.Leaf != nil {
			return fmt.Errorf("%w: inclusion proof carries a foreign leaf", ErrMalformedProof)
		}
		h = leafHash(key, types.HashBytes(value))
	case proof.Leaf != nil:
		other := Key(proof.Leaf.Key)
		if other == key {
			return fmt.Errorf("%w: exclusion witness has the proven key", ErrMalformedProof)
		}
		for i := 0; i < depth; i++ {
			if bit(other, i) != bit(key, i) {
				return fmt.Errorf("%w: witness leaf is off the key path", ErrMalformedProof)
			}
		}
		h = leafHash(other, proof.Leaf.ValueHash)
	default:
		h = EmptyHash
	}

	for i := depth - 1; i >= 0; i-- {
		if bit(key, i) == 0 {
			h = nodeHash(h, proof.Siblings[i])
		} else {
			h = nodeHash(proof.Siblings[i], h)
		}
	}

	if h != root {
		return ErrInvalidProof
	}
	return nil
}

// Marshal encodes the proof as JSON, the format carried in ABCI query results.
func (p Proof) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalProof decodes a proof produced by Marshal.
func UnmarshalProof(data []byte) (Proof, error) {
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return p, nil
}
