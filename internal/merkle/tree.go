// Package merkle implements a persistent, compacted sparse Merkle tree over
// 256-bit keys.
//
// Bit 0 of a key is the most significant bit of its first byte, so an in-order
// walk visits keys in ascending byte order. A subtree holding a single entry is
// stored as that leaf; an empty subtree hashes to 32 zero bytes. The shape of
// the tree depends only on the set of keys it holds, which makes the root hash
// independent of insertion order.
//
// Trees are immutable. Put returns a new tree sharing every untouched node
// with its parent, so old roots remain valid snapshots for concurrent readers.
package merkle

import (
	"bytes"
	"crypto/sha256"

	"exoneum.core/exc/internal/types"
)

// KeySize is the length of every key in bits.
const KeySize = 256

const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// Key addresses an entry in the tree.
type Key [32]byte

// EmptyHash is the hash of an empty subtree.
var EmptyHash types.Hash

type node struct {
	hash types.Hash

	// Inner nodes. A nil child is an empty subtree.
	left, right *node

	// Leaves.
	leaf      bool
	key       Key
	value     []byte
	valueHash types.Hash
}

// Tree is an immutable sparse Merkle tree. The zero value is an empty tree.
type Tree struct {
	root *node
	size int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Root returns the root hash. An empty tree has the all-zero hash.
func (t *Tree) Root() types.Hash {
	if t == nil || t.root == nil {
		return EmptyHash
	}
	return t.root.hash
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Get returns the value stored under key.
func (t *Tree) Get(key Key) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	n := t.root
	for depth := 0; n != nil; depth++ {
		if n.leaf {
			if n.key == key {
				return n.value, true
			}
			return nil, false
		}
		if bit(key, depth) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil, false
}

// Put returns a tree with key set to value. The receiver is unchanged.
// The value slice is retained and must not be modified afterwards.
func (t *Tree) Put(key Key, value []byte) *Tree {
	if value == nil {
		value = []byte{}
	}
	var root *node
	var size int
	if t != nil {
		root, size = t.root, t.size
	}
	newRoot, added := insert(root, 0, newLeaf(key, value))
	if added {
		size++
	}
	return &Tree{root: newRoot, size: size}
}

// Iterate calls fn for every entry in ascending key order until fn returns false.
func (t *Tree) Iterate(fn func(key Key, value []byte) bool) {
	if t == nil {
		return
	}
	walk(t.root, fn)
}

func walk(n *node, fn func(Key, []byte) bool) bool {
	if n == nil {
		return true
	}
	if n.leaf {
		return fn(n.key, n.value)
	}
	return walk(n.left, fn) && walk(n.right, fn)
}

func insert(n *node, depth int, leaf *node) (*node, bool) {
	if n == nil {
		return leaf, true
	}
	if n.leaf {
		if n.key == leaf.key {
			if bytes.Equal(n.value, leaf.value) {
				return n, false
			}
			return leaf, false
		}
		return split(depth, n, leaf), true
	}

	left, right := n.left, n.right
	var added bool
	if bit(leaf.key, depth) == 0 {
		left, added = insert(left, depth+1, leaf)
	} else {
		right, added = insert(right, depth+1, leaf)
	}
	return newInner(left, right), added
}

// split builds the inner nodes above two leaves with distinct keys, starting
// at depth and descending until their key bits diverge.
func split(depth int, a, b *node) *node {
	ba, bb := bit(a.key, depth), bit(b.key, depth)
	if ba != bb {
		if ba == 0 {
			return newInner(a, b)
		}
		return newInner(b, a)
	}
	child := split(depth+1, a, b)
	if ba == 0 {
		return newInner(child, nil)
	}
	return newInner(nil, child)
}

func newLeaf(key Key, value []byte) *node {
	vh := types.HashBytes(value)
	return &node{
		leaf:      true,
		key:       key,
		value:     value,
		valueHash: vh,
		hash:      leafHash(key, vh),
	}
}

func newInner(left, right *node) *node {
	return &node{
		left:  left,
		right: right,
		hash:  nodeHash(hashOf(left), hashOf(right)),
	}
}

func hashOf(n *node) types.Hash {
	if n == nil {
		return EmptyHash
	}
	return n.hash
}

func leafHash(key Key, valueHash types.Hash) types.Hash {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(key[:])
	h.Write(valueHash[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func nodeHash(left, right types.Hash) types.Hash {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// bit returns the i-th bit of key, counting from the most significant bit.
func bit(key Key, i int) byte {
	return (key[i/8] >> (7 - uint(i%8))) & 1
}
