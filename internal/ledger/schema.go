package ledger

import (
	tmmerkle "github.com/tendermint/tendermint/crypto/merkle"

	"exoneum.core/exc/internal/merkle"
	"exoneum.core/exc/internal/types"
)

// Schema gives typed access to the tables of a view.
type Schema struct {
	view View
}

func NewSchema(view View) Schema {
	return Schema{view: view}
}

// Users returns the read-only users table.
func (s Schema) Users() Users {
	return Users{view: s.view}
}

// StateHash returns the roots of every authenticated table, in a fixed order.
func (s Schema) StateHash() []types.Hash {
	return StateHash(s.view)
}

// ForkSchema extends Schema with write access on a fork.
type ForkSchema struct {
	Schema
	fork *Fork
}

func NewForkSchema(fork *Fork) ForkSchema {
	return ForkSchema{Schema: Schema{view: fork}, fork: fork}
}

// UsersMut returns the writable users table.
func (s ForkSchema) UsersMut() MutUsers {
	return MutUsers{Users: Users{view: s.fork}, fork: s.fork}
}

// Users is the authenticated users table, keyed by public key. Reads always
// see the view's current state.
type Users struct {
	view View
}

// Get returns the user registered under key.
func (u Users) Get(key types.PublicKey) (types.User, bool) {
	raw, ok := u.view.usersTree().Get(merkle.Key(key))
	if !ok {
		return types.User{}, false
	}
	user, err := types.DecodeUser(raw)
	if err != nil {
		// Values are validated on load and encoded on write.
		return types.User{}, false
	}
	return user, true
}

// Contains reports whether key is registered.
func (u Users) Contains(key types.PublicKey) bool {
	_, ok := u.view.usersTree().Get(merkle.Key(key))
	return ok
}

// Values returns every user in ascending key order.
func (u Users) Values() []types.User {
	tree := u.view.usersTree()
	users := make([]types.User, 0, tree.Len())
	tree.Iterate(func(_ merkle.Key, value []byte) bool {
		if user, err := types.DecodeUser(value); err == nil {
			users = append(users, user)
		}
		return true
	})
	return users
}

// Len returns the number of registered users.
func (u Users) Len() int {
	return u.view.usersTree().Len()
}

// RootHash returns the Merkle root of the table.
func (u Users) RootHash() types.Hash {
	return u.view.usersTree().Root()
}

// Prove returns an inclusion or exclusion proof for key against RootHash.
func (u Users) Prove(key types.PublicKey) merkle.Proof {
	return u.view.usersTree().Prove(merkle.Key(key))
}

// MutUsers is the users table of a fork.
type MutUsers struct {
	Users
	fork *Fork
}

// Put stores user under its own public key, replacing any previous record.
func (m MutUsers) Put(user types.User) {
	m.fork.put(user.PublicKey, types.EncodeUser(user))
}

// StateHash returns the list of table roots that make up the state
// commitment of view. The users table is the only entry.
func StateHash(view View) []types.Hash {
	return []types.Hash{view.usersTree().Root()}
}

// AppHash folds StateHash into the single hash reported to the consensus engine.
func AppHash(view View) types.Hash {
	hashes := StateHash(view)
	items := make([][]byte, len(hashes))
	for i, h := range hashes {
		items[i] = h.Bytes()
	}
	var out types.Hash
	copy(out[:], tmmerkle.HashFromByteSlices(items))
	return out
}
