package ledger

import (
	"bytes"
	"sort"
	"time"

	"exoneum.core/exc/internal/merkle"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/types"
)

// View is a readable state: a Snapshot or a Fork.
type View interface {
	// TimeFact returns the committed consensus time visible to this view.
	TimeFact() (time.Time, bool)
	// Height returns the height of the committed block the view is based on.
	Height() int64

	usersTree() *merkle.Tree
}

// Snapshot is an immutable point-in-time view of committed state.
type Snapshot struct {
	users   *merkle.Tree
	block   types.BlockInfo
	now     time.Time
	hasTime bool
}

func (s *Snapshot) usersTree() *merkle.Tree { return s.users }

func (s *Snapshot) Height() int64 { return s.block.Height }

// Block returns the last committed block. Its height is 0 before the first commit.
func (s *Snapshot) Block() types.BlockInfo { return s.block }

func (s *Snapshot) TimeFact() (time.Time, bool) { return s.now, s.hasTime }

// Fork accumulates the writes of one block on top of a snapshot. It is not
// safe for concurrent use.
type Fork struct {
	base     *Snapshot
	tree     *merkle.Tree
	saved    *merkle.Tree
	touched  map[types.PublicKey]struct{}
	receipts []types.Receipt
	closed   bool
}

func (f *Fork) usersTree() *merkle.Tree { return f.tree }

func (f *Fork) Height() int64 { return f.base.Height() }

// TimeFact returns the time committed with the base snapshot. Writes made in
// the fork never change it.
func (f *Fork) TimeFact() (time.Time, bool) { return f.base.TimeFact() }

// Checkpoint marks the current state as the target of the next Rollback.
func (f *Fork) Checkpoint() {
	f.saved = f.tree
}

// Rollback discards every write made since the last Checkpoint.
func (f *Fork) Rollback() {
	f.tree = f.saved
}

// Record appends an execution receipt and returns it with its index set.
// The height is filled in on commit.
func (f *Fork) Record(r types.Receipt) types.Receipt {
	r.Index = len(f.receipts)
	r.Height = f.base.Height() + 1
	f.receipts = append(f.receipts, r)
	return r
}

// Receipts returns the receipts recorded so far.
func (f *Fork) Receipts() []types.Receipt {
	return append([]types.Receipt(nil), f.receipts...)
}

func (f *Fork) put(key types.PublicKey, value []byte) {
	f.tree = f.tree.Put(merkle.Key(key), value)
	f.touched[key] = struct{}{}
}

// changes returns the entries whose value differs from the base snapshot, in
// ascending key order.
func (f *Fork) changes() []storage.Entry {
	out := make([]storage.Entry, 0, len(f.touched))
	for key := range f.touched {
		now, ok := f.tree.Get(merkle.Key(key))
		if !ok {
			continue
		}
		if before, had := f.base.users.Get(merkle.Key(key)); had && bytes.Equal(before, now) {
			continue
		}
		out = append(out, storage.Entry{Key: key, Value: now})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0
	})
	return out
}
