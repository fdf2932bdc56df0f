// Package ledger holds the replicated ledger state. A Store owns the committed
// users tree; readers take lock-free Snapshots and the block executor mutates
// a Fork that is merged back atomically on Commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/merkle"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/types"
)

var (
	// ErrStaleFork is returned when a fork was taken from a snapshot that is
	// no longer the latest committed state.
	ErrStaleFork = errors.New("fork is based on a stale snapshot")
	// ErrForkClosed is returned when a fork is used after Commit.
	ErrForkClosed = errors.New("fork already committed")
	// ErrStateMismatch is returned when persisted users do not reproduce the
	// state root recorded with the last block.
	ErrStateMismatch = errors.New("persisted state does not match last committed block")
)

// Store is the authenticated users store backed by a storage database.
type Store struct {
	db      *storage.Store
	log     *logrus.Entry
	commit  sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Open rebuilds the users tree from db and verifies it against the last
// committed block.
func Open(ctx context.Context, db *storage.Store, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{db: db, log: log.WithField("component", "ledger")}

	entries, err := db.LoadUsers(ctx)
	if err != nil {
		return nil, err
	}
	tree := merkle.New()
	for _, e := range entries {
		if _, err := types.DecodeUser(e.Value); err != nil {
			return nil, fmt.Errorf("user %s: %w", e.Key, err)
		}
		tree = tree.Put(merkle.Key(e.Key), e.Value)
	}

	snap := &Snapshot{users: tree}

	last, err := db.LastBlock(ctx)
	switch {
	case err == nil:
		if last.StateRoot != tree.Root() {
			return nil, fmt.Errorf("%w: height %d root %s, rebuilt %s",
				ErrStateMismatch, last.Height, last.StateRoot, tree.Root())
		}
		snap.block = last
		snap.now, snap.hasTime = last.Time, true
	case errors.Is(err, storage.ErrNotFound):
		if tree.Len() != 0 {
			return nil, fmt.Errorf("%w: %d users without a committed block", ErrStateMismatch, tree.Len())
		}
		g, err := db.Genesis(ctx)
		if err == nil {
			snap.now, snap.hasTime = g.Time, true
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	default:
		return nil, err
	}

	s.current.Store(snap)
	s.log.WithFields(logrus.Fields{
		"height": snap.Height(),
		"users":  tree.Len(),
		"root":   tree.Root().String(),
	}).Info("ledger loaded")
	return s, nil
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Fork returns a mutable view on top of the latest committed state.
func (s *Store) Fork() *Fork {
	base := s.Snapshot()
	return &Fork{
		base:    base,
		tree:    base.users,
		saved:   base.users,
		touched: make(map[types.PublicKey]struct{}),
	}
}

// InitChain records the genesis facts. It may only be called before the
// first block is committed.
func (s *Store) InitChain(ctx context.Context, chainID string, genesisTime time.Time) error {
	s.commit.Lock()
	defer s.commit.Unlock()

	cur := s.Snapshot()
	if cur.Height() != 0 {
		return fmt.Errorf("init chain at height %d", cur.Height())
	}
	if err := s.db.SaveGenesis(ctx, storage.Genesis{ChainID: chainID, Time: genesisTime}); err != nil {
		return err
	}

	next := *cur
	next.now, next.hasTime = genesisTime, true
	s.current.Store(&next)
	return nil
}

// Commit persists the net changes of fork together with its receipts as block
// height, then publishes the new state to readers. The fork must have been
// taken from the latest snapshot and cannot be reused.
func (s *Store) Commit(ctx context.Context, fork *Fork, height int64, blockTime time.Time) (types.BlockInfo, error) {
	s.commit.Lock()
	defer s.commit.Unlock()

	if fork.closed {
		return types.BlockInfo{}, ErrForkClosed
	}
	cur := s.Snapshot()
	if fork.base != cur {
		return types.BlockInfo{}, ErrStaleFork
	}
	// The first block may start above 1 when the genesis sets an initial height.
	if height <= 0 || (cur.Height() != 0 && height != cur.Height()+1) {
		return types.BlockInfo{}, fmt.Errorf("commit height %d after %d", height, cur.Height())
	}

	block := types.BlockInfo{
		Height:    height,
		AppHash:   AppHash(fork),
		StateRoot: fork.tree.Root(),
		Time:      blockTime.UTC(),
		TxCount:   len(fork.receipts),
	}
	receipts := make([]types.Receipt, len(fork.receipts))
	for i, r := range fork.receipts {
		r.Height = height
		receipts[i] = r
	}

	batch := storage.Batch{
		Block:    block,
		Users:    fork.changes(),
		Receipts: receipts,
	}
	if err := s.db.CommitBlock(ctx, batch); err != nil {
		return types.BlockInfo{}, fmt.Errorf("persist block %d: %w", height, err)
	}

	fork.closed = true
	s.current.Store(&Snapshot{
		users:   fork.tree,
		block:   block,
		now:     block.Time,
		hasTime: true,
	})

	s.log.WithFields(logrus.Fields{
		"height":   height,
		"txs":      block.TxCount,
		"changed":  len(batch.Users),
		"app_hash": block.AppHash.String(),
	}).Debug("block committed")
	return block, nil
}

// Receipt returns the execution receipt of a committed transaction.
func (s *Store) Receipt(ctx context.Context, hash types.Hash) (types.Receipt, error) {
	return s.db.Receipt(ctx, hash)
}

// Block returns a committed block by height.
func (s *Store) Block(ctx context.Context, height int64) (types.BlockInfo, error) {
	return s.db.Block(ctx, height)
}

// Receipts returns the receipts of a committed block.
func (s *Store) Receipts(ctx context.Context, height int64) ([]types.Receipt, error) {
	return s.db.ReceiptsAt(ctx, height)
}
