// Package abci contains the ABCI application that connects the ledger to the
// Tendermint consensus engine. CheckTx runs stateless verification for the
// mempool; BeginBlock, DeliverTx and Commit execute each block against a
// single ledger fork and merge it atomically. Query serves users with Merkle
// proofs.
package abci

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	abci "github.com/tendermint/tendermint/abci/types"

	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/metrics"
	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

// CommitListener is notified after every committed block.
type CommitListener func(block types.BlockInfo)

// Application implements the ABCI interface over a ledger store.
type Application struct {
	abci.BaseApplication

	store *ledger.Store
	log   *logrus.Entry

	fork      *ledger.Fork
	height    int64
	blockTime time.Time

	mu        sync.RWMutex
	listeners []CommitListener
}

// NewApplication creates the application for store.
func NewApplication(store *ledger.Store, log *logrus.Entry) *Application {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Application{
		store: store,
		log:   log.WithField("component", "abci"),
	}
}

// OnCommit registers fn to run after each block is persisted.
func (app *Application) OnCommit(fn CommitListener) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.listeners = append(app.listeners, fn)
}

func (app *Application) Info(req abci.RequestInfo) abci.ResponseInfo {
	snap := app.store.Snapshot()
	resp := abci.ResponseInfo{
		Data:            types.ServiceName,
		Version:         types.Version,
		LastBlockHeight: snap.Height(),
	}
	if snap.Height() > 0 {
		resp.LastBlockAppHash = snap.Block().AppHash.Bytes()
	}
	app.log.WithFields(logrus.Fields{
		"height":      resp.LastBlockHeight,
		"tendermint":  req.Version,
		"block_proto": req.BlockVersion,
	}).Info("handshake")
	return resp
}

func (app *Application) InitChain(req abci.RequestInitChain) abci.ResponseInitChain {
	if err := app.store.InitChain(context.Background(), req.ChainId, req.Time.UTC()); err != nil {
		// Replays after a restart reach here with the genesis already stored.
		app.log.WithError(err).Warn("init chain")
	}
	app.log.WithFields(logrus.Fields{
		"chain_id": req.ChainId,
		"time":     req.Time.UTC(),
	}).Info("chain initialised")
	return abci.ResponseInitChain{}
}

func (app *Application) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	s, err := verify(req.Tx)
	if err != nil {
		code := transactions.VerificationCode(err)
		metrics.RecordCheckTx(code)
		return abci.ResponseCheckTx{
			Code:      code,
			Codespace: transactions.CodespaceVerification,
			Log:       err.Error(),
		}
	}
	metrics.RecordCheckTx(transactions.CodeOK)
	return abci.ResponseCheckTx{Code: transactions.CodeOK, GasWanted: 1, Data: s.Hash().Bytes()}
}

func (app *Application) BeginBlock(req abci.RequestBeginBlock) abci.ResponseBeginBlock {
	app.fork = app.store.Fork()
	app.height = req.Header.Height
	app.blockTime = req.Header.Time.UTC()
	return abci.ResponseBeginBlock{}
}

func (app *Application) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	if app.fork == nil {
		return abci.ResponseDeliverTx{
			Code:      transactions.CodeEncodingError,
			Codespace: transactions.CodespaceVerification,
			Log:       "no block in progress",
		}
	}

	s, err := verify(req.Tx)
	if err != nil {
		code := transactions.VerificationCode(err)
		metrics.RecordExecution(transactions.CodespaceVerification, code)
		return abci.ResponseDeliverTx{
			Code:      code,
			Codespace: transactions.CodespaceVerification,
			Log:       err.Error(),
		}
	}

	receipt := transactions.Apply(app.fork, s)
	resp := abci.ResponseDeliverTx{
		Code:   receipt.Code,
		Events: txEvents(s, receipt),
	}
	if !receipt.Succeeded() {
		resp.Codespace = transactions.CodespaceExecution
		resp.Log = receipt.Description
		metrics.RecordExecution(transactions.CodespaceExecution, receipt.Code)
		app.log.WithFields(logrus.Fields{
			"tx":   receipt.TxHash.String(),
			"code": receipt.Code,
		}).Debug(receipt.Description)
	} else {
		metrics.RecordExecution("", 0)
	}
	return resp
}

func (app *Application) EndBlock(req abci.RequestEndBlock) abci.ResponseEndBlock {
	return abci.ResponseEndBlock{}
}

func (app *Application) Commit() abci.ResponseCommit {
	if app.fork == nil {
		return abci.ResponseCommit{Data: app.currentAppHash()}
	}

	start := time.Now()
	fork := app.fork
	app.fork = nil

	block, err := app.store.Commit(context.Background(), fork, app.height, app.blockTime)
	if err != nil {
		// Consensus cannot move past a block the application failed to persist.
		app.log.WithError(err).WithField("height", app.height).Error("commit failed")
		panic(fmt.Errorf("commit block %d: %w", app.height, err))
	}

	users := ledger.NewSchema(app.store.Snapshot()).Users().Len()
	metrics.RecordCommit(block.Height, users, time.Since(start))
	app.log.WithFields(logrus.Fields{
		"height":   block.Height,
		"txs":      block.TxCount,
		"users":    users,
		"app_hash": block.AppHash.String(),
	}).Info("committed block")

	app.mu.RLock()
	listeners := append([]CommitListener(nil), app.listeners...)
	app.mu.RUnlock()
	for _, fn := range listeners {
		fn(block)
	}

	return abci.ResponseCommit{Data: block.AppHash.Bytes()}
}

func (app *Application) currentAppHash() []byte {
	snap := app.store.Snapshot()
	if snap.Height() == 0 {
		return nil
	}
	return snap.Block().AppHash.Bytes()
}

func verify(raw []byte) (*transactions.Signed, error) {
	s, err := transactions.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return s, nil
}

func txEvents(s *transactions.Signed, receipt types.Receipt) []abci.Event {
	author := s.Tx.Author()
	return []abci.Event{{
		Type: types.ServiceName,
		Attributes: []abci.EventAttribute{
			{Key: []byte("message_id"), Value: []byte(fmt.Sprint(s.Tx.MessageID())), Index: true},
			{Key: []byte("author"), Value: []byte(hex.EncodeToString(author[:])), Index: true},
			{Key: []byte("code"), Value: []byte(fmt.Sprint(receipt.Code))},
		},
	}}
}
