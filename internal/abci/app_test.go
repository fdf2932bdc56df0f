package abci

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	tmabci "github.com/tendermint/tendermint/abci/types"
	tmproto "github.com/tendermint/tendermint/proto/tendermint/types"

	"exoneum.core/exc/internal/identity"
	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/merkle"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

var genesisTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, path string) (*Application, *storage.Store) {
	t.Helper()
	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	log := logrus.NewEntry(logger.Discard())
	store, err := ledger.Open(context.Background(), db, log)
	if err != nil {
		db.Close()
		t.Fatalf("ledger.Open: %v", err)
	}
	return NewApplication(store, log), db
}

func setupTest(t *testing.T) *Application {
	t.Helper()
	app, db := newTestApp(t, filepath.Join(t.TempDir(), "ledger.db"))
	t.Cleanup(func() { db.Close() })
	app.InitChain(tmabci.RequestInitChain{ChainId: "exoneum-test", Time: genesisTime})
	return app
}

func newUserTx(t *testing.T, name string) (*identity.Identity, []byte) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	stx, err := id.CreateUser(name)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return id, stx.Bytes()
}

// runBlock executes txs as one block and returns the DeliverTx responses and
// the committed app hash.
func runBlock(t *testing.T, app *Application, height int64, txs ...[]byte) ([]tmabci.ResponseDeliverTx, []byte) {
	t.Helper()
	app.BeginBlock(tmabci.RequestBeginBlock{Header: tmproto.Header{
		Height: height,
		Time:   genesisTime.Add(time.Duration(height) * time.Second),
	}})
	var responses []tmabci.ResponseDeliverTx
	for _, tx := range txs {
		responses = append(responses, app.DeliverTx(tmabci.RequestDeliverTx{Tx: tx}))
	}
	app.EndBlock(tmabci.RequestEndBlock{Height: height})
	return responses, app.Commit().Data
}

func TestCreateUserCheckAndDeliver(t *testing.T) {
	app := setupTest(t)
	id, txBytes := newUserTx(t, "Alice")

	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: txBytes})
	if resp.Code != transactions.CodeOK {
		t.Fatalf("CheckTx failed: code=%d log=%s", resp.Code, resp.Log)
	}

	responses, appHash := runBlock(t, app, 1, txBytes)
	if responses[0].Code != transactions.CodeOK {
		t.Fatalf("DeliverTx failed: code=%d log=%s", responses[0].Code, responses[0].Log)
	}
	if len(appHash) != types.HashSize {
		t.Fatalf("expected %d byte app hash, got %d", types.HashSize, len(appHash))
	}

	user, ok := ledger.NewSchema(app.store.Snapshot()).Users().Get(id.PublicKey())
	if !ok {
		t.Fatalf("user not found in state after commit")
	}
	if user.Name != "Alice" || user.Balance != types.IssueAmount {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestCheckTxRejectsInvalidSignature(t *testing.T) {
	app := setupTest(t)
	_, txBytes := newUserTx(t, "Alice")

	// Flip a bit in the signature.
	txBytes[len(txBytes)-1] ^= 0x01

	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: txBytes})
	if resp.Code != transactions.CodeBadSignature || resp.Codespace != transactions.CodespaceVerification {
		t.Fatalf("expected bad signature, got code=%d codespace=%s", resp.Code, resp.Codespace)
	}

	responses, _ := runBlock(t, app, 1, txBytes)
	if responses[0].Code != transactions.CodeBadSignature {
		t.Fatalf("DeliverTx accepted a bad signature: code=%d", responses[0].Code)
	}
	if ledger.NewSchema(app.store.Snapshot()).Users().Len() != 0 {
		t.Fatalf("rejected transaction mutated state")
	}
}

func TestCheckTxRejectsGarbage(t *testing.T) {
	app := setupTest(t)

	for _, raw := range [][]byte{nil, []byte("hello"), make([]byte, 200)} {
		resp := app.CheckTx(tmabci.RequestCheckTx{Tx: raw})
		if resp.Code == transactions.CodeOK {
			t.Fatalf("CheckTx accepted garbage %x", raw)
		}
	}
}

func TestDuplicateRegistrationInOneBlock(t *testing.T) {
	app := setupTest(t)
	id, first := newUserTx(t, "Alice")
	again, err := id.CreateUser("Alice II")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	responses, _ := runBlock(t, app, 1, first, again.Bytes())
	if responses[0].Code != transactions.CodeOK {
		t.Fatalf("first registration failed: %d %s", responses[0].Code, responses[0].Log)
	}
	if responses[1].Code != transactions.UserAlreadyRegistered.Code() ||
		responses[1].Codespace != transactions.CodespaceExecution {
		t.Fatalf("expected UserAlreadyRegistered, got code=%d codespace=%s", responses[1].Code, responses[1].Codespace)
	}

	user, _ := ledger.NewSchema(app.store.Snapshot()).Users().Get(id.PublicKey())
	if user.Name != "Alice" {
		t.Fatalf("second registration overwrote the user: %+v", user)
	}

	receipt, err := app.store.Receipt(context.Background(), again.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Code != transactions.UserAlreadyRegistered.Code() || receipt.Index != 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestCreateUserWithoutGenesisTime(t *testing.T) {
	app, db := newTestApp(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer db.Close()

	_, txBytes := newUserTx(t, "Alice")
	responses, _ := runBlock(t, app, 1, txBytes)
	if responses[0].Code != transactions.TimeNotAvailable.Code() {
		t.Fatalf("expected TimeNotAvailable, got %d", responses[0].Code)
	}
}

func TestCommitListenersAndInfo(t *testing.T) {
	app := setupTest(t)

	var committed []types.BlockInfo
	app.OnCommit(func(b types.BlockInfo) { committed = append(committed, b) })

	_, tx := newUserTx(t, "Alice")
	_, hash1 := runBlock(t, app, 1, tx)
	_, hash2 := runBlock(t, app, 2)

	if len(committed) != 2 || committed[1].Height != 2 {
		t.Fatalf("unexpected commit notifications %+v", committed)
	}
	if string(hash1) != string(hash2) {
		t.Fatalf("an empty block must not change the app hash")
	}

	info := app.Info(tmabci.RequestInfo{})
	if info.LastBlockHeight != 2 || string(info.LastBlockAppHash) != string(hash2) {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestRestartResumesFromStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	app, db := newTestApp(t, path)
	app.InitChain(tmabci.RequestInitChain{ChainId: "exoneum-test", Time: genesisTime})
	_, tx := newUserTx(t, "Alice")
	_, appHash := runBlock(t, app, 1, tx)
	db.Close()

	restarted, db2 := newTestApp(t, path)
	defer db2.Close()

	info := restarted.Info(tmabci.RequestInfo{})
	if info.LastBlockHeight != 1 || string(info.LastBlockAppHash) != string(appHash) {
		t.Fatalf("restart lost state: %+v", info)
	}

	_, tx2 := newUserTx(t, "Bob")
	responses, _ := runBlock(t, restarted, 2, tx2)
	if responses[0].Code != transactions.CodeOK {
		t.Fatalf("DeliverTx after restart: %d %s", responses[0].Code, responses[0].Log)
	}
}

func TestReplicasAgreeOnAppHash(t *testing.T) {
	a, b := setupTest(t), setupTest(t)

	var txs [][]byte
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		_, tx := newUserTx(t, name)
		txs = append(txs, tx)
	}

	_, hashA := runBlock(t, a, 1, txs...)
	_, hashB := runBlock(t, b, 1, txs...)
	if string(hashA) != string(hashB) {
		t.Fatalf("replicas diverged: %x vs %x", hashA, hashB)
	}
}

func TestQueryUserWithProof(t *testing.T) {
	app := setupTest(t)
	id, tx := newUserTx(t, "Alice")
	runBlock(t, app, 1, tx)

	pk := id.PublicKey()
	resp := app.Query(tmabci.RequestQuery{Path: PathUser, Data: pk.Bytes(), Prove: true})
	if resp.Code != QueryCodeOK {
		t.Fatalf("query failed: %d %s", resp.Code, resp.Log)
	}
	user, err := types.DecodeUser(resp.Value)
	if err != nil || user.Name != "Alice" {
		t.Fatalf("unexpected value %x (%v)", resp.Value, err)
	}
	if resp.ProofOps == nil || len(resp.ProofOps.Ops) != 1 {
		t.Fatalf("expected one proof op")
	}
	proof, err := merkle.UnmarshalProof(resp.ProofOps.Ops[0].Data)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	root := ledger.NewSchema(app.store.Snapshot()).Users().RootHash()
	if err := merkle.VerifyProof(root, merkle.Key(pk), resp.Value, proof); err != nil {
		t.Fatalf("proof does not verify: %v", err)
	}

	other, _ := newUserTx(t, "nobody")
	missing := other.PublicKey()
	resp = app.Query(tmabci.RequestQuery{Path: PathUser, Data: missing.Bytes(), Prove: true})
	if resp.Code != QueryCodeNotFound {
		t.Fatalf("expected not found, got %d", resp.Code)
	}
	proof, err = merkle.UnmarshalProof(resp.ProofOps.Ops[0].Data)
	if err != nil {
		t.Fatalf("decode exclusion proof: %v", err)
	}
	if err := merkle.VerifyProof(root, merkle.Key(missing), nil, proof); err != nil {
		t.Fatalf("exclusion proof does not verify: %v", err)
	}
}

func TestQueryOtherPaths(t *testing.T) {
	app := setupTest(t)
	_, tx := newUserTx(t, "Alice")
	runBlock(t, app, 1, tx)

	resp := app.Query(tmabci.RequestQuery{Path: PathUsers})
	var users []types.User
	if err := json.Unmarshal(resp.Value, &users); err != nil || len(users) != 1 {
		t.Fatalf("unexpected users response %s (%v)", resp.Value, err)
	}

	resp = app.Query(tmabci.RequestQuery{Path: PathState})
	var state StateView
	if err := json.Unmarshal(resp.Value, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Height != 1 || state.Users != 1 || len(state.StateHash) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}

	if resp := app.Query(tmabci.RequestQuery{Path: "/owls"}); resp.Code != QueryCodeUnknownPath {
		t.Fatalf("expected unknown path, got %d", resp.Code)
	}
	if resp := app.Query(tmabci.RequestQuery{Path: PathUser, Data: []byte{1, 2}}); resp.Code != QueryCodeInvalidKey {
		t.Fatalf("expected invalid key, got %d", resp.Code)
	}
	if resp := app.Query(tmabci.RequestQuery{Path: PathUsers, Height: 7}); resp.Code != QueryCodeHeight {
		t.Fatalf("expected height error, got %d", resp.Code)
	}
}
