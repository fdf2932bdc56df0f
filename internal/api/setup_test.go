package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/docs"
	"exoneum.core/exc/internal/identity"
	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

var genesisTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// MockSender implements TxSender for testing
type MockSender struct {
	mu   sync.Mutex
	Sent [][]byte
	Err  error
}

func (m *MockSender) SendTx(ctx context.Context, tx []byte) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.Hash{}, m.Err
	}
	m.Sent = append(m.Sent, append([]byte(nil), tx...))
	return transactions.Hash(tx), nil
}

func (m *MockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

type testEnv struct {
	svc    *Service
	ledger *ledger.Store
	db     *storage.Store
	sender *MockSender
	ring   *logger.Ring
	docs   string
	height int64
}

// setupTest creates a ledger in a temporary directory and a service over it.
func setupTest(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logger.Discard()
	ring := logger.NewRing(50)
	log.AddHook(ring)
	entry := logrus.NewEntry(log)

	store, err := ledger.Open(context.Background(), db, entry)
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	if err := store.InitChain(context.Background(), "exoneum-test", genesisTime); err != nil {
		t.Fatalf("InitChain: %v", err)
	}

	docsDir := filepath.Join(dir, "docs")
	sender := &MockSender{}
	opts := Options{
		Ledger:     store,
		Sender:     sender,
		Backups:    db,
		Ring:       ring,
		Docs:       docs.NewService(docsDir),
		Log:        entry,
		MaxBackups: 5,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	svc := NewService(opts)
	t.Cleanup(svc.Close)

	return &testEnv{svc: svc, ledger: store, db: db, sender: sender, ring: ring, docs: docsDir}
}

// commitBlock executes txs in a new block and commits it.
func (e *testEnv) commitBlock(t *testing.T, txs ...*transactions.Signed) []types.Receipt {
	t.Helper()
	fork := e.ledger.Fork()
	for _, tx := range txs {
		transactions.Apply(fork, tx)
	}
	receipts := fork.Receipts()
	e.height++
	if _, err := e.ledger.Commit(context.Background(), fork, e.height, genesisTime.Add(time.Duration(e.height)*time.Second)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return receipts
}

func newUser(t *testing.T, name string) (*identity.Identity, *transactions.Signed) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tx, err := id.CreateUser(name)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id, tx
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.svc.Router().ServeHTTP(w, req)
	return w
}

var errSenderDown = errors.New("consensus engine unreachable")
