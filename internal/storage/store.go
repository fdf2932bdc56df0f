// Package storage persists the ledger in a SQLite database: the users table,
// execution receipts, committed block metadata and the genesis facts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"exoneum.core/exc/internal/types"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "exoneum.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000

	// UsersTable is the persisted name of the authenticated users table.
	UsersTable = types.ServiceName + ".users"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	errNoBackups = errors.New("no database backups available")
)

// Entry is one row of the users table.
type Entry struct {
	Key   types.PublicKey
	Value []byte
}

// Batch is the set of writes produced by one block. It is applied atomically.
type Batch struct {
	Block    types.BlockInfo
	Users    []Entry
	Receipts []types.Receipt
}

// Genesis holds the facts fixed when the chain is initialised.
type Genesis struct {
	ChainID string
	Time    time.Time
}

// Store manages the ledger database file.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
}

// Open opens or creates the database at filePath. A database that cannot be
// opened is restored from the newest backup, or recreated when none exists.
func Open(filePath string) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	s := &Store{
		file:      absPath,
		backupDir: filepath.Join(filepath.Dir(absPath), defaultBackupDirName),
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	if err := s.tryOpenOrRecover(); err != nil {
		return nil, err
	}

	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return nil, err
	}

	return s, nil
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.file
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

func (s *Store) tryOpenOrRecover() error {
	if err := s.openDB(); err != nil {
		if recErr := s.recoverDatabase(err); recErr != nil {
			return recErr
		}
	}
	return nil
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", filepath.Clean(s.file))

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return fmt.Errorf("set busy timeout: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) recoverDatabase(openErr error) error {
	if err := s.restoreLatestBackup(); err != nil {
		if errors.Is(err, errNoBackups) {
			if cleanErr := s.resetDatabaseFiles(); cleanErr != nil {
				return fmt.Errorf("reset database after %v: %w", openErr, cleanErr)
			}
			if err := s.openDB(); err != nil {
				return fmt.Errorf("create fresh database after %v: %w", openErr, err)
			}
			return nil
		}
		return fmt.Errorf("restore database after %v: %w", openErr, err)
	}
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) resetDatabaseFiles() error {
	_ = s.closeDB()

	var firstErr error
	for _, path := range []string{s.file, s.file + "-wal", s.file + "-shm"} {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", filepath.Base(path), err)
			}
		}
	}
	return firstErr
}

func (s *Store) ensureSchema() error {
	stmts := []struct {
		name  string
		query string
	}{
		{"users table", `CREATE TABLE IF NOT EXISTS "` + UsersTable + `" (
			public_key BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`},
		{"receipts table", `CREATE TABLE IF NOT EXISTS receipts (
			tx_hash BLOB PRIMARY KEY,
			height INTEGER NOT NULL,
			tx_index INTEGER NOT NULL,
			service_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			code INTEGER NOT NULL,
			description TEXT
		)`},
		{"receipts index", `CREATE INDEX IF NOT EXISTS receipts_height ON receipts(height, tx_index)`},
		{"blocks table", `CREATE TABLE IF NOT EXISTS blocks (
			height INTEGER PRIMARY KEY,
			app_hash BLOB NOT NULL,
			state_root BLOB NOT NULL,
			time TEXT NOT NULL,
			tx_count INTEGER NOT NULL
		)`},
		{"chain_meta table", `CREATE TABLE IF NOT EXISTS chain_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`},
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt.query); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	return nil
}

// LoadUsers returns every row of the users table in ascending key order.
func (s *Store) LoadUsers(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT public_key, value FROM "`+UsersTable+`" ORDER BY public_key`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		pk, err := types.NewPublicKey(key)
		if err != nil {
			return nil, fmt.Errorf("users table row: %w", err)
		}
		entries = append(entries, Entry{Key: pk, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return entries, nil
}

// CommitBlock writes the user changes, receipts and block record of one block
// in a single database transaction. The block height must follow the last
// committed height.
func (s *Store) CommitBlock(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(height) FROM blocks`).Scan(&last); err != nil {
		return fmt.Errorf("read last height: %w", err)
	}
	if last.Valid && batch.Block.Height != last.Int64+1 {
		return fmt.Errorf("commit height %d does not follow %d", batch.Block.Height, last.Int64)
	}

	if len(batch.Users) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO "`+UsersTable+`" (public_key, value) VALUES (?, ?)
			ON CONFLICT(public_key) DO UPDATE SET value = excluded.value`)
		if err != nil {
			return fmt.Errorf("prepare user upsert: %w", err)
		}
		defer stmt.Close()
		for _, e := range batch.Users {
			if _, err := stmt.ExecContext(ctx, e.Key.Bytes(), e.Value); err != nil {
				return fmt.Errorf("upsert user %s: %w", e.Key, err)
			}
		}
	}

	if len(batch.Receipts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO receipts
			(tx_hash, height, tx_index, service_id, message_id, code, description)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tx_hash) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare receipt insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range batch.Receipts {
			if _, err := stmt.ExecContext(ctx, r.TxHash.Bytes(), r.Height, r.Index,
				r.ServiceID, r.MessageID, r.Code, r.Description); err != nil {
				return fmt.Errorf("insert receipt %s: %w", r.TxHash, err)
			}
		}
	}

	b := batch.Block
	if _, err := tx.ExecContext(ctx, `INSERT INTO blocks (height, app_hash, state_root, time, tx_count)
		VALUES (?, ?, ?, ?, ?)`,
		b.Height, b.AppHash.Bytes(), b.StateRoot.Bytes(), formatTime(b.Time), b.TxCount); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Height, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block %d: %w", b.Height, err)
	}
	return nil
}

// LastBlock returns the most recently committed block. ErrNotFound means the
// chain has no committed blocks yet.
func (s *Store) LastBlock(ctx context.Context) (types.BlockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT height, app_hash, state_root, time, tx_count
		FROM blocks ORDER BY height DESC LIMIT 1`)
	return scanBlock(row)
}

// Block returns the committed block at height.
func (s *Store) Block(ctx context.Context, height int64) (types.BlockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT height, app_hash, state_root, time, tx_count
		FROM blocks WHERE height = ?`, height)
	return scanBlock(row)
}

// Receipt returns the execution receipt for a transaction hash.
func (s *Store) Receipt(ctx context.Context, hash types.Hash) (types.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT tx_hash, height, tx_index, service_id, message_id, code, description
		FROM receipts WHERE tx_hash = ?`, hash.Bytes())
	return scanReceipt(row)
}

// ReceiptsAt returns the receipts of one block in execution order.
func (s *Store) ReceiptsAt(ctx context.Context, height int64) ([]types.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT tx_hash, height, tx_index, service_id, message_id, code, description
		FROM receipts WHERE height = ? ORDER BY tx_index`, height)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	receipts := []types.Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

// SaveGenesis records the chain id and genesis time. It is a no-op when the
// same genesis is already stored and an error when a different one is.
func (s *Store) SaveGenesis(ctx context.Context, g Genesis) error {
	existing, err := s.Genesis(ctx)
	switch {
	case err == nil:
		if existing.ChainID != g.ChainID || !existing.Time.Equal(g.Time) {
			return fmt.Errorf("genesis already set for chain %q", existing.ChainID)
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin genesis: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{
		"chain_id":     g.ChainID,
		"genesis_time": formatTime(g.Time),
	} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chain_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	return nil
}

// Genesis returns the stored genesis facts.
func (s *Store) Genesis(ctx context.Context) (Genesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM chain_meta WHERE key IN ('chain_id', 'genesis_time')`)
	if err != nil {
		return Genesis{}, fmt.Errorf("query genesis: %w", err)
	}
	defer rows.Close()

	var g Genesis
	var haveTime bool
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Genesis{}, fmt.Errorf("scan genesis: %w", err)
		}
		switch key {
		case "chain_id":
			g.ChainID = value
		case "genesis_time":
			g.Time = parseTime(value)
			haveTime = true
		}
	}
	if err := rows.Err(); err != nil {
		return Genesis{}, fmt.Errorf("iterate genesis: %w", err)
	}
	if !haveTime {
		return Genesis{}, ErrNotFound
	}
	return g, nil
}

func scanBlock(scanner interface{ Scan(dest ...any) error }) (types.BlockInfo, error) {
	var (
		b                 types.BlockInfo
		appHash, stateRoot []byte
		ts                string
	)
	if err := scanner.Scan(&b.Height, &appHash, &stateRoot, &ts, &b.TxCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.BlockInfo{}, ErrNotFound
		}
		return types.BlockInfo{}, fmt.Errorf("scan block: %w", err)
	}
	var err error
	if b.AppHash, err = types.NewHash(appHash); err != nil {
		return types.BlockInfo{}, fmt.Errorf("block %d app hash: %w", b.Height, err)
	}
	if b.StateRoot, err = types.NewHash(stateRoot); err != nil {
		return types.BlockInfo{}, fmt.Errorf("block %d state root: %w", b.Height, err)
	}
	b.Time = parseTime(ts)
	return b, nil
}

func scanReceipt(scanner interface{ Scan(dest ...any) error }) (types.Receipt, error) {
	var (
		r           types.Receipt
		hash        []byte
		description sql.NullString
	)
	if err := scanner.Scan(&hash, &r.Height, &r.Index, &r.ServiceID, &r.MessageID, &r.Code, &description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Receipt{}, ErrNotFound
		}
		return types.Receipt{}, fmt.Errorf("scan receipt: %w", err)
	}
	h, err := types.NewHash(hash)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("receipt hash: %w", err)
	}
	r.TxHash = h
	r.Description = description.String
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}
