package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultMaxBackups = 20

type backupInfo struct {
	path      string
	timestamp int64
}

// BackupDir returns the directory holding database backups.
func (s *Store) BackupDir() string {
	return s.backupDir
}

// BackupCurrent writes a consistent copy of the database to a timestamped file
// in the backup directory and prunes old backups beyond maxBackups. It returns
// the path of the new backup.
func (s *Store) BackupCurrent(maxBackups int) (string, error) {
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	prefix, ext := s.backupNameParts()
	backupPath := uniqueBackupPath(s.backupDir, prefix, ext)

	if err := s.vacuumInto(backupPath); err != nil {
		return "", err
	}

	pruneBackups(s.backupDir, prefix, ext, maxBackups)
	return backupPath, nil
}

// BackupFile describes a database backup on disk.
type BackupFile struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Backups lists the backups of this database, newest first.
func (s *Store) Backups() ([]BackupFile, error) {
	prefix, ext := s.backupNameParts()
	backups, err := listBackups(s.backupDir, prefix, ext)
	if err != nil {
		return nil, err
	}

	files := make([]BackupFile, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		var size int64
		if info, err := os.Stat(backups[i].path); err == nil {
			size = info.Size()
		}
		files = append(files, BackupFile{
			Filename:  filepath.Base(backups[i].path),
			Timestamp: time.Unix(backups[i].timestamp, 0).UTC(),
			Size:      size,
		})
	}
	return files, nil
}

// ExportSnapshot returns a consistent copy of the current database contents.
func (s *Store) ExportSnapshot() ([]byte, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(s.file), "exoneum-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tempPath)
	defer os.Remove(tempPath)

	if err := s.vacuumInto(tempPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	return data, nil
}

func (s *Store) vacuumInto(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New("database is closed")
	}

	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return fmt.Errorf("vacuum into %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) backupNameParts() (prefix, ext string) {
	base := filepath.Base(s.file)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}
	return prefix, ext
}

func (s *Store) restoreLatestBackup() error {
	prefix, ext := s.backupNameParts()
	backups, err := listBackups(s.backupDir, prefix, ext)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errNoBackups
	}

	latest := backups[len(backups)-1]
	if err := s.resetDatabaseFiles(); err != nil {
		return err
	}
	if err := copyFile(latest.path, s.file); err != nil {
		return fmt.Errorf("copy backup %s: %w", filepath.Base(latest.path), err)
	}
	return s.openDB()
}

// listBackups returns the backups for prefix sorted oldest first.
func listBackups(dir, prefix, ext string) ([]backupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []backupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}

		stem := strings.TrimSuffix(name, ext)
		ts, parseErr := strconv.ParseInt(strings.TrimPrefix(stem, prefix+"-"), 10, 64)
		if parseErr != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			ts = info.ModTime().Unix()
		}

		backups = append(backups, backupInfo{
			path:      filepath.Join(dir, name),
			timestamp: ts,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].timestamp == backups[j].timestamp {
			return backups[i].path < backups[j].path
		}
		return backups[i].timestamp < backups[j].timestamp
	})

	return backups, nil
}

func pruneBackups(dir, prefix, ext string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	backups, err := listBackups(dir, prefix, ext)
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for i := 0; i < len(backups)-maxBackups; i++ {
		_ = os.Remove(backups[i].path)
	}
}

func uniqueBackupPath(dir, prefix, ext string) string {
	timestamp := time.Now().Unix()
	for {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, timestamp, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		timestamp++
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
