// Package backup creates and restores online snapshots of the memory
// database. Snapshots are taken with VACUUM INTO, which produces a compact,
// consistent copy without blocking readers. All operations require the
// configured admin key and are serialized by a file lock in the backup
// directory.
package backup

import (
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

const lockFile = ".backup.lock"

// sqliteMagic is the 16-byte header every SQLite database file starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

// Info describes one backup file.
type Info struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages the backup directory for one database.
type Service struct {
	cfg config.BackupConfig
	a   *store.Adapter

	now func() time.Time // injectable for tests
}

func NewService(cfg config.BackupConfig, a *store.Adapter) *Service {
	if cfg.KeepCount <= 0 {
		cfg.KeepCount = 5
	}
	return &Service{cfg: cfg, a: a, now: time.Now}
}

// authorize gates every operation on the admin key. An unset key disables
// the backup surface entirely.
func (s *Service) authorize(adminKey string) error {
	if s.cfg.AdminKey == "" {
		return &types.PermissionDeniedError{Action: "admin", Resource: "backup"}
	}
	if subtle.ConstantTimeCompare([]byte(adminKey), []byte(s.cfg.AdminKey)) != 1 {
		return &types.PermissionDeniedError{Action: "admin", Resource: "backup"}
	}
	return nil
}

// lock serializes backup operations across processes.
func (s *Service) lock() (*flock.Flock, error) {
	if err := os.MkdirAll(s.cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	fl := flock.New(filepath.Join(s.cfg.Directory, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire backup lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another backup operation is in progress")
	}
	return fl, nil
}

// Create takes a snapshot and returns its info. Older backups beyond the
// keep count are pruned afterwards.
func (s *Service) Create(adminKey string) (*Info, error) {
	if err := s.authorize(adminKey); err != nil {
		return nil, err
	}
	fl, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "backup.Create")
	defer timer.Stop()

	filename := fmt.Sprintf("mnemo-%s.db", s.now().UTC().Format("20060102-150405"))
	target := filepath.Join(s.cfg.Directory, filename)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("backup %s already exists", filename)
	}

	if _, err := s.a.DB().Exec("VACUUM INTO ?", target); err != nil {
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	stat, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("snapshot vanished after creation: %w", err)
	}
	if _, err := s.cleanupLocked(); err != nil {
		logging.Get(logging.CategoryStore).Warn("Backup cleanup after create failed: %v", err)
	}

	logging.Store("Created backup %s (%d bytes)", filename, stat.Size())
	return &Info{Filename: filename, SizeBytes: stat.Size(), CreatedAt: stat.ModTime()}, nil
}

// List returns existing backups, newest first.
func (s *Service) List(adminKey string) ([]Info, error) {
	if err := s.authorize(adminKey); err != nil {
		return nil, err
	}
	return s.listFiles()
}

func (s *Service) listFiles() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "mnemo-") || !strings.HasSuffix(name, ".db") {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Filename: name, SizeBytes: stat.Size(), CreatedAt: stat.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

// Cleanup removes backups beyond the keep count, oldest first, and returns
// how many were removed.
func (s *Service) Cleanup(adminKey string, keepCount int) (int, error) {
	if err := s.authorize(adminKey); err != nil {
		return 0, err
	}
	fl, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()

	if keepCount > 0 {
		s.cfg.KeepCount = keepCount
	}
	return s.cleanupLocked()
}

func (s *Service) cleanupLocked() (int, error) {
	backups, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := s.cfg.KeepCount; i < len(backups); i++ {
		if err := os.Remove(filepath.Join(s.cfg.Directory, backups[i].Filename)); err != nil {
			return removed, fmt.Errorf("failed to remove old backup: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Restore copies a backup over the live database path. The caller must make
// sure no adapter holds the database open; restore is a maintenance
// operation for a stopped service.
func (s *Service) Restore(adminKey, filename string) error {
	if err := s.authorize(adminKey); err != nil {
		return err
	}
	if filename == "" || filename != filepath.Base(filename) {
		return types.NewValidationError("filename", "must be a bare backup filename")
	}
	fl, err := s.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	source := filepath.Join(s.cfg.Directory, filename)
	if err := verifySQLiteFile(source); err != nil {
		return err
	}

	dbPath := s.a.Path()
	tmp := dbPath + ".restore"
	if err := copyFile(source, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to swap in restored database: %w", err)
	}
	logging.Store("Restored database from backup %s", filename)
	return nil
}

func verifySQLiteFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.NotFoundError{Kind: "backup", ID: filepath.Base(path)}
		}
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return types.NewValidationError("filename", "backup file is truncated")
	}
	for i := range header {
		if header[i] != sqliteMagic[i] {
			return types.NewValidationError("filename", "backup file is not a SQLite database")
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create restore file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finalize restore file: %w", err)
	}
	return nil
}
