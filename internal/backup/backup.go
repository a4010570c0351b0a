// Package backup takes encrypted snapshots of the license database and
// keeps them in the artifact bucket.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dukerupert/keygate/internal/artifact"
	"github.com/dukerupert/keygate/internal/licensing"
)

// objectStore is the subset of artifact.Store used for snapshots.
type objectStore interface {
	Put(ctx context.Context, ref string, body io.Reader, size int64, contentType string) error
	Open(ctx context.Context, ref string) (*licensing.Blob, error)
	List(ctx context.Context, prefix string) ([]artifact.Object, error)
	Delete(ctx context.Context, ref string) error
}

// Config holds backup manager configuration.
type Config struct {
	Passphrase string        `yaml:"passphrase"`
	Prefix     string        `yaml:"prefix"`
	Interval   time.Duration `yaml:"interval"`
	Retain     int           `yaml:"retain"`
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastKey    string     `json:"last_key,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Manager snapshots the database on demand or on an interval.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback
	db       *sql.DB
	objects  objectStore
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. It is disabled when objects is nil or no
// passphrase is configured.
func NewManager(cfg Config, db *sql.DB, objects objectStore, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "backups/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	m := &Manager{
		cfg:     cfg,
		db:      db,
		objects: objects,
		logger:  logger,
		now:     time.Now,
		status:  Status{State: StateDisabled},
	}
	if objects != nil && cfg.Passphrase != "" {
		m.status.State = StateIdle
	}
	return m
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnStatus registers cb for state changes.
func (m *Manager) OnStatus(cb StatusCallback) {
	m.mu.Lock()
	m.callback = cb
	m.mu.Unlock()
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (m *Manager) enabled() bool {
	return m.Status().State != StateDisabled
}

// Start runs a snapshot every Interval until ctx is cancelled or Stop is
// called. It is a no-op when the manager is disabled or no interval is set.
func (m *Manager) Start(ctx context.Context) {
	if !m.enabled() || m.cfg.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the schedule and waits for an in-flight snapshot.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run takes one snapshot, uploads it and prunes old snapshots past Retain.
func (m *Manager) Run(ctx context.Context) (*artifact.Object, error) {
	if !m.enabled() {
		return nil, errors.New("backup not configured: artifact store or passphrase missing")
	}
	prev := m.Status()
	m.setStatus(Status{State: StateRunning, LastBackup: prev.LastBackup, LastKey: prev.LastKey})

	obj, err := m.run(ctx)
	if err != nil {
		m.setStatus(Status{State: StateError, LastBackup: prev.LastBackup, LastKey: prev.LastKey, Error: err.Error()})
		return nil, err
	}
	when := obj.LastModified
	m.setStatus(Status{State: StateIdle, LastBackup: &when, LastKey: obj.Key})
	m.logger.Info("backup uploaded", "key", obj.Key, "bytes", obj.Size)

	if m.cfg.Retain > 0 {
		if n, err := m.Prune(ctx, m.cfg.Retain); err != nil {
			m.logger.Warn("backup prune", "error", err)
		} else if n > 0 {
			m.logger.Info("old backups pruned", "count", n)
		}
	}
	return obj, nil
}

func (m *Manager) run(ctx context.Context) (*artifact.Object, error) {
	dir, err := os.MkdirTemp("", "keygate-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO "+quote(snapshot)); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	now := m.now().UTC()
	key := m.cfg.Prefix + "keygate-" + now.Format("2006-01-02T150405Z") + ".db.enc"
	if err := m.objects.Put(ctx, key, bytes.NewReader(sealed), int64(len(sealed)), "application/octet-stream"); err != nil {
		return nil, err
	}
	return &artifact.Object{Key: key, Size: int64(len(sealed)), LastModified: now}, nil
}

// List returns stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]artifact.Object, error) {
	if m.objects == nil {
		return nil, errors.New("backup not configured: artifact store missing")
	}
	return m.objects.List(ctx, m.cfg.Prefix)
}

// Prune deletes all but the newest retain snapshots.
func (m *Manager) Prune(ctx context.Context, retain int) (int, error) {
	objs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(objs) <= retain {
		return 0, nil
	}
	n := 0
	for _, o := range objs[:len(objs)-retain] {
		if err := m.objects.Delete(ctx, o.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Restore downloads and decrypts the snapshot at key, verifies its
// integrity and writes it to dst. dst must not exist. The server should be
// stopped before the restored file replaces the live database.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if m.objects == nil {
		return errors.New("backup not configured: artifact store missing")
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("restore target %s already exists", dst)
	}

	blob, err := m.objects.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("download backup: %w", err)
	}
	sealed, err := io.ReadAll(blob.Body)
	blob.Body.Close()
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
