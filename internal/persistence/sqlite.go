package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store provides SQLite-based persistence for dashboard state.
type Store struct {
	db *sql.DB
}

// SnapshotInfo describes a saved snapshot without its payload.
type SnapshotInfo struct {
	Dashboard string
	TakenAt   time.Time
	Size      int
	UpdatedAt time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			dashboard TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			taken_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state. Missing keys read as "".
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SaveSnapshot replaces the saved snapshot of a dashboard.
func (s *Store) SaveSnapshot(ctx context.Context, dashboard string, data []byte, takenAt time.Time) error {
	query := `INSERT INTO snapshots (dashboard, data, taken_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dashboard) DO UPDATE SET
			data = excluded.data,
			taken_at = excluded.taken_at,
			updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, dashboard, data, takenAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", dashboard, err)
	}
	return nil
}

// LoadSnapshot returns the saved snapshot of a dashboard, or nil if none.
func (s *Store) LoadSnapshot(ctx context.Context, dashboard string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE dashboard = ?", dashboard).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", dashboard, err)
	}
	return data, nil
}

// ListSnapshots describes every saved snapshot.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dashboard, taken_at, length(data), updated_at FROM snapshots ORDER BY dashboard`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Dashboard, &info.TakenAt, &info.Size, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		infos = append(infos, info)
	}

	return infos, rows.Err()
}

// DeleteSnapshot removes the saved snapshot of a dashboard.
func (s *Store) DeleteSnapshot(ctx context.Context, dashboard string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE dashboard = ?", dashboard)
	return err
}
