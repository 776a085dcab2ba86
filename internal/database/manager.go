package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "ografserver/pkg/database"
)

// Manager is the metadata index of one graphics storage root.
// Reads go straight to the pool; every write funnels through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Tombstone is a pending removal recorded in the index
type Tombstone struct {
	GraphicID string
	ExpiresAt time.Time
}

// NewManager opens the index, applies embedded migrations and validates the schema
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, dbconfig.EmbeddedMigrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "index").Str("path", config.DatabasePath).Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// A failed write is retried once after retryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("Index write failed, retrying")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("Index write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrClosed
	}
}

// MarkForRemoval records (or moves) the tombstone of a graphic
func (m *Manager) MarkForRemoval(ctx context.Context, graphicID string, expiresAt time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO graphic_tombstones (graphic_id, expires_at) VALUES (?, ?)
			ON CONFLICT(graphic_id) DO UPDATE SET expires_at = excluded.expires_at, marked_at = CURRENT_TIMESTAMP
		`, graphicID, expiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert tombstone: %w", err)
		}
		return nil
	})
}

// ImportTombstone records a tombstone found on disk unless the index already has one
func (m *Manager) ImportTombstone(ctx context.Context, graphicID string, expiresAt time.Time) (bool, error) {
	var inserted bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO graphic_tombstones (graphic_id, expires_at) VALUES (?, ?)`,
			graphicID, expiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to import tombstone: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// IsMarkedForRemoval reports whether a graphic has a tombstone
func (m *Manager) IsMarkedForRemoval(ctx context.Context, graphicID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		`SELECT 1 FROM graphic_tombstones WHERE graphic_id = ?`, graphicID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query tombstone: %w", err)
	}
	return true, nil
}

// RemovalIDs returns the set of graphic ids that carry a tombstone
func (m *Manager) RemovalIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT graphic_id FROM graphic_tombstones`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone row: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ListExpired returns every tombstone whose expiry is at or before now
func (m *Manager) ListExpired(ctx context.Context, now time.Time) ([]Tombstone, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT graphic_id, expires_at FROM graphic_tombstones
		WHERE expires_at <= ?
		ORDER BY expires_at ASC
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired tombstones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []Tombstone
	for rows.Next() {
		var t Tombstone
		var expiresAt int64
		if err := rows.Scan(&t.GraphicID, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone row: %w", err)
		}
		t.ExpiresAt = time.UnixMilli(expiresAt)
		expired = append(expired, t)
	}
	return expired, rows.Err()
}

// RecordUpload stores the upload time of a graphic and clears any tombstone, atomically
func (m *Manager) RecordUpload(ctx context.Context, graphicID, version string, uploadedAt time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graphic_uploads (graphic_id, version, uploaded_at) VALUES (?, ?, ?)
			ON CONFLICT(graphic_id) DO UPDATE SET version = excluded.version, uploaded_at = excluded.uploaded_at
		`, graphicID, version, uploadedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to record upload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM graphic_tombstones WHERE graphic_id = ?`, graphicID); err != nil {
			return fmt.Errorf("failed to clear tombstone: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit upload record: %w", err)
		}
		return nil
	})
}

// UploadedAt returns when a graphic was last uploaded, if the index knows it
func (m *Manager) UploadedAt(ctx context.Context, graphicID string) (time.Time, bool, error) {
	var ms int64
	err := m.db.QueryRowContext(ctx,
		`SELECT uploaded_at FROM graphic_uploads WHERE graphic_id = ?`, graphicID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query upload: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// DeleteGraphicRecords drops every index row of a graphic
func (m *Manager) DeleteGraphicRecords(ctx context.Context, graphicID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM graphic_tombstones WHERE graphic_id = ?`,
			`DELETE FROM graphic_uploads WHERE graphic_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, graphicID); err != nil {
				return fmt.Errorf("failed to delete graphic records: %w", err)
			}
		}
		return tx.Commit()
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graphic_tombstones").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
