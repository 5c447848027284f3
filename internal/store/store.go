// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package store persists tracker identities so a device keeps its id across
// server restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const nextIDKey = "next_tracker_id"

// Store is the SQLite identity store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and migrates it to the latest
// schema. ":memory:" gives a private in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because closing it would close the shared *sql.DB.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// Load returns every stored identity and the next id to allocate.
func (s *Store) Load(ctx context.Context) (map[protocol.HardwareID]uint32, uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hardware, tracker_id FROM tracker_identities`)
	if err != nil {
		return nil, 0, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	ids := make(map[protocol.HardwareID]uint32)
	for rows.Next() {
		var text string
		var id uint32
		if err := rows.Scan(&text, &id); err != nil {
			return nil, 0, fmt.Errorf("scan identity: %w", err)
		}
		hw, err := protocol.ParseHardwareID(text)
		if err != nil {
			s.logger.Warn("skipping stored identity", "hardware", text, "err", err)
			continue
		}
		ids[hw] = id
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("load identities: %w", err)
	}

	var next uint32
	err = s.db.QueryRowContext(ctx, `SELECT value FROM server_state WHERE key = ?`, nextIDKey).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("load next id: %w", err)
	}
	return ids, next, nil
}

// SaveIdentity binds hw to id.
func (s *Store) SaveIdentity(ctx context.Context, hw protocol.HardwareID, id uint32, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_identities (hardware, tracker_id, assigned_at) VALUES (?, ?, ?)
		ON CONFLICT(hardware) DO UPDATE SET tracker_id = excluded.tracker_id, assigned_at = excluded.assigned_at`,
		hw.String(), id, at.UTC())
	if err != nil {
		return fmt.Errorf("save identity %s: %w", hw, err)
	}
	return nil
}

// ForgetIdentity drops the binding of hw to id. A binding to any other id
// is left alone. The id is not handed out again because the next-id counter
// only grows.
func (s *Store) ForgetIdentity(ctx context.Context, hw protocol.HardwareID, id uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracker_identities WHERE hardware = ? AND tracker_id = ?`, hw.String(), id); err != nil {
		return fmt.Errorf("forget identity %s: %w", hw, err)
	}
	return nil
}

// AdvanceNextID raises the stored next id to at least next.
func (s *Store) AdvanceNextID(ctx context.Context, next uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		nextIDKey, next)
	if err != nil {
		return fmt.Errorf("advance next id: %w", err)
	}
	return nil
}

// Apply persists the identity effects of a registry event. Other events are
// ignored.
func (s *Store) Apply(ctx context.Context, e tracker.Event) error {
	switch e.Kind {
	case tracker.EventIdentityAssigned:
		if err := s.SaveIdentity(ctx, e.Hardware, e.TrackerID, e.Time); err != nil {
			return err
		}
		return s.AdvanceNextID(ctx, e.TrackerID+1)
	case tracker.EventIdentityReleased:
		return s.ForgetIdentity(ctx, e.Hardware, e.TrackerID)
	}
	return nil
}
