// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the durable record of which cluster guest
// belongs to which user, with the metadata the cluster itself does
// not know: environment tag, expiry, originating template. Records
// exist only for guests this system provisioned; the cluster may host
// guests unknown to the registry, which are visible in merged
// listings but carry no ownership metadata.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/sqlitepool"
)

// ErrNotFound means no registry record exists for the guest.
var ErrNotFound = errors.New("registry: record not found")

// Record ties one cluster guest to its owner and portal metadata.
type Record struct {
	// ResourceID is the cluster-assigned guest ID.
	ResourceID  int
	OwnerID     string
	Environment string
	// OSDescription is a human-readable note about the installed
	// system ("debian-13", "ubuntu-24.04 cloud image").
	OSDescription string
	ExpiresAt     *time.Time
	// TemplateID is the clone source for VMs, zero for containers.
	TemplateID int
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	resource_id    INTEGER PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	environment    TEXT NOT NULL DEFAULT '',
	os_description TEXT NOT NULL DEFAULT '',
	expires_at     INTEGER,
	template_id    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_by_owner ON records (owner_id, created_at DESC);
`

// Store persists registry records in SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a registry store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file.
	Path string
	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int
	// Clock provides record timestamps.
	Clock clock.Clock
	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenStore opens the registry store, creating the database file and
// schema if needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("registry: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("registry: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}
	if err := store.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: initializing schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create persists a record for a freshly provisioned guest. The
// resource ID must be unique; provisioning allocates it from the
// cluster, which never reuses a live one.
func (s *Store) Create(ctx context.Context, record Record) (Record, error) {
	if record.ResourceID <= 0 {
		return Record{}, fmt.Errorf("registry: resource id is required")
	}
	if record.OwnerID == "" {
		return Record{}, fmt.Errorf("registry: owner is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("registry: create: %w", err)
	}
	defer s.pool.Put(conn)

	record.CreatedAt = s.clock.Now().UTC().Truncate(time.Second)
	err = sqlitex.Execute(conn, `INSERT INTO records
		(resource_id, owner_id, environment, os_description, expires_at, template_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ResourceID,
				record.OwnerID,
				record.Environment,
				record.OSDescription,
				optionalUnix(record.ExpiresAt),
				record.TemplateID,
				record.CreatedAt.Unix(),
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("registry: insert %d: %w", record.ResourceID, err)
	}

	s.logger.Info("resource registered",
		"resource_id", record.ResourceID,
		"owner", record.OwnerID,
		"environment", record.Environment)
	return record, nil
}

// Get fetches the record for one guest. Returns ErrNotFound when the
// guest is not registry-managed.
func (s *Store) Get(ctx context.Context, resourceID int) (Record, error) {
	records, err := s.query(ctx, selectColumns+` WHERE resource_id = ?`, []any{resourceID})
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("registry: resource %d: %w", resourceID, ErrNotFound)
	}
	return records[0], nil
}

// ListByOwner returns one user's records newest-first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE owner_id = ? ORDER BY created_at DESC, resource_id`, []any{ownerID})
}

// List returns every record newest-first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, selectColumns+` ORDER BY created_at DESC, resource_id`, nil)
}

// Delete removes the record for a deprovisioned guest. Returns
// ErrNotFound when no record exists.
func (s *Store) Delete(ctx context.Context, resourceID int) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM records WHERE resource_id = ?`,
		&sqlitex.ExecOptions{Args: []any{resourceID}})
	if err != nil {
		return fmt.Errorf("registry: delete %d: %w", resourceID, err)
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("registry: resource %d: %w", resourceID, ErrNotFound)
	}
	s.logger.Info("resource deregistered", "resource_id", resourceID)
	return nil
}

// CountByEnvironment returns the number of records per environment
// tag. Untagged records count under the empty string.
func (s *Store) CountByEnvironment(ctx context.Context) (map[string]int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: count: %w", err)
	}
	defer s.pool.Put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn, `SELECT environment, COUNT(*) FROM records GROUP BY environment`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("registry: count: %w", err)
	}
	return counts, nil
}

const selectColumns = `SELECT resource_id, owner_id, environment, os_description,
	expires_at, template_id, created_at FROM records`

func (s *Store) query(ctx context.Context, query string, args []any) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: query: %w", err)
	}
	defer s.pool.Put(conn)

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: query: %w", err)
	}
	return records, nil
}

func scanRecord(stmt *sqlite.Stmt) Record {
	return Record{
		ResourceID:    int(stmt.ColumnInt64(0)),
		OwnerID:       stmt.ColumnText(1),
		Environment:   stmt.ColumnText(2),
		OSDescription: stmt.ColumnText(3),
		ExpiresAt:     columnTime(stmt, 4),
		TemplateID:    int(stmt.ColumnInt64(5)),
		CreatedAt:     time.Unix(stmt.ColumnInt64(6), 0).UTC(),
	}
}

func columnTime(stmt *sqlite.Stmt, col int) *time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	t := time.Unix(stmt.ColumnInt64(col), 0).UTC()
	return &t
}

func optionalUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
