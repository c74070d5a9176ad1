// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	requester_id    TEXT NOT NULL,
	justification   TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	hostname        TEXT NOT NULL,
	cores           INTEGER NOT NULL,
	memory_mb       INTEGER NOT NULL,
	storage         TEXT NOT NULL DEFAULT '',
	sealed_password TEXT NOT NULL,
	os_template     TEXT NOT NULL DEFAULT '',
	rootfs_gb       INTEGER NOT NULL DEFAULT 0,
	template_id     INTEGER NOT NULL DEFAULT 0,
	guest_user      TEXT NOT NULL DEFAULT '',
	disk_gb         INTEGER NOT NULL DEFAULT 0,
	environment     TEXT NOT NULL DEFAULT '',
	expires_at      INTEGER,
	status          TEXT NOT NULL,
	reviewer_id     TEXT NOT NULL DEFAULT '',
	review_comment  TEXT NOT NULL DEFAULT '',
	reviewed_at     INTEGER,
	resource_id     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_by_requester ON requests (requester_id, created_at DESC);
CREATE INDEX IF NOT EXISTS requests_by_status ON requests (status, created_at DESC);
`

// Store persists resource requests in SQLite and serializes review
// transitions per request.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	reviewLocks lockTable
}

// StoreConfig holds the parameters for opening a request store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides timestamps for submissions and reviews.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenStore opens the request store, creating the database file and
// schema if needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("request store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("request store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("request store: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}
	if err := store.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("request store: initializing schema: %w", err)
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

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create validates and persists a new request. It always starts
// pending.
func (s *Store) Create(ctx context.Context, submission Submission) (Request, error) {
	if err := submission.Validate(); err != nil {
		return Request{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request store: create: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UTC().Truncate(time.Second)
	rootFS := submission.RootFSGB
	if submission.Kind == KindContainer && rootFS <= 0 {
		rootFS = defaultRootFSGB
	}
	created := Request{
		ID:             uuid.NewString(),
		RequesterID:    submission.RequesterID,
		Justification:  submission.Justification,
		Kind:           submission.Kind,
		Hostname:       submission.Hostname,
		Cores:          submission.Cores,
		MemoryMB:       submission.MemoryMB,
		Storage:        submission.Storage,
		SealedPassword: submission.SealedPassword,
		OSTemplate:     submission.OSTemplate,
		RootFSGB:       rootFS,
		TemplateID:     submission.TemplateID,
		GuestUser:      submission.GuestUser,
		DiskGB:         submission.DiskGB,
		Environment:    submission.Environment,
		ExpiresAt:      submission.ExpiresAt,
		Status:         StatusPending,
		CreatedAt:      now,
	}

	err = sqlitex.Execute(conn, `INSERT INTO requests
		(id, requester_id, justification, kind, hostname, cores, memory_mb,
		 storage, sealed_password, os_template, rootfs_gb, template_id,
		 guest_user, disk_gb, environment, expires_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				created.ID,
				created.RequesterID,
				created.Justification,
				string(created.Kind),
				created.Hostname,
				created.Cores,
				created.MemoryMB,
				created.Storage,
				created.SealedPassword,
				created.OSTemplate,
				created.RootFSGB,
				created.TemplateID,
				created.GuestUser,
				created.DiskGB,
				created.Environment,
				optionalUnix(created.ExpiresAt),
				string(created.Status),
				created.CreatedAt.Unix(),
			},
		})
	if err != nil {
		return Request{}, fmt.Errorf("request store: insert: %w", err)
	}

	s.logger.Info("request submitted",
		"request_id", created.ID,
		"requester", created.RequesterID,
		"kind", created.Kind,
		"hostname", created.Hostname)
	return created, nil
}

// Get fetches one request by ID. Returns ErrNotFound when it does not
// exist.
func (s *Store) Get(ctx context.Context, id string) (Request, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request store: get: %w", err)
	}
	defer s.pool.Put(conn)
	return getLocked(conn, id)
}

// getLocked fetches a request on an already-borrowed connection.
func getLocked(conn *sqlite.Conn, id string) (Request, error) {
	var found *Request
	err := sqlitex.Execute(conn, selectColumns+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			request := scanRequest(stmt)
			found = &request
			return nil
		},
	})
	if err != nil {
		return Request{}, fmt.Errorf("request store: select: %w", err)
	}
	if found == nil {
		return Request{}, fmt.Errorf("request store: %q: %w", id, ErrNotFound)
	}
	return *found, nil
}

// Page bounds a listing. A zero Limit means 50.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) withDefaults() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	return p
}

// ListFilter narrows a privileged listing. A zero Status matches all.
type ListFilter struct {
	Status Status
	Page   Page
}

// List returns requests newest-first across all users, optionally
// filtered by status.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	query := selectColumns
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	page := filter.Page.withDefaults()
	args = append(args, page.Limit, page.Offset)
	return s.list(ctx, query, args)
}

// ListByRequester returns one user's requests newest-first.
func (s *Store) ListByRequester(ctx context.Context, requesterID string, page Page) ([]Request, error) {
	page = page.withDefaults()
	return s.list(ctx,
		selectColumns+` WHERE requester_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		[]any{requesterID, page.Limit, page.Offset})
}

func (s *Store) list(ctx context.Context, query string, args []any) ([]Request, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("request store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var requests []Request
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			requests = append(requests, scanRequest(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("request store: list: %w", err)
	}
	return requests, nil
}

const selectColumns = `SELECT id, requester_id, justification, kind, hostname,
	cores, memory_mb, storage, sealed_password, os_template, rootfs_gb,
	template_id, guest_user, disk_gb, environment, expires_at, status,
	reviewer_id, review_comment, reviewed_at, resource_id, created_at
	FROM requests`

// scanRequest reads one row in selectColumns order.
func scanRequest(stmt *sqlite.Stmt) Request {
	return Request{
		ID:             stmt.ColumnText(0),
		RequesterID:    stmt.ColumnText(1),
		Justification:  stmt.ColumnText(2),
		Kind:           Kind(stmt.ColumnText(3)),
		Hostname:       stmt.ColumnText(4),
		Cores:          int(stmt.ColumnInt64(5)),
		MemoryMB:       int(stmt.ColumnInt64(6)),
		Storage:        stmt.ColumnText(7),
		SealedPassword: stmt.ColumnText(8),
		OSTemplate:     stmt.ColumnText(9),
		RootFSGB:       int(stmt.ColumnInt64(10)),
		TemplateID:     int(stmt.ColumnInt64(11)),
		GuestUser:      stmt.ColumnText(12),
		DiskGB:         int(stmt.ColumnInt64(13)),
		Environment:    stmt.ColumnText(14),
		ExpiresAt:      columnTime(stmt, 15),
		Status:         Status(stmt.ColumnText(16)),
		ReviewerID:     stmt.ColumnText(17),
		ReviewComment:  stmt.ColumnText(18),
		ReviewedAt:     columnTime(stmt, 19),
		ResourceID:     int(stmt.ColumnInt64(20)),
		CreatedAt:      time.Unix(stmt.ColumnInt64(21), 0).UTC(),
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
