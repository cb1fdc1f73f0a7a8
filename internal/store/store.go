// Package store keeps automation records and run history in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Automation is one versioned automation record.
type Automation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one execution record, for trades and robot runs alike.
type Run struct {
	ID         string    `json:"id"`
	Automation string    `json:"automation"`
	Identity   string    `json:"identity"`
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the PostgreSQL-backed record store.
type Store struct {
	pool DBPool
}

// Open connects to url and returns a ready store with its schema applied.
// The returned pool must be closed by the caller.
func Open(ctx context.Context, url string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pool: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// New verifies the connection and wraps pool.
func New(ctx context.Context, pool DBPool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS automations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    version    INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    path       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (name, version)
);
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    automation  TEXT NOT NULL,
    identity    TEXT NOT NULL,
    operation   TEXT NOT NULL,
    status      TEXT NOT NULL,
    message     TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const (
	sqlListAutomations = `
        SELECT id, name, version, kind, path, created_at
        FROM automations
        ORDER BY name ASC, version DESC, created_at DESC;`

	sqlAutomationByID = `
        SELECT id, name, version, kind, path, created_at
        FROM automations
        WHERE id = $1;`

	sqlLatestAutomationByName = `
        SELECT id, name, version, kind, path, created_at
        FROM automations
        WHERE name = $1
        ORDER BY version DESC, created_at DESC
        LIMIT 1;`

	sqlInsertAutomation = `
        INSERT INTO automations (id, name, version, kind, path, created_at)
        VALUES ($1, $2, $3, $4, $5, $6);`

	sqlInsertRun = `
        INSERT INTO runs (id, automation, identity, operation, status, message, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	sqlRecentRuns = `
        SELECT id, automation, identity, operation, status, message, started_at, finished_at
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;`
)

// ListAutomations returns every record, newest version first per name.
func (s *Store) ListAutomations(ctx context.Context) ([]Automation, error) {
	rows, err := s.pool.Query(ctx, sqlListAutomations)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		var a Automation
		if err := rows.Scan(&a.ID, &a.Name, &a.Version, &a.Kind, &a.Path, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan automation row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// ResolveAutomation looks ref up as an id first, then as a name, where the
// latest version wins.
func (s *Store) ResolveAutomation(ctx context.Context, ref string) (Automation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Automation{}, ErrNotFound
	}
	if _, err := uuid.Parse(ref); err == nil {
		a, err := s.scanAutomation(s.pool.QueryRow(ctx, sqlAutomationByID, ref))
		if !errors.Is(err, ErrNotFound) {
			return a, err
		}
	}
	return s.scanAutomation(s.pool.QueryRow(ctx, sqlLatestAutomationByName, ref))
}

func (s *Store) scanAutomation(row pgx.Row) (Automation, error) {
	var a Automation
	err := row.Scan(&a.ID, &a.Name, &a.Version, &a.Kind, &a.Path, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Automation{}, ErrNotFound
	}
	if err != nil {
		return Automation{}, fmt.Errorf("failed to scan automation: %w", err)
	}
	return a, nil
}

// AddAutomation registers a new version. An empty ID gets a fresh UUID.
func (s *Store) AddAutomation(ctx context.Context, a Automation) (Automation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, sqlInsertAutomation, a.ID, a.Name, a.Version, a.Kind, a.Path, a.CreatedAt.UTC()); err != nil {
		return Automation{}, fmt.Errorf("failed to insert automation: %w", err)
	}
	return a, nil
}

// InsertRun stores r. An empty ID gets a fresh UUID.
func (s *Store) InsertRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, sqlInsertRun,
		r.ID, r.Automation, r.Identity, r.Operation, r.Status, r.Message,
		r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	slog.Debug("run recorded", "run_id", r.ID, "automation", r.Automation, "status", r.Status)
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Automation, &r.Identity, &r.Operation, &r.Status, &r.Message, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
