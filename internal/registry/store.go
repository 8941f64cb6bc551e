// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robofleet/broker/internal/persistence/sqlite"
)

const schemaVersion = 1

// ErrNotFound is returned when a connection id does not exist.
var ErrNotFound = errors.New("registry: connection not found")

// Store implements the connection registry on SQLite.
type Store struct {
	DB *sql.DB
}

// Open initializes a registry store at dbPath with the broker pragmas.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: migration failed: %w", err)
	}
	return s, nil
}

// NewStore wraps an already opened database, running migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("registry: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// No unique index on (robot_id, is_active): the duplicate-active check
	// happens in the lifecycle controller before spawn, and the window
	// between check and insert is an accepted limitation.
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		connection_id TEXT PRIMARY KEY,
		robot_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		is_active INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		closed_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_connections_robot ON connections(robot_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_connections_creator ON connections(created_by);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Insert persists a new connection record. Always an insert, never an upsert.
func (s *Store) Insert(ctx context.Context, c *Connection) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connections (connection_id, robot_id, created_by, is_active, pid, port, created_at_ms, closed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RobotID, c.CreatedBy, boolToInt(c.IsActive), c.PID, c.Port,
		c.CreatedAt.UnixMilli(), timeToNullMs(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("registry: insert %s: %w", c.ID, err)
	}
	return nil
}

// FindByID returns the connection with the given id or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*Connection, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT connection_id, robot_id, created_by, is_active, pid, port, created_at_ms, closed_at_ms
		 FROM connections WHERE connection_id = ?`, id)
	c, err := scanConnection(row)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// FindByRobot returns all connections for a robot, newest first.
func (s *Store) FindByRobot(ctx context.Context, robotID string, filter StatusFilter) ([]*Connection, error) {
	query := `SELECT connection_id, robot_id, created_by, is_active, pid, port, created_at_ms, closed_at_ms
		 FROM connections WHERE robot_id = ?`
	args := []any{robotID}
	query, args = applyFilter(query, args, filter)
	query += " ORDER BY created_at_ms DESC"
	return s.queryConnections(ctx, query, args...)
}

// FindActiveByRobot returns the active connection for a robot, or nil when
// there is none. It is the query backing the duplicate-session check.
func (s *Store) FindActiveByRobot(ctx context.Context, robotID string) (*Connection, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT connection_id, robot_id, created_by, is_active, pid, port, created_at_ms, closed_at_ms
		 FROM connections WHERE robot_id = ? AND is_active = 1
		 ORDER BY created_at_ms DESC LIMIT 1`, robotID)
	return scanConnection(row)
}

// FindByRequestingUser resolves connections visible to a user: organizations
// the user belongs to, then robots in those organizations, then connections
// for those robots. The two hops run as a single join against the directory
// read-side tables sharing this database.
func (s *Store) FindByRequestingUser(ctx context.Context, userID string, filter StatusFilter) ([]*Connection, error) {
	query := `
		SELECT c.connection_id, c.robot_id, c.created_by, c.is_active, c.pid, c.port, c.created_at_ms, c.closed_at_ms
		FROM connections c
		JOIN robots r ON r.robot_id = c.robot_id
		JOIN org_members m ON m.org_id = r.org_id
		WHERE m.user_id = ?`
	args := []any{userID}
	query, args = applyFilterCol(query, args, filter, "c.is_active")
	query += " ORDER BY c.created_at_ms DESC"
	return s.queryConnections(ctx, query, args...)
}

// ListActive returns every active connection. Used by the startup
// reconciliation sweep.
func (s *Store) ListActive(ctx context.Context) ([]*Connection, error) {
	return s.queryConnections(ctx,
		`SELECT connection_id, robot_id, created_by, is_active, pid, port, created_at_ms, closed_at_ms
		 FROM connections WHERE is_active = 1 ORDER BY created_at_ms DESC`)
}

// MarkClosed transitions a connection to inactive and stamps closed_at. The
// operation is idempotent: an already closed record is untouched, so the
// first writer's closed_at wins whether it was an explicit close or the
// process exit handler. transitioned reports whether this call flipped the
// record.
func (s *Store) MarkClosed(ctx context.Context, id string, closedAt time.Time) (transitioned bool, err error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE connections SET is_active = 0, closed_at_ms = ? WHERE connection_id = ? AND is_active = 1`,
		closedAt.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("registry: mark closed %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Already inactive or unknown id; distinguish for callers that care.
	var exists int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(1) FROM connections WHERE connection_id = ?", id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]*Connection, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func applyFilter(query string, args []any, filter StatusFilter) (string, []any) {
	return applyFilterCol(query, args, filter, "is_active")
}

func applyFilterCol(query string, args []any, filter StatusFilter, col string) (string, []any) {
	switch filter {
	case FilterActive:
		query += " AND " + col + " = 1"
	case FilterInactive:
		query += " AND " + col + " = 0"
	}
	return query, args
}

func scanConnection(scanner interface{ Scan(dest ...any) error }) (*Connection, error) {
	var c Connection
	var active int
	var createdAt int64
	var closedAt sql.NullInt64

	err := scanner.Scan(&c.ID, &c.RobotID, &c.CreatedBy, &active, &c.PID, &c.Port, &createdAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.IsActive = active == 1
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	if closedAt.Valid {
		c.ClosedAt = time.UnixMilli(closedAt.Int64).UTC()
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToNullMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
