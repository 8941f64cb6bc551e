// SPDX-License-Identifier: MIT

package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SqliteDirectory reads directory records from the broker database. It shares
// the database with the connection registry so listing queries can join
// across both schemas.
type SqliteDirectory struct {
	DB *sql.DB
}

// NewSqliteDirectory runs the directory schema migration and returns a
// read-side directory over db.
func NewSqliteDirectory(db *sql.DB) (*SqliteDirectory, error) {
	d := &SqliteDirectory{DB: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("directory: migration failed: %w", err)
	}
	return d, nil
}

func (d *SqliteDirectory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		org_id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS robots (
		robot_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		secret_key TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_robots_org ON robots(org_id);

	CREATE TABLE IF NOT EXISTS org_members (
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_org_members_user ON org_members(user_id);
	`
	_, err := d.DB.Exec(schema)
	return err
}

// Robot returns the robot with the given id, or nil when unknown.
func (d *SqliteDirectory) Robot(ctx context.Context, robotID string) (*Robot, error) {
	var r Robot
	err := d.DB.QueryRowContext(ctx,
		"SELECT robot_id, org_id, name, host, secret_key FROM robots WHERE robot_id = ?", robotID).
		Scan(&r.ID, &r.OrgID, &r.Name, &r.Host, &r.SecretKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (d *SqliteDirectory) roleOf(ctx context.Context, userID, robotID string) (Role, bool, error) {
	var role string
	err := d.DB.QueryRowContext(ctx, `
		SELECT m.role FROM org_members m
		JOIN robots r ON r.org_id = m.org_id
		WHERE m.user_id = ? AND r.robot_id = ?`, userID, robotID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return Role(role), true, nil
}

// IsUserAllowed reports whether userID holds one of roles in the organization
// owning robotID.
func (d *SqliteDirectory) IsUserAllowed(ctx context.Context, userID, robotID string, roles ...Role) (bool, error) {
	role, ok, err := d.roleOf(ctx, userID, robotID)
	if err != nil || !ok {
		return false, err
	}
	for _, want := range roles {
		if role == want {
			return true, nil
		}
	}
	return false, nil
}

// IsMember reports whether userID belongs to the organization owning robotID.
func (d *SqliteDirectory) IsMember(ctx context.Context, userID, robotID string) (bool, error) {
	_, ok, err := d.roleOf(ctx, userID, robotID)
	return ok, err
}

// PutOrganization writes an organization record. Used by the sync path and
// test fixtures.
func (d *SqliteDirectory) PutOrganization(ctx context.Context, orgID, name string) error {
	_, err := d.DB.ExecContext(ctx,
		"INSERT OR REPLACE INTO organizations (org_id, name) VALUES (?, ?)", orgID, name)
	return err
}

// PutRobot writes a robot record.
func (d *SqliteDirectory) PutRobot(ctx context.Context, r Robot) error {
	_, err := d.DB.ExecContext(ctx,
		"INSERT OR REPLACE INTO robots (robot_id, org_id, name, host, secret_key) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.OrgID, r.Name, r.Host, r.SecretKey)
	return err
}

// PutMember writes a membership record.
func (d *SqliteDirectory) PutMember(ctx context.Context, orgID, userID string, role Role) error {
	_, err := d.DB.ExecContext(ctx,
		"INSERT OR REPLACE INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)",
		orgID, userID, string(role))
	return err
}

var _ Directory = (*SqliteDirectory)(nil)
