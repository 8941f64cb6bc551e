// SPDX-License-Identifier: MIT

package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/broker/internal/persistence/sqlite"
)

func newTestDirectory(t *testing.T) *SqliteDirectory {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d, err := NewSqliteDirectory(db)
	require.NoError(t, err)
	return d
}

func seedFixture(t *testing.T, d *SqliteDirectory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.PutOrganization(ctx, "org-1", "Acme Robotics"))
	require.NoError(t, d.PutRobot(ctx, Robot{ID: "robot-1", OrgID: "org-1", Name: "arm-01", Host: "10.0.0.5", SecretKey: "sk-robot-1"}))
	require.NoError(t, d.PutMember(ctx, "org-1", "user-op", RoleOperator))
	require.NoError(t, d.PutMember(ctx, "org-1", "user-view", RoleViewer))
}

func TestRobotLookup(t *testing.T) {
	d := newTestDirectory(t)
	seedFixture(t, d)
	ctx := context.Background()

	r, err := d.Robot(ctx, "robot-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "org-1", r.OrgID)
	assert.Equal(t, "10.0.0.5", r.Host)

	missing, err := d.Robot(ctx, "no-such-robot")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIsUserAllowed(t *testing.T) {
	d := newTestDirectory(t)
	seedFixture(t, d)
	ctx := context.Background()

	ok, err := d.IsUserAllowed(ctx, "user-op", "robot-1", OperatorTier...)
	require.NoError(t, err)
	assert.True(t, ok)

	// A viewer is a member but not in the operator tier.
	ok, err = d.IsUserAllowed(ctx, "user-view", "robot-1", OperatorTier...)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.IsUserAllowed(ctx, "user-outsider", "robot-1", OperatorTier...)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsMember(t *testing.T) {
	d := newTestDirectory(t)
	seedFixture(t, d)
	ctx := context.Background()

	ok, err := d.IsMember(ctx, "user-view", "robot-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.IsMember(ctx, "user-outsider", "robot-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.IsMember(ctx, "user-op", "no-such-robot")
	require.NoError(t, err)
	assert.False(t, ok)
}
