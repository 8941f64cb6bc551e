// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/broker/internal/directory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConnection(id, robotID string) *Connection {
	return &Connection{
		ID:        id,
		RobotID:   robotID,
		CreatedBy: "user-1",
		IsActive:  true,
		PID:       4242,
		Port:      11004,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestInsertAndFindByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testConnection("conn-1", "robot-1")
	require.NoError(t, s.Insert(ctx, c))

	got, err := s.FindByID(ctx, "conn-1")
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindByID(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByRobot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindActiveByRobot(ctx, "robot-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	closed := testConnection("conn-old", "robot-1")
	closed.IsActive = false
	closed.ClosedAt = time.Now().UTC()
	require.NoError(t, s.Insert(ctx, closed))

	active := testConnection("conn-new", "robot-1")
	require.NoError(t, s.Insert(ctx, active))

	got, err = s.FindActiveByRobot(ctx, "robot-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conn-new", got.ID)
}

func TestMarkClosedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testConnection("conn-1", "robot-1")))

	firstClose := time.Now().UTC().Truncate(time.Millisecond)
	transitioned, err := s.MarkClosed(ctx, "conn-1", firstClose)
	require.NoError(t, err)
	assert.True(t, transitioned)

	// The second close must not move closed_at.
	transitioned, err = s.MarkClosed(ctx, "conn-1", firstClose.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, transitioned)

	got, err := s.FindByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, firstClose.UnixMilli(), got.ClosedAt.UnixMilli())
}

func TestMarkClosedUnknownID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MarkClosed(context.Background(), "no-such-id", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByRobotFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testConnection("conn-a", "robot-1")))
	closed := testConnection("conn-b", "robot-1")
	closed.IsActive = false
	closed.ClosedAt = time.Now().UTC()
	require.NoError(t, s.Insert(ctx, closed))
	require.NoError(t, s.Insert(ctx, testConnection("conn-c", "robot-2")))

	all, err := s.FindByRobot(ctx, "robot-1", FilterAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.FindByRobot(ctx, "robot-1", FilterActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "conn-a", active[0].ID)

	inactive, err := s.FindByRobot(ctx, "robot-1", FilterInactive)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "conn-b", inactive[0].ID)
}

func TestListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testConnection("conn-a", "robot-1")))
	closed := testConnection("conn-b", "robot-2")
	closed.IsActive = false
	require.NoError(t, s.Insert(ctx, closed))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "conn-a", active[0].ID)
}

func TestFindByRequestingUserTwoHops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir, err := directory.NewSqliteDirectory(s.DB)
	require.NoError(t, err)

	require.NoError(t, dir.PutOrganization(ctx, "org-1", "Acme Robotics"))
	require.NoError(t, dir.PutOrganization(ctx, "org-2", "Other Corp"))
	require.NoError(t, dir.PutRobot(ctx, directory.Robot{ID: "robot-1", OrgID: "org-1", Name: "arm-01", Host: "10.0.0.5", SecretKey: "sk"}))
	require.NoError(t, dir.PutRobot(ctx, directory.Robot{ID: "robot-2", OrgID: "org-2", Name: "arm-02", Host: "10.0.0.6", SecretKey: "sk"}))
	require.NoError(t, dir.PutMember(ctx, "org-1", "user-1", directory.RoleOperator))

	require.NoError(t, s.Insert(ctx, testConnection("conn-mine", "robot-1")))
	require.NoError(t, s.Insert(ctx, testConnection("conn-other", "robot-2")))

	mine, err := s.FindByRequestingUser(ctx, "user-1", FilterAll)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "conn-mine", mine[0].ID)

	none, err := s.FindByRequestingUser(ctx, "user-without-org", FilterAll)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestToPublicViewOmitsPID(t *testing.T) {
	c := testConnection("conn-1", "robot-1")
	c.ClosedAt = time.Now().UTC()

	view := ToPublicView(c, &RobotSummary{ID: "robot-1", Name: "arm-01", Host: "10.0.0.5"})
	assert.Equal(t, "conn-1", view.ConnectionID)
	assert.Equal(t, c.Port, view.Port)
	require.NotNil(t, view.ClosedAt)
	assert.Equal(t, c.ClosedAt, *view.ClosedAt)
	require.NotNil(t, view.Robot)
	assert.Equal(t, "arm-01", view.Robot.Name)
}
