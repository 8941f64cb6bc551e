// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robofleet/broker/internal/directory"
	"github.com/robofleet/broker/internal/registry"
	"github.com/robofleet/broker/internal/status"
	"github.com/robofleet/broker/internal/supervisor"
)

// stubStatus serves a fixed snapshot per robot id.
type stubStatus struct {
	snaps map[string]status.Snapshot
}

func (s *stubStatus) Latest(_ context.Context, robotID string) (status.Snapshot, error) {
	if snap, ok := s.snaps[robotID]; ok {
		return snap, nil
	}
	return status.Snapshot{RobotID: robotID, Status: status.StatusUnknown}, nil
}

// stubRegistrar records register calls and can be told to fail.
type stubRegistrar struct {
	mu       sync.Mutex
	requests []RegisterRequest
	stops    []string
	fail     error
}

func (r *stubRegistrar) Register(_ context.Context, req RegisterRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.requests = append(r.requests, req)
	return "reg-123", nil
}

func (r *stubRegistrar) NotifyStop(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, connectionID)
	return nil
}

func (r *stubRegistrar) registered() []RegisterRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RegisterRequest(nil), r.requests...)
}

// readyBridge is a bridge stand-in that signals readiness and then waits for
// SIGINT.
const readyBridge = `trap 'exit 0' INT
echo "$2 bridge-ready"
sleep 30 &
wait`

// silentBridge never signals readiness.
const silentBridge = `sleep 30`

type fixture struct {
	broker    *Broker
	reg       *registry.Store
	registrar *stubRegistrar
}

func newFixture(t *testing.T, bridgeBody string, startupTimeout time.Duration) *fixture {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	dir, err := directory.NewSqliteDirectory(reg.DB)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dir.PutOrganization(ctx, "org-1", "Acme Robotics"))
	require.NoError(t, dir.PutRobot(ctx, directory.Robot{ID: "robot-1", OrgID: "org-1", Name: "arm-01", Host: "10.0.0.5", SecretKey: "sk"}))
	require.NoError(t, dir.PutMember(ctx, "org-1", "user-op", directory.RoleOperator))
	require.NoError(t, dir.PutMember(ctx, "org-1", "user-view", directory.RoleViewer))

	binPath := filepath.Join(t.TempDir(), "fake-bridge")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"+bridgeBody+"\n"), 0o755))

	st := &stubStatus{snaps: map[string]status.Snapshot{
		"robot-1": {RobotID: "robot-1", Status: status.StatusOperating, Port: 9090, UpdatedAt: time.Now()},
	}}
	registrar := &stubRegistrar{}
	sup := supervisor.New(binPath, startupTimeout, zerolog.Nop())

	b := New(Options{
		Hostname:     "broker.example.com",
		AppPortStart: 42000,
		AppPortEnd:   42999,
		IdleTimeout:  20 * time.Minute,
		ProbePorts:   true,
	}, reg, dir, st, sup, registrar, zerolog.Nop())

	return &fixture{broker: b, reg: reg, registrar: registrar}
}

func TestCreateSuccess(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	defer func() { _ = f.broker.Close(ctx, coords.ConnectionID, "user-op") }()

	assert.NotEmpty(t, coords.ConnectionID)
	assert.Equal(t, "broker.example.com", coords.Hostname)
	assert.GreaterOrEqual(t, coords.Port, 42000)
	assert.LessOrEqual(t, coords.Port, 42999)
	assert.Equal(t, "reg-123", coords.RegisterID)

	conn, err := f.reg.FindByID(ctx, coords.ConnectionID)
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
	assert.Equal(t, coords.Port, conn.Port)
	assert.Equal(t, "user-op", conn.CreatedBy)
	assert.Positive(t, conn.PID)
	assert.True(t, supervisor.PIDAlive(conn.PID))

	reqs := f.registrar.registered()
	require.Len(t, reqs, 1)
	assert.Equal(t, coords.ConnectionID, reqs[0].ConnectionID)
	assert.Equal(t, coords.Port, reqs[0].Port)
}

func TestCreateConflictOnActiveSession(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	defer func() { _ = f.broker.Close(ctx, coords.ConnectionID, "user-op") }()

	_, err = f.broker.Create(ctx, "robot-1", "user-op")
	assert.ErrorIs(t, err, ErrConflict)

	// Only the first session was recorded and only one register call went out.
	conns, err := f.reg.FindByRobot(ctx, "robot-1", registry.FilterAll)
	require.NoError(t, err)
	assert.Len(t, conns, 1)
	assert.Len(t, f.registrar.registered(), 1)
}

func TestCreateStartupTimeoutLeavesNoRecord(t *testing.T) {
	f := newFixture(t, silentBridge, 300*time.Millisecond)
	ctx := context.Background()

	_, err := f.broker.Create(ctx, "robot-1", "user-op")
	assert.ErrorIs(t, err, ErrStartupTimeout)

	conns, err := f.reg.FindByRobot(ctx, "robot-1", registry.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, conns)
	assert.Empty(t, f.registrar.registered())
}

func TestCreateForbiddenForViewer(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)

	_, err := f.broker.Create(context.Background(), "robot-1", "user-view")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateUnknownRobot(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)

	_, err := f.broker.Create(context.Background(), "no-such-robot", "user-op")
	assert.ErrorIs(t, err, ErrRobotNotFound)
}

func TestCreateRobotNotOperating(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	st := f.broker.status.(*stubStatus)
	st.snaps["robot-1"] = status.Snapshot{RobotID: "robot-1", Status: status.StatusOffline}

	_, err := f.broker.Create(ctx, "robot-1", "user-op")
	assert.ErrorIs(t, err, ErrRobotNotReady)

	// Operating without an agent port is equally not ready.
	st.snaps["robot-1"] = status.Snapshot{RobotID: "robot-1", Status: status.StatusOperating, Port: 0}
	_, err = f.broker.Create(ctx, "robot-1", "user-op")
	assert.ErrorIs(t, err, ErrRobotNotReady)
}

func TestCreateRegisterFailureTearsDown(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	f.registrar.fail = errors.New("bridge register endpoint unreachable")

	_, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.Error(t, err)

	conns, err := f.reg.FindByRobot(ctx, "robot-1", registry.FilterAll)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.False(t, conns[0].IsActive)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)

	require.NoError(t, f.broker.Close(ctx, coords.ConnectionID, "user-op"))

	first, err := f.reg.FindByID(ctx, coords.ConnectionID)
	require.NoError(t, err)
	assert.False(t, first.IsActive)
	require.False(t, first.ClosedAt.IsZero())

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.broker.Close(ctx, coords.ConnectionID, "user-op"))

	second, err := f.reg.FindByID(ctx, coords.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, first.ClosedAt, second.ClosedAt, "closed_at must not move on repeat close")
}

func TestCloseUnknownConnection(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	err := f.broker.Close(context.Background(), "no-such-conn", "user-op")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestExitHandlerMarksClosed(t *testing.T) {
	// The bridge signals readiness and then exits on its own shortly after.
	f := newFixture(t, `echo "$2 bridge-ready"
sleep 0.2`, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		conn, err := f.reg.FindByID(ctx, coords.ConnectionID)
		return err == nil && !conn.IsActive
	}, 5*time.Second, 50*time.Millisecond, "exit handler did not close the record")

	// The robot-side agent was told to stop.
	assert.Eventually(t, func() bool {
		f.registrar.mu.Lock()
		defer f.registrar.mu.Unlock()
		return len(f.registrar.stops) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCloseThenExitEventSingleClosedAt(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)

	require.NoError(t, f.broker.Close(ctx, coords.ConnectionID, "user-op"))
	closed, err := f.reg.FindByID(ctx, coords.ConnectionID)
	require.NoError(t, err)

	// The interrupt makes the bridge exit; give the exit handler time to run
	// its own (no-op) reconciliation.
	assert.Eventually(t, func() bool {
		f.registrar.mu.Lock()
		defer f.registrar.mu.Unlock()
		return len(f.registrar.stops) == 1
	}, 5*time.Second, 50*time.Millisecond)

	after, err := f.reg.FindByID(ctx, coords.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, closed.ClosedAt, after.ClosedAt)
}

func TestJoinActiveConnection(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	defer func() { _ = f.broker.Close(ctx, coords.ConnectionID, "user-op") }()

	joined, err := f.broker.Join(ctx, coords.ConnectionID, "user-op")
	require.NoError(t, err)
	assert.Equal(t, coords.ConnectionID, joined.ConnectionID)
	assert.Equal(t, coords.Port, joined.Port)
	assert.Len(t, f.registrar.registered(), 2)
}

func TestJoinClosedConnection(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	require.NoError(t, f.broker.Close(ctx, coords.ConnectionID, "user-op"))

	_, err = f.broker.Join(ctx, coords.ConnectionID, "user-op")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestGetByIDViewHasNoPID(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	defer func() { _ = f.broker.Close(ctx, coords.ConnectionID, "user-op") }()

	view, err := f.broker.GetByID(ctx, coords.ConnectionID, "user-view")
	require.NoError(t, err)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "pid")
	assert.NotContains(t, string(raw), "secret")
	require.NotNil(t, view.Robot)
	assert.Equal(t, "arm-01", view.Robot.Name)
}

func TestGetByIDForbiddenForOutsider(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	coords, err := f.broker.Create(ctx, "robot-1", "user-op")
	require.NoError(t, err)
	defer func() { _ = f.broker.Close(ctx, coords.ConnectionID, "user-op") }()

	_, err = f.broker.GetByID(ctx, coords.ConnectionID, "user-outsider")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAllocatePortDirectRandomPick(t *testing.T) {
	b := &Broker{opts: Options{AppPortStart: 42000, AppPortEnd: 42010, ProbePorts: false}}
	for i := 0; i < 50; i++ {
		port, err := b.allocatePort()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 42000)
		assert.LessOrEqual(t, port, 42010)
	}
}

func TestReconcileStaleClosesDeadPIDs(t *testing.T) {
	f := newFixture(t, readyBridge, 5*time.Second)
	ctx := context.Background()

	// A record left behind by a previous broker instance, pid long gone.
	require.NoError(t, f.reg.Insert(ctx, &registry.Connection{
		ID:        "conn-stale",
		RobotID:   "robot-1",
		CreatedBy: "user-op",
		IsActive:  true,
		PID:       1 << 22,
		Port:      42010,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	require.NoError(t, f.broker.ReconcileStale(ctx))

	conn, err := f.reg.FindByID(ctx, "conn-stale")
	require.NoError(t, err)
	assert.False(t, conn.IsActive)
	assert.False(t, conn.ClosedAt.IsZero())
}
