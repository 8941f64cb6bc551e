// SPDX-License-Identifier: MIT

// Package broker implements the session lifecycle controller: create, join
// and close semantics over the connection registry, the process supervisor
// and the external directory, status and registration collaborators.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robofleet/broker/internal/directory"
	"github.com/robofleet/broker/internal/metrics"
	"github.com/robofleet/broker/internal/netutil"
	"github.com/robofleet/broker/internal/registry"
	"github.com/robofleet/broker/internal/status"
	"github.com/robofleet/broker/internal/supervisor"
)

// RegisterRequest carries the session coordinates registered with the
// running bridge process.
type RegisterRequest struct {
	ConnectionID string
	UserID       string
	Hostname     string
	Port         int
}

// Registrar is the external registration call to the bridging process.
type Registrar interface {
	// Register announces a user's coordinates to the bridge and returns the
	// bridge-side registration id.
	Register(ctx context.Context, req RegisterRequest) (string, error)

	// NotifyStop asks the robot-side agent to wind down its end of the
	// session. Best effort; failures are logged, never propagated.
	NotifyStop(ctx context.Context, connectionID string) error
}

// Coordinates is the connection endpoint returned by Create and Join.
type Coordinates struct {
	ConnectionID string
	Hostname     string
	Port         int
	RegisterID   string
}

// Options configures a Broker.
type Options struct {
	Hostname     string
	AppPortStart int
	AppPortEnd   int
	IdleTimeout  time.Duration

	// ProbePorts selects scan-based allocation (free pair, random among
	// candidates, explicit exhaustion) for the application port. When false
	// the port is a direct random pick validated only by the bridge binding
	// it.
	ProbePorts bool
}

// Broker is the session lifecycle controller.
type Broker struct {
	opts      Options
	reg       *registry.Store
	dir       directory.Directory
	status    status.Store
	sup       *supervisor.Supervisor
	registrar Registrar
	logger    zerolog.Logger
}

// New wires a Broker from its collaborators.
func New(opts Options, reg *registry.Store, dir directory.Directory, st status.Store, sup *supervisor.Supervisor, registrar Registrar, logger zerolog.Logger) *Broker {
	return &Broker{
		opts:      opts,
		reg:       reg,
		dir:       dir,
		status:    st,
		sup:       sup,
		registrar: registrar,
		logger:    logger,
	}
}

// Create starts a bridging session for the robot on behalf of the user.
//
// The registry record is written only after the bridge signals readiness, so
// a persisted record always corresponds to a process that at least started.
// The duplicate-active check and the insert are not transactional: two
// concurrent Creates for one robot can both pass the check. Accepted
// limitation, mitigated operationally, not resolved by locking here.
func (b *Broker) Create(ctx context.Context, robotID, userID string) (Coordinates, error) {
	robot, err := b.dir.Robot(ctx, robotID)
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: robot lookup: %w", err)
	}
	if robot == nil {
		metrics.CreatesTotal.WithLabelValues("not_found").Inc()
		return Coordinates{}, ErrRobotNotFound
	}

	allowed, err := b.dir.IsUserAllowed(ctx, userID, robotID, directory.OperatorTier...)
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: permission check: %w", err)
	}
	if !allowed {
		metrics.CreatesTotal.WithLabelValues("forbidden").Inc()
		return Coordinates{}, ErrForbidden
	}

	snap, err := b.status.Latest(ctx, robotID)
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: status lookup: %w", err)
	}
	if snap.Status != status.StatusOperating || snap.Port <= 0 {
		metrics.CreatesTotal.WithLabelValues("precondition").Inc()
		return Coordinates{}, fmt.Errorf("%w: status=%s port=%d", ErrRobotNotReady, snap.Status, snap.Port)
	}

	existing, err := b.reg.FindActiveByRobot(ctx, robotID)
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: duplicate check: %w", err)
	}
	if existing != nil {
		metrics.CreatesTotal.WithLabelValues("conflict").Inc()
		return Coordinates{}, fmt.Errorf("%w: connection %s", ErrConflict, existing.ID)
	}

	appPort, err := b.allocatePort()
	if err != nil {
		metrics.CreatesTotal.WithLabelValues("capacity").Inc()
		return Coordinates{}, err
	}

	connID := uuid.NewString()
	logger := b.logger.With().Str("connection_id", connID).Str("robot_id", robotID).Logger()

	spawnStart := time.Now()
	proc, err := b.sup.Spawn(supervisor.Spec{
		ConnectionID: connID,
		RobotHost:    robot.Host,
		RobotPort:    snap.Port,
		AppPort:      appPort,
		IdleTimeout:  b.opts.IdleTimeout,
		OrgID:        robot.OrgID,
		RobotID:      robotID,
	})
	if err != nil {
		metrics.CreatesTotal.WithLabelValues("error").Inc()
		return Coordinates{}, fmt.Errorf("broker: spawn: %w", err)
	}

	if err := proc.AwaitReady(ctx); err != nil {
		// The supervisor has already killed the process; no registry record
		// exists for it.
		if errors.Is(err, supervisor.ErrStartupTimeout) {
			metrics.CreatesTotal.WithLabelValues("timeout").Inc()
			logger.Warn().Dur("timeout_after", time.Since(spawnStart)).Msg("bridge startup timed out")
			return Coordinates{}, fmt.Errorf("%w: %v", ErrStartupTimeout, err)
		}
		metrics.CreatesTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Strs("diagnostics", proc.Diagnostics()).Msg("bridge failed before readiness")
		return Coordinates{}, fmt.Errorf("broker: bridge startup: %w", err)
	}
	metrics.SpawnDuration.Observe(time.Since(spawnStart).Seconds())

	conn := &registry.Connection{
		ID:        connID,
		RobotID:   robotID,
		CreatedBy: userID,
		IsActive:  true,
		PID:       proc.PID(),
		Port:      appPort,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.reg.Insert(ctx, conn); err != nil {
		_ = proc.Interrupt()
		metrics.CreatesTotal.WithLabelValues("error").Inc()
		return Coordinates{}, err
	}
	metrics.ActiveSessions.Inc()

	go b.watchExit(connID, proc)

	regID, err := b.registrar.Register(ctx, RegisterRequest{
		ConnectionID: connID,
		UserID:       userID,
		Hostname:     b.opts.Hostname,
		Port:         appPort,
	})
	if err != nil {
		// The session cannot be used without registration; tear it down.
		logger.Error().Err(err).Msg("bridge registration failed, closing session")
		_ = proc.Interrupt()
		b.markClosed(context.WithoutCancel(ctx), connID)
		metrics.CreatesTotal.WithLabelValues("error").Inc()
		return Coordinates{}, fmt.Errorf("broker: register: %w", err)
	}

	metrics.CreatesTotal.WithLabelValues("ok").Inc()
	logger.Info().Int("pid", conn.PID).Int("port", appPort).Msg("bridge session created")

	return Coordinates{
		ConnectionID: connID,
		Hostname:     b.opts.Hostname,
		Port:         appPort,
		RegisterID:   regID,
	}, nil
}

// Join re-registers the requesting user's coordinates with an already
// running bridge. It never spawns.
func (b *Broker) Join(ctx context.Context, connectionID, userID string) (Coordinates, error) {
	conn, err := b.loadConnection(ctx, connectionID)
	if err != nil {
		return Coordinates{}, err
	}

	allowed, err := b.dir.IsUserAllowed(ctx, userID, conn.RobotID, directory.OperatorTier...)
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: permission check: %w", err)
	}
	if !allowed {
		return Coordinates{}, ErrForbidden
	}

	if !conn.IsActive {
		return Coordinates{}, fmt.Errorf("%w: %s", ErrNotActive, connectionID)
	}

	regID, err := b.registrar.Register(ctx, RegisterRequest{
		ConnectionID: conn.ID,
		UserID:       userID,
		Hostname:     b.opts.Hostname,
		Port:         conn.Port,
	})
	if err != nil {
		return Coordinates{}, fmt.Errorf("broker: register: %w", err)
	}

	return Coordinates{
		ConnectionID: conn.ID,
		Hostname:     b.opts.Hostname,
		Port:         conn.Port,
		RegisterID:   regID,
	}, nil
}

// Close terminates a session. Idempotent: closing an inactive connection
// succeeds without side effects. The interrupt is sent to the recorded pid
// and the registry is updated immediately; the exit handler's own update is
// a no-op by then.
func (b *Broker) Close(ctx context.Context, connectionID, userID string) error {
	conn, err := b.loadConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	allowed, err := b.dir.IsUserAllowed(ctx, userID, conn.RobotID, directory.OperatorTier...)
	if err != nil {
		return fmt.Errorf("broker: permission check: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}

	if !conn.IsActive {
		return nil
	}

	if err := supervisor.InterruptPID(conn.PID); err != nil {
		b.logger.Warn().Err(err).Str("connection_id", connectionID).Int("pid", conn.PID).
			Msg("interrupt failed; process may already be gone")
	}

	b.markClosed(ctx, connectionID)
	return nil
}

// GetByID returns the sanitized view of one connection for an organization
// member.
func (b *Broker) GetByID(ctx context.Context, connectionID, userID string) (registry.PublicConnection, error) {
	conn, err := b.loadConnection(ctx, connectionID)
	if err != nil {
		return registry.PublicConnection{}, err
	}

	member, err := b.dir.IsMember(ctx, userID, conn.RobotID)
	if err != nil {
		return registry.PublicConnection{}, fmt.Errorf("broker: membership check: %w", err)
	}
	if !member {
		return registry.PublicConnection{}, ErrForbidden
	}

	return registry.ToPublicView(conn, b.robotSummary(ctx, conn.RobotID)), nil
}

// GetByRobot lists a robot's connections for an organization member.
func (b *Broker) GetByRobot(ctx context.Context, robotID, userID string, filter registry.StatusFilter) ([]registry.PublicConnection, error) {
	member, err := b.dir.IsMember(ctx, userID, robotID)
	if err != nil {
		return nil, fmt.Errorf("broker: membership check: %w", err)
	}
	if !member {
		return nil, ErrForbidden
	}

	conns, err := b.reg.FindByRobot(ctx, robotID, filter)
	if err != nil {
		return nil, err
	}
	summary := b.robotSummary(ctx, robotID)
	out := make([]registry.PublicConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, registry.ToPublicView(c, summary))
	}
	return out, nil
}

// ListMine lists connections for robots in the caller's organizations.
func (b *Broker) ListMine(ctx context.Context, userID string, filter registry.StatusFilter) ([]registry.PublicConnection, error) {
	conns, err := b.reg.FindByRequestingUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]registry.PublicConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, registry.ToPublicView(c, b.robotSummary(ctx, c.RobotID)))
	}
	return out, nil
}

// ReconcileStale marks active records whose process no longer exists as
// closed. Run once at startup to repair state left behind by a crashed or
// restarted broker.
func (b *Broker) ReconcileStale(ctx context.Context) error {
	active, err := b.reg.ListActive(ctx)
	if err != nil {
		return err
	}
	live := 0
	for _, conn := range active {
		if supervisor.PIDAlive(conn.PID) {
			live++
			continue
		}
		b.logger.Info().Str("connection_id", conn.ID).Int("pid", conn.PID).
			Msg("marking stale connection closed")
		if _, err := b.reg.MarkClosed(ctx, conn.ID, time.Now().UTC()); err != nil {
			b.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("stale reconciliation failed")
		}
	}
	metrics.ActiveSessions.Set(float64(live))
	return nil
}

func (b *Broker) allocatePort() (int, error) {
	if b.opts.ProbePorts {
		port, ok := netutil.FindFreePortInRange(b.opts.AppPortStart, b.opts.AppPortEnd, 2)
		if !ok {
			metrics.PortScanExhausted.Inc()
			return 0, ErrCapacityExhausted
		}
		return port, nil
	}
	return netutil.RandomPortInRange(b.opts.AppPortStart, b.opts.AppPortEnd), nil
}

func (b *Broker) loadConnection(ctx context.Context, id string) (*registry.Connection, error) {
	conn, err := b.reg.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		}
		return nil, err
	}
	return conn, nil
}

func (b *Broker) robotSummary(ctx context.Context, robotID string) *registry.RobotSummary {
	robot, err := b.dir.Robot(ctx, robotID)
	if err != nil || robot == nil {
		return nil
	}
	// Projection drops the secret key.
	return &registry.RobotSummary{ID: robot.ID, Name: robot.Name, Host: robot.Host}
}

// watchExit reconciles registry state when the bridge exits on its own. The
// transition is idempotent: if an explicit close already flipped the record,
// this is a no-op. Failures here are logged, never propagated; no caller
// waits on this path.
func (b *Broker) watchExit(connectionID string, proc *supervisor.Process) {
	<-proc.Exited()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b.markClosed(ctx, connectionID)

	if err := b.registrar.NotifyStop(ctx, connectionID); err != nil {
		b.logger.Warn().Err(err).Str("connection_id", connectionID).
			Msg("agent stop notification failed")
	}
}

func (b *Broker) markClosed(ctx context.Context, connectionID string) {
	transitioned, err := b.reg.MarkClosed(ctx, connectionID, time.Now().UTC())
	if err != nil {
		b.logger.Error().Err(err).Str("connection_id", connectionID).
			Msg("registry close reconciliation failed")
		return
	}
	if transitioned {
		metrics.ActiveSessions.Dec()
	}
}
