// SPDX-License-Identifier: MIT

// Package status reads robot status snapshots reported by fleet agents.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RobotStatus is the reported operating state of a robot.
type RobotStatus string

const (
	StatusOnline    RobotStatus = "Online"
	StatusOperating RobotStatus = "Operating"
	StatusOffline   RobotStatus = "Offline"
	StatusUnknown   RobotStatus = "Unknown"
)

// Snapshot is the latest status report for a robot.
type Snapshot struct {
	RobotID   string
	Status    RobotStatus
	Port      int // port the robot-side agent is listening on; 0 when unset
	UpdatedAt time.Time
}

// Store reads the latest robot status snapshot.
type Store interface {
	// Latest returns the newest snapshot for the robot. A snapshot older
	// than the staleness window reads as Offline; a missing snapshot reads
	// as Unknown.
	Latest(ctx context.Context, robotID string) (Snapshot, error)
}

// RedisStore keeps snapshots in Redis hashes keyed by robot id. Fleet agents
// write them; the broker only reads.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore creates a snapshot store. maxAge is the staleness window
// after which a snapshot reads as Offline.
func NewRedisStore(client *redis.Client, maxAge time.Duration) *RedisStore {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RedisStore{client: client, maxAge: maxAge, now: time.Now}
}

func key(robotID string) string {
	return "robot:status:" + robotID
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, robotID string) (Snapshot, error) {
	snap := Snapshot{RobotID: robotID, Status: StatusUnknown}

	fields, err := s.client.HGetAll(ctx, key(robotID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snap, nil
		}
		return snap, fmt.Errorf("status: read %s: %w", robotID, err)
	}
	if len(fields) == 0 {
		return snap, nil
	}

	if raw, ok := fields["status"]; ok {
		snap.Status = RobotStatus(raw)
	}
	if raw, ok := fields["port"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			snap.Port = p
		}
	}
	if raw, ok := fields["updated_at_ms"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}

	if snap.UpdatedAt.IsZero() || s.now().Sub(snap.UpdatedAt) > s.maxAge {
		snap.Status = StatusOffline
	}
	return snap, nil
}

// Publish writes a snapshot. The broker itself never calls this outside of
// tests; it mirrors what the agent-facing ingest service writes.
func (s *RedisStore) Publish(ctx context.Context, snap Snapshot) error {
	at := snap.UpdatedAt
	if at.IsZero() {
		at = s.now()
	}
	return s.client.HSet(ctx, key(snap.RobotID), map[string]any{
		"status":        string(snap.Status),
		"port":          snap.Port,
		"updated_at_ms": at.UnixMilli(),
	}).Err()
}

// Ping verifies Redis connectivity for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
