// SPDX-License-Identifier: MIT

// Package registry persists bridge connection records. The connections table
// is append-only history: records are never deleted, only marked closed.
package registry

import "time"

// Connection is the persisted record of one bridging session.
type Connection struct {
	ID        string
	RobotID   string
	CreatedBy string
	IsActive  bool
	PID       int // OS process id of the bridge subprocess; set once at spawn
	Port      int // TCP port allocated to this session; set once
	CreatedAt time.Time
	ClosedAt  time.Time // zero until the session transitions to inactive
}

// StatusFilter narrows connection queries by activity.
type StatusFilter string

const (
	FilterAll      StatusFilter = "all"
	FilterActive   StatusFilter = "active"
	FilterInactive StatusFilter = "inactive"
)

// ParseStatusFilter maps a query string value onto a StatusFilter. Empty
// input means all.
func ParseStatusFilter(raw string) (StatusFilter, bool) {
	switch StatusFilter(raw) {
	case "":
		return FilterAll, true
	case FilterAll, FilterActive, FilterInactive:
		return StatusFilter(raw), true
	}
	return "", false
}
