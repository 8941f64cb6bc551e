// SPDX-License-Identifier: MIT

// Package directory provides read access to robots, organizations and
// memberships. The fleet CRUD service owns these records; the broker keeps a
// read-side copy in its database for permission checks and the two-hop
// connection listing.
package directory

import "context"

// Role is an organization membership role.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAnalyst  Role = "analyst"
	RoleViewer   Role = "viewer"
)

// OperatorTier is the role set allowed to create, join and close bridge
// sessions.
var OperatorTier = []Role{RoleOwner, RoleAdmin, RoleOperator, RoleAnalyst}

// Robot is a directory record. SecretKey is the robot's agent credential and
// must never reach a client-facing payload.
type Robot struct {
	ID        string
	OrgID     string
	Name      string
	Host      string
	SecretKey string
}

// Directory is the collaborator interface the lifecycle controller depends
// on.
type Directory interface {
	// Robot returns the robot with the given id, or nil when unknown.
	Robot(ctx context.Context, robotID string) (*Robot, error)

	// IsUserAllowed reports whether userID holds one of the given roles in
	// the organization owning robotID.
	IsUserAllowed(ctx context.Context, userID, robotID string, roles ...Role) (bool, error)

	// IsMember reports whether userID belongs to the organization owning
	// robotID under any role.
	IsMember(ctx context.Context, userID, robotID string) (bool, error)
}
