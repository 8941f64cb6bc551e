// SPDX-License-Identifier: MIT

package registry

import "time"

// RobotSummary is the sanitized robot projection attached to connection
// views. It deliberately has no field for the robot's secret key.
type RobotSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
}

// PublicConnection is the client-facing DTO for a connection. The subprocess
// pid never appears here.
type PublicConnection struct {
	ConnectionID string        `json:"connectionId"`
	RobotID      string        `json:"robotId"`
	CreatedBy    string        `json:"createdBy"`
	IsActive     bool          `json:"isActive"`
	Port         int           `json:"port"`
	CreatedAt    time.Time     `json:"createdAt"`
	ClosedAt     *time.Time    `json:"closedAt,omitempty"`
	Robot        *RobotSummary `json:"robot,omitempty"`
}

// ToPublicView projects a connection into its sanitized DTO. robot may be
// nil when no summary is attached.
func ToPublicView(c *Connection, robot *RobotSummary) PublicConnection {
	view := PublicConnection{
		ConnectionID: c.ID,
		RobotID:      c.RobotID,
		CreatedBy:    c.CreatedBy,
		IsActive:     c.IsActive,
		Port:         c.Port,
		CreatedAt:    c.CreatedAt,
		Robot:        robot,
	}
	if !c.ClosedAt.IsZero() {
		closed := c.ClosedAt
		view.ClosedAt = &closed
	}
	return view
}
