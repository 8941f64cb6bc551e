// SPDX-License-Identifier: MIT

package broker

import "errors"

// Failure taxonomy surfaced to the HTTP layer, which maps each to a status
// code. Wrapped causes stay available through errors.Is/As.
var (
	// ErrRobotNotFound: the target robot does not exist.
	ErrRobotNotFound = errors.New("broker: robot not found")

	// ErrConnectionNotFound: the connection id does not exist.
	ErrConnectionNotFound = errors.New("broker: connection not found")

	// ErrForbidden: the caller lacks the required role on the robot's
	// organization.
	ErrForbidden = errors.New("broker: insufficient role")

	// ErrConflict: the robot already has an active session.
	ErrConflict = errors.New("broker: robot already has an active connection")

	// ErrRobotNotReady: the robot is not Operating or has no agent port.
	ErrRobotNotReady = errors.New("broker: robot not ready")

	// ErrNotActive: the operation requires a live session.
	ErrNotActive = errors.New("broker: connection is not active")

	// ErrStartupTimeout: the bridge did not become ready in time.
	ErrStartupTimeout = errors.New("broker: bridge startup timed out")

	// ErrCapacityExhausted: the application port range has no free pair.
	ErrCapacityExhausted = errors.New("broker: no free port in configured range")
)
