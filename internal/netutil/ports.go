// SPDX-License-Identifier: MIT

// Package netutil implements TCP port probing and allocation for bridge
// sessions.
package netutil

import (
	"fmt"
	"math/rand"
	"net"
)

// IsPortAvailable reports whether a TCP listener can currently bind the port.
// Any bind error counts as unavailable: a port is never claimed free on an
// ambiguous failure. The probe listener is closed before returning.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePortInRange scans candidate ports from start to end in increments
// of step and returns one chosen uniformly at random among the candidates
// where both the port and the immediately following port are free. The
// random pick avoids always handing out the lowest port and reduces
// collisions when several broker instances allocate concurrently.
//
// ok is false when the scan yields no candidate; callers must treat that as
// capacity exhaustion, not retry indefinitely.
func FindFreePortInRange(start, end, step int) (port int, ok bool) {
	if step <= 0 {
		step = 2
	}
	var candidates []int
	for p := start; p <= end; p += step {
		if IsPortAvailable(p) && IsPortAvailable(p+1) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// RandomPortInRange picks a port uniformly at random within [start, end]
// without probing. The subprocess binding the port is the real validation;
// a collision surfaces as a spawn failure.
func RandomPortInRange(start, end int) int {
	if end <= start {
		return start
	}
	return start + rand.Intn(end-start+1)
}
