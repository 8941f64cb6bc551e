// SPDX-License-Identifier: MIT

package config

import (
	"strconv"
	"strings"
)

// ParseRange parses a port range of the form "A-B" into its two bounds.
// It returns ok=false when either side is missing or non-numeric. Bounds are
// not reordered; validation of start <= end belongs to the caller.
func ParseRange(raw string) (start, end int, ok bool) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}
