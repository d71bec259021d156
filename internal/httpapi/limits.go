package httpapi

import (
	"fmt"
	"strconv"
)

// DefaultListLimit and MaxListLimit bound GET /runs' limit query parameter,
// per spec.md 8's boundary behaviour ("listRuns limit is clamped to
// [1, 100]").
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// parseLimitParam parses raw (the "limit" query parameter) and clamps it to
// [1, MaxListLimit], defaulting to defaultLimit when raw is empty.
func parseLimitParam(raw string, defaultLimit int) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", raw, err)
	}
	return clampLimit(n), nil
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
