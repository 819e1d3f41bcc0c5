package pagination

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePageSize interprets a raw page_size query value. An empty or
// non-positive value falls back to fallback, and anything above max is
// clamped rather than rejected.
func ParsePageSize(raw string, fallback, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: page_size must be an integer", ErrInvalidPageSize)
	}
	switch {
	case size <= 0:
		return fallback, nil
	case size > max:
		return max, nil
	default:
		return size, nil
	}
}
