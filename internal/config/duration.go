package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration reads the duration string found at path. A blank or zero value
// yields def; negative values are an error.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
