package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Args are the string arguments a filter is configured with.
type Args map[string]string

// String returns the value for key, or def when unset.
func (a Args) String(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// Required returns the value for key or an error when it is missing or blank.
func (a Args) Required(key string) (string, error) {
	v, ok := a[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return v, nil
}

// Int returns key parsed as an integer, or def when unset.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return n, nil
}

// Duration returns key parsed with time.ParseDuration, or def when unset.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return d, nil
}
