// Package env reads typed configuration values from the environment. Invalid
// values are fatal, as they are for every binary in this repository.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// String returns the trimmed value of key, or def when unset or blank.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns a positive integer from key, or def when unset.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", key)
	}
	return n
}

// Dur returns a positive duration from key, or def when unset.
func Dur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", key, v)
	}
	return d
}

// Bool reports whether key holds a true value.
func Bool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

// ConfigureLogging switches to debug level when DEBUG is true.
func ConfigureLogging() bool {
	debug := Bool("DEBUG")
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	return debug
}
