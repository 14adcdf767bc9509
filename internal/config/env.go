package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// envReader overrides config fields from the environment and collects
// every parse failure so Load can report them together.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) raw(key string) (string, bool) {
	value, ok := e.lookup(key)
	return strings.TrimSpace(value), ok
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, value, err))
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) str(key string, dst *string) {
	if value, ok := e.raw(key); ok {
		*dst = value
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	value, ok := e.raw(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) boolean(key string, dst *bool) {
	value, ok := e.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) integer(key string, dst *int) {
	value, ok := e.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (e *envReader) float(key string, dst *float64) {
	value, ok := e.raw(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = parsed
}

// logLevel accepts debug, info, warn (or warning) and error.
func (e *envReader) logLevel(key string, dst *slog.Level) {
	value, ok := e.raw(key)
	if !ok {
		return
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		e.fail(key, value, err)
		return
	}
	*dst = level
}
