package ratelimit

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned to callers waiting on a closed generator.
var ErrCancelled = errors.New("ratelimit: cancelled")

// ConfigError reports an invalid ramp parameter. It is only returned by Start.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit: invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}
