// Package storage holds the config helpers shared by history backends.
// Backends take their settings as flat string maps so the same map can come
// from HCL, environment variables or repeated --history-config flags.
package storage

import (
	"fmt"

	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

// ConfigError reports an unusable backend setting.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, Redact(map[string]string{e.Field: e.Value})[e.Field], e.Message)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is makes every ConfigError match ErrInvalidInput.
func (e *ConfigError) Is(target error) bool {
	return target == mmerrors.ErrInvalidInput
}

func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

func NewConfigErrorWithValue(backend, field, value, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Value: value, Message: message}
}

func NewConfigErrorWithCause(backend, field, message string, cause error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: cause}
}
