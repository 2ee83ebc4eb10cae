package storage

import (
	"errors"
	"time"
)

// Settings reads typed values out of one backend's config map. A bad value
// reads as its default and the first one is reported by Err, so a factory
// can read every setting and check once.
type Settings struct {
	backend string
	config  map[string]string
	err     error
}

// Read starts reading config on behalf of backend.
func Read(backend string, config map[string]string) *Settings {
	return &Settings{backend: backend, config: config}
}

func (s *Settings) String(key, defaultValue string) string {
	return GetString(s.config, key, defaultValue)
}

// Required returns the value of key, failing when it is missing or empty.
func (s *Settings) Required(key string) string {
	v := GetString(s.config, key, "")
	if v == "" {
		s.fail(NewConfigError(s.backend, key, "cannot be empty"))
	}
	return v
}

func (s *Settings) Bool(key string, defaultValue bool) bool {
	return read(s, defaultValue, func() (bool, error) { return GetBool(s.config, key, defaultValue) })
}

func (s *Settings) Int(key string, defaultValue int) int {
	return read(s, defaultValue, func() (int, error) { return GetInt(s.config, key, defaultValue) })
}

// NonNegative reads an int that must not be below zero.
func (s *Settings) NonNegative(key string, defaultValue int) int {
	v := s.Int(key, defaultValue)
	if v < 0 {
		s.fail(NewConfigErrorWithValue(s.backend, key, s.config[key], "must be non-negative"))
		return defaultValue
	}
	return v
}

func (s *Settings) Int64(key string, defaultValue int64) int64 {
	return read(s, defaultValue, func() (int64, error) { return GetInt64(s.config, key, defaultValue) })
}

func (s *Settings) Duration(key string, defaultValue time.Duration) time.Duration {
	return read(s, defaultValue, func() (time.Duration, error) { return GetDuration(s.config, key, defaultValue) })
}

func read[T any](s *Settings, defaultValue T, get func() (T, error)) T {
	v, err := get()
	if err != nil {
		s.fail(err)
		return defaultValue
	}
	return v
}

// Err returns the first bad setting, tagged with the backend name.
func (s *Settings) Err() error {
	return s.err
}

func (s *Settings) fail(err error) {
	if err == nil || s.err != nil {
		return
	}
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Backend == "" {
		ce.Backend = s.backend
	}
	s.err = err
}
