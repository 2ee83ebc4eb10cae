package storage

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// GetString returns config[key], or defaultValue when it is missing or empty.
func GetString(config map[string]string, key, defaultValue string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

// parse converts config[key] with fn. A missing or empty value yields
// defaultValue; one fn rejects becomes a ConfigError carrying want.
func parse[T any](config map[string]string, key string, defaultValue T, want string, fn func(string) (T, error)) (T, error) {
	v := config[key]
	if v == "" {
		return defaultValue, nil
	}
	out, err := fn(v)
	if err != nil {
		var zero T
		return zero, &ConfigError{Field: key, Value: v, Message: "must be " + want, Cause: err}
	}
	return out, nil
}

// GetBool accepts true/false, 1/0 and yes/no in any case.
func GetBool(config map[string]string, key string, defaultValue bool) (bool, error) {
	return parse(config, key, defaultValue, "a boolean (true/false, 1/0, yes/no)", func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

func GetInt(config map[string]string, key string, defaultValue int) (int, error) {
	return parse(config, key, defaultValue, "an integer", strconv.Atoi)
}

// GetInt64 is GetInt for byte sizes and other values past 32 bits.
func GetInt64(config map[string]string, key string, defaultValue int64) (int64, error) {
	return parse(config, key, defaultValue, "an integer", func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

// GetDuration accepts Go durations ("5s", "1m30s") or bare integer seconds.
func GetDuration(config map[string]string, key string, defaultValue time.Duration) (time.Duration, error) {
	return parse(config, key, defaultValue, "a duration (e.g., '5s', '1m30s') or integer seconds", func(v string) (time.Duration, error) {
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		return time.Duration(secs) * time.Second, err
	})
}

// ExpandPath expands ~ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map holding dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}

// ParseAssignments turns key=value pairs, as given on the command line, into
// a config map. Later pairs win.
func ParseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &ConfigError{Backend: "config", Field: p, Message: "expected key=value"}
		}
		out[k] = v
	}
	return out, nil
}

// secretKeys name settings that never reach logs.
var secretKeys = []string{"password", "secret_access_key", "session_token"}

// Redact returns a copy of config with secret values masked.
func Redact(config map[string]string) map[string]string {
	out := maps.Clone(config)
	for k, v := range out {
		if v != "" && slices.Contains(secretKeys, k) {
			out[k] = "***"
		}
	}
	return out
}

// Describe renders config as sorted key=value pairs with secrets masked.
func Describe(config map[string]string) string {
	red := Redact(config)
	keys := slices.Sorted(maps.Keys(red))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, red[k])
	}
	return strings.Join(parts, " ")
}
