package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

func TestGetString(t *testing.T) {
	config := map[string]string{"key": "value", "empty": ""}

	if got := GetString(config, "key", "default"); got != "value" {
		t.Errorf("GetString = %q, want %q", got, "value")
	}
	if got := GetString(config, "missing", "default"); got != "default" {
		t.Errorf("GetString missing = %q", got)
	}
	if got := GetString(config, "empty", "default"); got != "default" {
		t.Errorf("GetString empty = %q", got)
	}
}

func TestGetBool(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"YES", true, false},
		{"1", true, false},
		{"false", false, false},
		{"no", false, false},
		{"", true, false}, // default
		{"sideways", false, true},
	}
	for _, tt := range tests {
		got, err := GetBool(map[string]string{"k": tt.value}, "k", true)
		if (err != nil) != tt.wantErr {
			t.Errorf("GetBool(%q) err = %v", tt.value, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("GetBool(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetInt(t *testing.T) {
	config := map[string]string{"n": "42", "bad": "forty"}
	if v, err := GetInt(config, "n", 0); err != nil || v != 42 {
		t.Errorf("GetInt = %d, %v", v, err)
	}
	if v, err := GetInt(config, "missing", 7); err != nil || v != 7 {
		t.Errorf("GetInt missing = %d, %v", v, err)
	}
	if _, err := GetInt(config, "bad", 0); err == nil {
		t.Error("GetInt bad: expected error")
	}
}

func TestGetDuration(t *testing.T) {
	config := map[string]string{"d": "1m30s", "secs": "5", "bad": "soon"}
	if v, err := GetDuration(config, "d", 0); err != nil || v != 90*time.Second {
		t.Errorf("GetDuration = %v, %v", v, err)
	}
	if v, err := GetDuration(config, "secs", 0); err != nil || v != 5*time.Second {
		t.Errorf("GetDuration seconds = %v, %v", v, err)
	}
	if v, err := GetDuration(config, "missing", time.Minute); err != nil || v != time.Minute {
		t.Errorf("GetDuration missing = %v, %v", v, err)
	}
	if _, err := GetDuration(config, "bad", 0); err == nil {
		t.Error("GetDuration bad: expected error")
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/var/lib/./mm/../mm"); got != "/var/lib/mm" {
		t.Errorf("ExpandPath = %q", got)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home dir")
	}
	if got, want := ExpandPath("~/history"), filepath.Join(home, "history"); got != want {
		t.Errorf("ExpandPath ~ = %q, want %q", got, want)
	}
}

func TestMergeConfig(t *testing.T) {
	dst := map[string]string{"a": "1", "b": "2"}
	got := MergeConfig(dst, map[string]string{"b": "3", "c": "4"})
	if got["a"] != "1" || got["b"] != "3" || got["c"] != "4" {
		t.Errorf("MergeConfig = %v", got)
	}
	if dst["b"] != "2" {
		t.Error("MergeConfig mutated dst")
	}
	if got := MergeConfig(nil, nil); got == nil {
		t.Error("MergeConfig(nil, nil) returned nil map")
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := ParseAssignments([]string{"path=/tmp/h.db", "journal_mode=WAL", "path=/tmp/other.db", "empty="})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"path": "/tmp/other.db", "journal_mode": "WAL", "empty": ""}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=value", " =x"} {
		if _, err := ParseAssignments([]string{bad}); !errors.Is(err, mmerrors.ErrInvalidInput) {
			t.Errorf("ParseAssignments(%q) err = %v", bad, err)
		}
	}
}

func TestRedact(t *testing.T) {
	in := map[string]string{"bucket": "logs", "secret_access_key": "s3cr3t", "password": ""}
	got := Redact(in)
	if got["secret_access_key"] != "***" || got["bucket"] != "logs" || got["password"] != "" {
		t.Errorf("Redact = %v", got)
	}
	if in["secret_access_key"] != "s3cr3t" {
		t.Error("Redact mutated its input")
	}
	if got := Describe(in); got != "bucket=logs password= secret_access_key=***" {
		t.Errorf("Describe = %q", got)
	}
}

func TestConfigError(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigError
		want string
	}{
		{"backend only", NewConfigError("badger", "", "failed"), "badger: failed"},
		{"field", NewConfigError("badger", "path", "required"), "badger: path: required"},
		{"value", NewConfigErrorWithValue("redis", "db", "x", "must be an integer"), `redis: db="x": must be an integer`},
		{"secret value", NewConfigErrorWithValue("redis", "password", "hunter2", "too short"), `redis: password="***": too short`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, mmerrors.ErrInvalidInput) {
				t.Error("ConfigError should match ErrInvalidInput")
			}
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	ce := NewConfigErrorWithCause("s3", "bucket", "bad", cause)
	if !errors.Is(ce, cause) {
		t.Error("expected cause via errors.Is")
	}
	var target *ConfigError
	if !errors.As(error(ce), &target) || target.Field != "bucket" {
		t.Errorf("errors.As = %+v", target)
	}
	if NewConfigError("s3", "", "no cause").Unwrap() != nil {
		t.Error("expected nil cause")
	}
}
