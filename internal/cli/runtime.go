package cli

import (
	"os"
	"path/filepath"

	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

// NewBuilder creates a runtime builder for a one-shot command. Signal
// handling stays on so Ctrl-C cancels a running probe.
//
// Client-side logs are written to {data_dir}/log/cli.log instead of stderr,
// keeping command output clean for piping.
func NewBuilder(name string, cfg config.Config) *runtime.Builder {
	builder := runtime.New(name, cfg)

	logDir := cfg.DataPath("log")
	if err := os.MkdirAll(logDir, 0o700); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "cli.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is constructed from known data dir
		if err == nil {
			builder = builder.LogWriter(f)
		}
	}
	return builder
}
