package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

// CommandConfig configures a CLI command that uses the runtime pattern.
type CommandConfig struct {
	// Name identifies this command (for runtime/logging).
	Name string

	// Viper holds the command's configuration.
	Viper *viper.Viper

	// ConfigFile is an explicit config path; empty searches the defaults.
	ConfigFile string

	// Timeout for the command operation. Zero means no timeout.
	Timeout time.Duration

	// Prepare adjusts the loaded configuration before the runtime is built.
	Prepare func(cfg *config.Config) error

	// Builder overrides the default builder, mainly for tests.
	Builder func(name string, cfg config.Config) *runtime.Builder

	// Stdout receives rendered output. Defaults to os.Stdout.
	Stdout io.Writer

	// Extensions are applied to the runtime.
	Extensions []runtime.Extension

	// Run is the command's business logic.
	Run func(ctx context.Context, rt *runtime.Runtime, out *Output) error
}

// RunCommand executes a CLI command with standard infrastructure setup.
// Handles: LoadConfig -> Prepare -> NewBuilder -> Use(extensions) -> Build -> timeout -> Output -> Run -> Close.
func RunCommand(cc CommandConfig) error {
	if cc.Name == "" {
		return errors.New("command name required")
	}
	if cc.Viper == nil {
		return errors.New("viper required")
	}
	if cc.Run == nil {
		return errors.New("run function required")
	}

	cfg, err := config.LoadConfig(cc.Viper, cc.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cc.Prepare != nil {
		if err := cc.Prepare(&cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	newBuilder := cc.Builder
	if newBuilder == nil {
		newBuilder = NewBuilder
	}
	builder := newBuilder(cc.Name, cfg)
	for _, ext := range cc.Extensions {
		builder = builder.Use(ext)
	}

	rt, err := builder.Build()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = rt.Close() }()

	ctx := rt.Context()
	if cc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.Timeout)
		defer cancel()
	}

	out := NewOutputFromViper(cc.Viper)
	if cc.Stdout != nil {
		out = NewOutput(out.Format(), cc.Stdout)
	}

	return cc.Run(ctx, rt, out)
}
