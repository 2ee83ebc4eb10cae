package redis

import (
	"context"
	"errors"
	"testing"

	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

func TestConfigErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"no addr":     {KeyAddr: ""},
		"negative db": {KeyAddr: "localhost:6379", KeyDB: "-1"},
		"bad retries": {KeyAddr: "localhost:6379", KeyMaxRetries: "lots"},
		"bad timeout": {KeyAddr: "localhost:6379", KeyDialTimeout: "soon"},
		"neg pool":    {KeyAddr: "localhost:6379", KeyPoolSize: "-4"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), cfg)
			if !errors.Is(err, mmerrors.ErrInvalidInput) {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}
}
