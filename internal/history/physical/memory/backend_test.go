package memory

import (
	"context"
	"testing"

	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/history/physical/physicaltest"
)

func TestBackend(t *testing.T) {
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		b, err := physical.New(context.Background(), "memory", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		return b
	})
}

func TestIgnoresPath(t *testing.T) {
	cfg := map[string]string{"path": "/nonexistent/should/not/be/created", "in_memory": "false"}
	b, err := NewFactory(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if cfg["in_memory"] != "false" {
		t.Error("caller config mutated")
	}
}
