package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/history/physical/physicaltest"
)

func TestBackend(t *testing.T) {
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		b, err := NewFactory(context.Background(), map[string]string{
			KeyPath:        filepath.Join(t.TempDir(), "nested", "history.db"),
			KeyJournalMode: "wal",
		})
		if err != nil {
			t.Fatal(err)
		}
		return b
	})
}

func TestStatsCountsKeys(t *testing.T) {
	ctx := context.Background()
	b, err := NewFactory(ctx, map[string]string{KeyPath: filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for _, k := range []string{"a", "b"} {
		if err := b.Put(ctx, k, []byte("1234")); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Keys != 2 || stats.SizeBytes != 8 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConfigErrors(t *testing.T) {
	if _, err := NewFactory(context.Background(), map[string]string{KeyPath: ""}); err == nil {
		t.Error("empty path accepted")
	}
	cfg := map[string]string{KeyPath: filepath.Join(t.TempDir(), "h.db"), KeyBusyTimeout: "soon"}
	if _, err := NewFactory(context.Background(), cfg); err == nil {
		t.Error("bad busy timeout accepted")
	}
	cfg = map[string]string{KeyPath: filepath.Join(t.TempDir(), "h.db"), KeyJournalMode: "wal);drop"}
	if _, err := NewFactory(context.Background(), cfg); err == nil {
		t.Error("unknown journal mode accepted")
	}
}
