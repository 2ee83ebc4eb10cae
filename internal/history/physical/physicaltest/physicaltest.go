// Package physicaltest holds the behaviour every history backend must share.
package physicaltest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gezibash/arc-modem/internal/history/physical"
)

// Run exercises a backend. newBackend must return a fresh, empty backend;
// Run closes it.
func Run(t *testing.T, newBackend func(t *testing.T) physical.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		if err := b.Put(ctx, "a/1", []byte("one")); err != nil {
			t.Fatal(err)
		}
		got, err := b.Get(ctx, "a/1")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "one" {
			t.Errorf("got %q", got)
		}
		if err := b.Put(ctx, "a/1", []byte("uno")); err != nil {
			t.Fatal(err)
		}
		if got, _ := b.Get(ctx, "a/1"); string(got) != "uno" {
			t.Errorf("overwrite got %q", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		if _, err := b.Get(ctx, "missing"); !errors.Is(err, physical.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		if err := b.Put(ctx, "k", []byte("v")); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if err := b.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
		}
		if _, err := b.Get(ctx, "k"); !errors.Is(err, physical.ErrNotFound) {
			t.Errorf("err = %v after delete", err)
		}
		if entries, err := b.Scan(ctx, "", 0); err != nil || len(entries) != 0 {
			t.Errorf("scan after delete = %v %v", entries, err)
		}
	})

	t.Run("ScanPrefixOrdered", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		for _, k := range []string{"b/3", "a/2", "b/1", "c/1", "b/2", "ba/1"} {
			if err := b.Put(ctx, k, []byte("v:"+k)); err != nil {
				t.Fatal(err)
			}
		}
		entries, err := b.Scan(ctx, "b/", 0)
		if err != nil {
			t.Fatal(err)
		}
		if got := fmt.Sprint(keys(entries)); got != "[b/1 b/2 b/3]" {
			t.Errorf("keys = %s", got)
		}
		if string(entries[0].Value) != "v:b/1" {
			t.Errorf("value = %q", entries[0].Value)
		}

		entries, err = b.Scan(ctx, "b/", 2)
		if err != nil {
			t.Fatal(err)
		}
		if got := fmt.Sprint(keys(entries)); got != "[b/1 b/2]" {
			t.Errorf("limited keys = %s", got)
		}

		entries, err = b.Scan(ctx, "", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 6 || entries[0].Key != "a/2" || entries[5].Key != "c/1" {
			t.Errorf("all keys = %v", keys(entries))
		}

		if entries, _ := b.Scan(ctx, "z", 0); len(entries) != 0 {
			t.Errorf("empty prefix match = %v", keys(entries))
		}
	})

	t.Run("Stats", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		stats, err := b.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.BackendType == "" {
			t.Error("backend type not reported")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}
		if err := b.Put(ctx, "k", nil); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("put after close = %v", err)
		}
		if _, err := b.Get(ctx, "k"); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("get after close = %v", err)
		}
		if _, err := b.Scan(ctx, "", 0); !errors.Is(err, physical.ErrClosed) {
			t.Errorf("scan after close = %v", err)
		}
	})
}

func keys(entries []physical.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
