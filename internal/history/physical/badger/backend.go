// Package badger keeps arbitration history in an embedded BadgerDB, on disk
// or in memory.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/storage"
)

// Every history key is stored under this prefix so the database can be
// shared with other data later.
const keyPrefix = "history/"

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arc-modem/history",
		KeySyncWrites:       "false",
		KeyValueLogFileSize: strconv.FormatInt(64<<20, 10),
		KeyMemTableSize:     strconv.FormatInt(16<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory opens the database described by config. in_memory=true ignores
// path.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	opts, err := options(config)
	if err != nil {
		return nil, err
	}
	if !opts.InMemory {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}
	slog.Info("history store open", "backend", "badger", "dir", opts.Dir, "in_memory", opts.InMemory, "sync_writes", opts.SyncWrites)
	return NewWithDB(db), nil
}

func options(config map[string]string) (badger.Options, error) {
	s := storage.Read("badger", config)
	if s.Bool(KeyInMemory, false) {
		return badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), s.Err()
	}

	dir := storage.ExpandPath(s.Required(KeyPath))
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(s.Bool(KeySyncWrites, false))
	if n := s.Int64(KeyValueLogFileSize, 64<<20); n > 0 {
		opts = opts.WithValueLogFileSize(n)
	}
	if n := s.Int64(KeyMemTableSize, 16<<20); n > 0 {
		opts = opts.WithMemTableSize(n)
	}
	return opts, s.Err()
}

// Backend implements physical.Backend over a *badger.DB.
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) view(op string, fn func(*badger.Txn) error) error {
	return b.run(op, b.db.View, fn)
}

func (b *Backend) update(op string, fn func(*badger.Txn) error) error {
	return b.run(op, b.db.Update, fn)
}

func (b *Backend) run(op string, txn func(func(*badger.Txn) error) error, fn func(*badger.Txn) error) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	switch err := txn(fn); {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return physical.ErrNotFound
	default:
		return fmt.Errorf("badger %s: %w", op, err)
	}
}

func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	return b.update("put", func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), value)
	})
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.view("get", func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (b *Backend) Delete(_ context.Context, key string) error {
	return b.update("delete", func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// each calls fn for the keys under prefix in order until fn returns false.
func each(txn *badger.Txn, prefix []byte, values bool, fn func(*badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (b *Backend) Scan(_ context.Context, prefix string, limit int) ([]physical.Entry, error) {
	var out []physical.Entry
	err := b.view("scan", func(txn *badger.Txn) error {
		return each(txn, []byte(keyPrefix+prefix), true, func(item *badger.Item) (bool, error) {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return false, err
			}
			out = append(out, physical.Entry{Key: string(item.Key()[len(keyPrefix):]), Value: v})
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	var keys int64
	err := b.view("stats", func(txn *badger.Txn) error {
		return each(txn, []byte(keyPrefix), false, func(*badger.Item) (bool, error) {
			keys++
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	lsm, vlog := b.db.Size()
	return &physical.Stats{Keys: keys, SizeBytes: lsm + vlog, BackendType: "badger"}, nil
}

// Close is idempotent.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
