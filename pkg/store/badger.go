package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/blockchain-for/blockstream-electrs/pkg/logging"
)

// indexVersion is the on-disk layout version. Opening a database written by
// a different version fails with ErrIncompatibleIndex.
const indexVersion uint32 = 1

// versionKey lives in PartMeta.
var versionKey = []byte("version")

// maxRetries is the number of times to retry a commit on transaction conflict.
const maxRetries = 10

// expandPath expands ~ to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	return path
}

// BadgerStore implements Store using BadgerDB. Batch commits are serialized
// by writeMu; readers use Badger's MVCC snapshots and never block the writer.
type BadgerStore struct {
	db      *badger.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewBadgerStore opens (or creates) a BadgerDB-backed Store.
func NewBadgerStore(cfg *BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := expandPath(cfg.Path)

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, fmt.Errorf("path required for disk-based storage")
		}
		opts = badger.DefaultOptions(path)
	}

	opts = opts.WithLogger(&logging.BadgerLogger{Logger: logger, Level: slog.LevelWarn})

	logger.Info("opening BadgerDB", "path", path, "inMemory", cfg.InMemory)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkVersion stamps a fresh database with the current layout version and
// refuses to open one stamped with a different version.
func (s *BadgerStore) checkVersion() error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := partitionKey(PartMeta, versionKey)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, indexVersion)
			return txn.Set(key, buf)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}
		return item.Value(func(val []byte) error {
			if len(val) != 4 || binary.BigEndian.Uint32(val) != indexVersion {
				return fmt.Errorf("%w: found version %d, want %d",
					ErrIncompatibleIndex, binary.BigEndian.Uint32(val), indexVersion)
			}
			return nil
		})
	})
}

func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, partition Partition, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		return txnGet(txn, partition, key, &value)
	})
	return value, err
}

func (s *BadgerStore) Scan(ctx context.Context, partition Partition, prefix, resume []byte, fn ScanFunc) error {
	return s.db.View(func(txn *badger.Txn) error {
		return txnScan(ctx, txn, partition, prefix, resume, fn)
	})
}

// Write commits the batch atomically. Commits are serialized so that
// per-block batches land in ingestion order.
func (s *BadgerStore) Write(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.ops) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	apply := func(txn *badger.Txn) error {
		for _, o := range batch.ops {
			switch o.kind {
			case opPut:
				if err := txn.Set(o.key, o.value); err != nil {
					return err
				}
			case opDelete:
				if err := txn.Delete(o.key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			}
		}
		return nil
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.db.Update(apply)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		break
	}
	return fmt.Errorf("%w: %v", ErrStorageIO, err)
}

// Snapshot returns a read handle pinned to the current committed state.
func (s *BadgerStore) Snapshot() (Snapshot, error) {
	return &badgerSnapshot{txn: s.db.NewTransaction(false)}, nil
}

type badgerSnapshot struct {
	txn *badger.Txn
}

func (s *badgerSnapshot) Get(partition Partition, key []byte) ([]byte, error) {
	var value []byte
	if err := txnGet(s.txn, partition, key, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *badgerSnapshot) Scan(partition Partition, prefix, resume []byte, fn ScanFunc) error {
	return txnScan(context.Background(), s.txn, partition, prefix, resume, fn)
}

func (s *badgerSnapshot) Close() {
	s.txn.Discard()
}

func txnGet(txn *badger.Txn, partition Partition, key []byte, value *[]byte) error {
	item, err := txn.Get(partitionKey(partition, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return item.Value(func(val []byte) error {
		*value = bytes.Clone(val)
		return nil
	})
}

func txnScan(ctx context.Context, txn *badger.Txn, partition Partition, prefix, resume []byte, fn ScanFunc) error {
	fullPrefix := partitionKey(partition, prefix)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = fullPrefix

	it := txn.NewIterator(opts)
	defer it.Close()

	start := fullPrefix
	if resume != nil {
		start = partitionKey(partition, resume)
	}

	for it.Seek(start); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		item := it.Item()
		k := item.Key()

		// Resumption is exclusive of the last seen key.
		if resume != nil && bytes.Equal(k, start) {
			continue
		}

		var value []byte
		err := item.Value(func(val []byte) error {
			value = bytes.Clone(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageIO, err)
		}

		cont, err := fn(bytes.Clone(k[1:]), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}
