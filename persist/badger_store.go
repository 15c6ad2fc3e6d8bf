package persist

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"southwinds.dev/tryst/internal/debug"
)

var _ VersionedStore = (*BadgerStore)(nil)

// BadgerStore keeps blobs in an embedded badger database. Every key is
// stored below "<namespace>/" so several identities can share one database.
// SetVersioned runs the version check and the write inside one badger
// transaction, which makes the compare and swap atomic within the process.
type BadgerStore struct {
	db        *badger.DB
	namespace string
	prefix    []byte
}

// NewBadgerStore opens (or creates) a badger database at path.
// An empty path opens an in-memory database.
func NewBadgerStore(path string, namespace string) (*BadgerStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerStore{
		db:        db,
		namespace: namespace,
		prefix:    []byte(namespace + "/"),
	}, nil
}

func NewBadgerStoreFromConfig(config StoreConfig, namespace string) (*BadgerStore, error) {
	path, _ := config.Config["path"].(string)
	return NewBadgerStore(path, namespace)
}

func (b *BadgerStore) dbKey(key string) []byte {
	return append(append([]byte{}, b.prefix...), key...)
}

func (b *BadgerStore) Get(key string) ([]byte, error) {
	vd, err := b.GetVersioned(key)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (b *BadgerStore) GetVersioned(key string) (*VersionedData, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var vd *VersionedData
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.dbKey(key))
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		vd = &VersionedData{
			Data:      data,
			Version:   calculateVersion(data),
			Timestamp: time.Now().UTC(),
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return vd, nil
}

func (b *BadgerStore) Set(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("data cannot be nil")
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.dbKey(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (b *BadgerStore) SetVersioned(key string, data []byte, expectedVersion string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		current := ""
		item, err := txn.Get(b.dbKey(key))
		switch {
		case err == nil:
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current = calculateVersion(existing)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if current != expectedVersion {
			return ConcurrencyError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: current, Operation: "SetVersioned"}
		}
		return txn.Set(b.dbKey(key), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		debug.Print("SetVersioned: badger transaction conflict on %s\n", key)
		return "", ConcurrencyError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: "unknown", Operation: "SetVersioned"}
	}
	if err != nil {
		if IsConcurrencyError(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	return calculateVersion(data), nil
}

func (b *BadgerStore) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.dbKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *BadgerStore) List(prefix string) ([]string, error) {
	keys := make([]string, 0)
	seek := b.dbKey(prefix)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			k := string(it.Item().KeyCopy(nil))
			keys = append(keys, strings.TrimPrefix(k, string(b.prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (b *BadgerStore) Ping() error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) GetType() string {
	return string(StoreTypeBadger)
}
