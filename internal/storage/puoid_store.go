package storage

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/go-mtp/mtpd/internal/logger"
)

// puoidCounterKey is the single key holding the largest PUOID allocated
// so far. Per-path PUOID assignments live under pathKeyPrefix.
var puoidCounterKey = []byte("puoid:counter")

const pathKeyPrefix = "puoid:path:"

// PUOIDStore persists the path->PUOID mapping and the allocation counter
// for one storage, in an embedded Badger instance (spec.md §4.3 "Handle
// & PUOID allocation", §6 "Persisted state"). The in-memory object graph
// remains the runtime source of truth; this store only survives restarts.
type PUOIDStore struct {
	db *badger.DB
}

// OpenPUOIDStore opens (creating if absent) a Badger instance rooted at
// dir.
func OpenPUOIDStore(dir string) (*PUOIDStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &PUOIDStore{db: db}, nil
}

// Close releases the underlying Badger instance.
func (s *PUOIDStore) Close() error {
	return s.db.Close()
}

// LoadCounter returns the largest PUOID persisted so far, or ZeroPUOID
// if the store is empty.
func (s *PUOIDStore) LoadCounter() (PUOID, error) {
	var p PUOID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(puoidCounterKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			p = ZeroPUOID
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var perr error
			p, perr = PUOIDFromBytes(val)
			return perr
		})
	})
	return p, err
}

// Lookup returns the PUOID previously assigned to path, if any.
func (s *PUOIDStore) Lookup(path string) (PUOID, bool, error) {
	var p PUOID
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			var perr error
			p, perr = PUOIDFromBytes(val)
			return perr
		})
	})
	return p, found, err
}

// Assign persists path->puoid and advances the counter only when puoid
// exceeds the largest value recorded so far; re-assigning a smaller
// persisted PUOID to an existing path must never regress the counter.
func (s *PUOIDStore) Assign(path string, puoid PUOID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		b := puoid.Bytes()
		if err := txn.Set(pathKey(path), b[:]); err != nil {
			return err
		}
		current := ZeroPUOID
		item, err := txn.Get(puoidCounterKey)
		if err == nil {
			verr := item.Value(func(val []byte) error {
				var perr error
				current, perr = PUOIDFromBytes(val)
				return perr
			})
			if verr != nil {
				return verr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if current.Less(puoid) {
			return txn.Set(puoidCounterKey, b[:])
		}
		return nil
	})
}

// Prune removes any persisted path entry not present in livePaths,
// implementing "unused PUOIDs ... pruned after enumeration" (spec.md
// §4.3). It reports how many stale entries were removed.
func (s *PUOIDStore) Prune(livePaths map[string]bool) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pathKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			path := string(key[len(pathKeyPrefix):])
			if !livePaths[path] {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func pathKey(path string) []byte {
	return []byte(pathKeyPrefix + path)
}

// logPruneResult is a small helper so callers can report how many stale
// entries a Prune pass removed without Prune itself needing a logger.
func logPruneResult(storageID uint32, removed int) {
	if removed == 0 {
		return
	}
	logger.Info("pruned stale puoid entries", logger.StorageID(storageID), "removed", removed)
}
