package storage

import (
	"bytes"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

const refKeyPrefix = "ref:"

// ReferenceStore persists the object-reference graph keyed by the
// stable PUOID of both the referencing and referenced objects, so the
// mapping survives a restart even though handles themselves do not
// (spec.md §4.3 "References", §6 "Persisted state").
type ReferenceStore struct {
	db *badger.DB
}

// OpenReferenceStore opens (creating if absent) a Badger instance
// rooted at dir.
func OpenReferenceStore(dir string) (*ReferenceStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &ReferenceStore{db: db}, nil
}

func (s *ReferenceStore) Close() error {
	return s.db.Close()
}

// Load returns every persisted subject PUOID -> []target PUOID entry.
func (s *ReferenceStore) Load() (map[PUOID][]PUOID, error) {
	result := make(map[PUOID][]PUOID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keyCopy := it.Item().KeyCopy(nil)
			subject, err := PUOIDFromBytes(keyCopy[len(refKeyPrefix):])
			if err != nil {
				continue
			}
			err = it.Item().Value(func(val []byte) error {
				targets, perr := decodeTargets(val)
				if perr != nil {
					return perr
				}
				result[subject] = targets
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// Set persists the reference list for subject, replacing any prior
// value.
func (s *ReferenceStore) Set(subject PUOID, targets []PUOID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if len(targets) == 0 {
			err := txn.Delete(refKey(subject))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return txn.Set(refKey(subject), encodeTargets(targets))
	})
}

func refKey(subject PUOID) []byte {
	b := subject.Bytes()
	key := make([]byte, 0, len(refKeyPrefix)+16)
	key = append(key, refKeyPrefix...)
	key = append(key, b[:]...)
	return key
}

func encodeTargets(targets []PUOID) []byte {
	var buf bytes.Buffer
	for _, t := range targets {
		b := t.Bytes()
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeTargets(val []byte) ([]PUOID, error) {
	if len(val)%16 != 0 {
		return nil, errors.New("reference store: corrupt target list")
	}
	n := len(val) / 16
	targets := make([]PUOID, n)
	for i := 0; i < n; i++ {
		p, err := PUOIDFromBytes(val[i*16 : i*16+16])
		if err != nil {
			return nil, err
		}
		targets[i] = p
	}
	return targets, nil
}
