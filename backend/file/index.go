// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package file

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/quarry-storage/quarry/backend"
)

// entry is the badger value stored per region: enough to reopen the
// region's backing file and validate its declared size. Generation is
// set to 1 when a region is created and carried unchanged through
// migration; no code path reads or compares it.
type entry struct {
	Size       uint64 `json:"size"`
	Generation uint64 `json:"generation"`
}

// index is the region-name-to-file-metadata table, backed by badger.
// It replaces what would otherwise be an ad hoc index file and
// directory walk.
type index struct {
	db *badger.DB
}

func openIndex(log *zap.Logger, dir string) (*index, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, backend.Error.Wrap(err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, backend.Error.Wrap(err)
	}
	return &index{db: db}, nil
}

func (idx *index) close() error {
	return idx.db.Close()
}

func (idx *index) get(id string) (entry, bool, error) {
	var e entry
	found := false
	err := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if errs.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return entry{}, false, backend.Error.Wrap(err)
	}
	return e, found, nil
}

func (idx *index) set(id string, e entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return backend.Error.Wrap(err)
	}
	return backend.Error.Wrap(idx.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), raw)
	}))
}

func (idx *index) delete(id string) error {
	return backend.Error.Wrap(idx.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	}))
}

// list returns every region ID currently tracked by the index.
func (idx *index) list() ([]string, error) {
	var ids []string
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return ids, backend.Error.Wrap(err)
}

func (idx *index) dropAll() error {
	return backend.Error.Wrap(idx.db.DropAll())
}

// badgerLogger adapts a zap logger to badger's four-level Logger
// interface.
type badgerLogger struct {
	log *zap.Logger
}

func (b badgerLogger) Errorf(s string, i ...interface{})   { b.log.Error(fmt.Sprintf(s, i...)) }
func (b badgerLogger) Warningf(s string, i ...interface{}) { b.log.Warn(fmt.Sprintf(s, i...)) }
func (b badgerLogger) Infof(s string, i ...interface{})    { b.log.Debug(fmt.Sprintf(s, i...)) }
func (b badgerLogger) Debugf(s string, i ...interface{})   { b.log.Debug(fmt.Sprintf(s, i...)) }
