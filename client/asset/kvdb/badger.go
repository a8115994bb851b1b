// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kvdb

import (
	"context"
	"encoding"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"kevacoin.org/kvaelectrum/dex"
)

type kvDB struct {
	*badger.DB
	log dex.Logger
}

// NewFileDB opens or creates a badger database in the directory.
func NewFileDB(dir string, log dex.Logger) (KeyValueDB, error) {
	// If memory use is a concern, could try
	//   .WithValueLogLoadingMode(options.FileIO) // default options.MemoryMap
	//   .WithValueLogFileSize(sz int64), bytes, default 1 GB, must be 1MB <= sz <= 1GB
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerWrapper{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &kvDB{db, log}, nil
}

// Run starts the garbage collection loop.
func (d *kvDB) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := d.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close the database.
func (d *kvDB) Close() error {
	return d.DB.Close()
}

func (d *kvDB) Get(k []byte) (v []byte, err error) {
	err = d.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return v, err
}

func (d *kvDB) Set(k, v []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
}

func (d *kvDB) Store(k []byte, thing encoding.BinaryMarshaler) error {
	b, err := thing.MarshalBinary()
	if err != nil {
		return err
	}
	return d.Set(k, b)
}

func (d *kvDB) List(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (d *kvDB) ForEach(prefix []byte, f func(k, v []byte) error) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			err := item.Value(func(v []byte) error {
				return f(k, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *kvDB) Delete(k []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// badgerLoggerWrapper wraps dex.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf.
// Debugf is discarded as badger's debug logs are too noisy even for trace.
type badgerLoggerWrapper struct {
	dex.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf is discarded - badger's debug logs are too verbose.
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {}

// Infof -> dex.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Logger.Debugf(s, a...)
}

// Warningf -> dex.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}
