// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kvdb

import (
	"bytes"
	"context"
	"encoding"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var blobBucket = []byte("blobs")

type boltDB struct {
	*bbolt.DB
}

// NewBoltDB opens or creates a single-file bbolt database. It is an
// alternative to the badger store for platforms where a directory of value
// logs is unwelcome.
func NewBoltDB(filePath string) (KeyValueDB, error) {
	db, err := bbolt.Open(filePath, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating bucket: %w", err)
	}
	return &boltDB{db}, nil
}

func (d *boltDB) Get(k []byte) (v []byte, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobBucket).Get(k)
		if b == nil {
			return ErrKeyNotFound
		}
		v = bytes.Clone(b)
		return nil
	})
	return v, err
}

func (d *boltDB) Set(k, v []byte) error {
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobBucket).Put(k, v)
	})
}

func (d *boltDB) Store(k []byte, thing encoding.BinaryMarshaler) error {
	b, err := thing.MarshalBinary()
	if err != nil {
		return err
	}
	return d.Set(k, b)
}

func (d *boltDB) List(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := d.ForEach(prefix, func(k, _ []byte) error {
		keys = append(keys, bytes.Clone(k))
		return nil
	})
	return keys, err
}

func (d *boltDB) ForEach(prefix []byte, f func(k, v []byte) error) error {
	return d.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(blobBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := f(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *boltDB) Delete(k []byte) error {
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobBucket).Delete(k)
	})
}

func (d *boltDB) Close() error {
	return d.DB.Close()
}

func (d *boltDB) Run(context.Context) {}
