// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package kvdb provides the opaque key/value blob store the wallet engine
// persists its caches in. Keys are built with Key from a wallet ID and a
// bucket.
package kvdb

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KeyValueDB is a blob store. Implementations are safe for concurrent use.
type KeyValueDB interface {
	// Get retrieves the value for the key, or ErrKeyNotFound.
	Get(k []byte) ([]byte, error)
	// Set stores the value for the key, replacing any existing value.
	Set(k, v []byte) error
	// Store stores the binary encoding of v.
	Store(k []byte, v encoding.BinaryMarshaler) error
	// List lists the keys with the prefix in ascending order.
	List(prefix []byte) ([][]byte, error)
	// ForEach calls f for every key/value pair with the prefix in ascending
	// key order. The slices are only valid during the call.
	ForEach(prefix []byte, f func(k, v []byte) error) error
	Delete(k []byte) error
	Close() error
	// Run performs any maintenance until the context is canceled.
	Run(context.Context)
}

// Bucket partitions a wallet's keys.
type Bucket string

const (
	BucketTxCache     Bucket = "txcache"
	BucketTxPos       Bucket = "txpos"
	BucketExternalTxs Bucket = "txs_external"
	BucketInternalTxs Bucket = "txs_internal"
	BucketBalances    Bucket = "balances"
	BucketCursor      Bucket = "cursor"
)

// SharedWallet is the wallet ID under which caches shared by every wallet,
// such as raw transactions, are stored.
const SharedWallet = "_"

const sep = "/"

// Key builds the key for a wallet's bucket, optionally with an item suffix
// e.g. a txid.
func Key(walletID string, bucket Bucket, item ...string) []byte {
	parts := append([]string{walletID, string(bucket)}, item...)
	return []byte(strings.Join(parts, sep))
}

// Prefix is the key prefix of every item in a wallet's bucket.
func Prefix(walletID string, bucket Bucket) []byte {
	return []byte(walletID + sep + string(bucket) + sep)
}

// ItemFromKey returns the item suffix of a key built with Key.
func ItemFromKey(walletID string, bucket Bucket, k []byte) string {
	return string(bytes.TrimPrefix(k, Prefix(walletID, bucket)))
}

type memoryDB struct {
	mtx sync.RWMutex
	m   map[string][]byte
}

// NewMemoryDB constructs a KeyValueDB that is not persisted.
func NewMemoryDB() KeyValueDB {
	return &memoryDB{m: make(map[string][]byte)}
}

func (m *memoryDB) Get(k []byte) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	v, found := m.m[string(k)]
	if !found {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (m *memoryDB) Set(k, v []byte) error {
	m.mtx.Lock()
	m.m[string(k)] = bytes.Clone(v)
	m.mtx.Unlock()
	return nil
}

func (m *memoryDB) Store(k []byte, v encoding.BinaryMarshaler) error {
	b, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return m.Set(k, b)
}

func (m *memoryDB) sortedKeys(prefix []byte) []string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var keys []string
	for k := range m.m {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *memoryDB) List(prefix []byte) ([][]byte, error) {
	keys := m.sortedKeys(prefix)
	list := make([][]byte, 0, len(keys))
	for _, k := range keys {
		list = append(list, []byte(k))
	}
	return list, nil
}

func (m *memoryDB) ForEach(prefix []byte, f func(k, v []byte) error) error {
	for _, k := range m.sortedKeys(prefix) {
		v, err := m.Get([]byte(k))
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err := f([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryDB) Delete(k []byte) error {
	m.mtx.Lock()
	delete(m.m, string(k))
	m.mtx.Unlock()
	return nil
}

func (m *memoryDB) Close() error {
	return nil
}

func (m *memoryDB) Run(context.Context) {}
