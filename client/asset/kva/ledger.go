// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"kevacoin.org/kvaelectrum/client/asset/kvdb"
	"kevacoin.org/kvaelectrum/dex"
)

const (
	// Transactions with fewer confirmations are refetched on every
	// FetchTransactions.
	refetchConfs = 7
	// Mempool transactions are dated this long before now.
	unconfirmedAge = 30 * time.Second
	// maxFrontierBumps bounds the gap limit extensions of one balance fetch.
	maxFrontierBumps = 100
)

// WalletConfig configures a wallet. HD wallets need Seed, or XPub for a
// watch-only wallet. Single key wallets need WIF.
type WalletConfig struct {
	ID       string
	Kind     WalletKind
	Seed     []byte
	XPub     string
	WIF      string
	GapLimit uint32
	// DiscoveryCeiling bounds the search for used addresses of a new HD
	// wallet. Defaults to DefaultDiscoveryCeiling.
	DiscoveryCeiling uint32
}

// singleKey is the key of a single key wallet.
type singleKey struct {
	wif     *btcutil.WIF
	address string
}

func (sk *singleKey) pubKey() *btcec.PublicKey {
	return sk.wif.PrivKey.PubKey()
}

type addressBalance struct {
	Confirmed   int64 `json:"c"`
	Unconfirmed int64 `json:"u"`
}

type cursor struct {
	NextFreeExternal uint32 `json:"nextFreeExternal"`
	NextFreeInternal uint32 `json:"nextFreeInternal"`
}

func (c *cursor) get(chain Chain) uint32 {
	if chain == ChainInternal {
		return c.NextFreeInternal
	}
	return c.NextFreeExternal
}

func (c *cursor) set(chain Chain, v uint32) {
	if chain == ChainInternal {
		c.NextFreeInternal = v
	} else {
		c.NextFreeExternal = v
	}
}

type (
	balanceBucket map[uint32]*addressBalance
	txBucket      map[uint32][]*TxRecord
)

// Wallet is the ledger of one wallet. The network operations FetchBalance,
// FetchTransactions, FetchUtxo, Refresh and transaction creation are
// serialized per wallet. The accessors can be used concurrently with them.
type Wallet struct {
	id               string
	kind             WalletKind
	net              *chaincfg.Params
	log              dex.Logger
	q                *batchQuerier
	db               kvdb.KeyValueDB
	clock            *blockClock
	now              func() time.Time
	discoveryCeiling uint32

	// One of hd and single is set, according to kind.
	hd     *hdDeriver
	single *singleKey

	opMtx sync.Mutex

	mtx         sync.RWMutex
	cursor      cursor
	balances    [2]balanceBucket
	txs         [2]txBucket
	utxos       []*UTXO
	balance     int64
	unconfirmed int64
}

func newWallet(cfg *WalletConfig, net *chaincfg.Params, q *batchQuerier, db kvdb.KeyValueDB, clock *blockClock,
	now func() time.Time, log dex.Logger) (*Wallet, error) {

	if cfg.ID == "" || cfg.ID == kvdb.SharedWallet {
		return nil, dex.NewError(dex.ErrConfigInvalid, fmt.Sprintf("invalid wallet ID %q", cfg.ID))
	}
	if !cfg.Kind.valid() {
		return nil, dex.NewError(dex.ErrConfigInvalid, fmt.Sprintf("invalid wallet kind %d", cfg.Kind))
	}
	if now == nil {
		now = time.Now
	}
	w := &Wallet{
		id:               cfg.ID,
		kind:             cfg.Kind,
		net:              net,
		log:              log,
		q:                q,
		db:               db,
		clock:            clock,
		now:              now,
		discoveryCeiling: cfg.DiscoveryCeiling,
		balances:         [2]balanceBucket{make(balanceBucket), make(balanceBucket)},
		txs:              [2]txBucket{make(txBucket), make(txBucket)},
	}
	if w.discoveryCeiling == 0 {
		w.discoveryCeiling = DefaultDiscoveryCeiling
	}

	st := cfg.Kind.scriptType()
	var err error
	switch {
	case cfg.Kind.IsHD() && len(cfg.Seed) > 0:
		w.hd, err = newHDDeriverFromSeed(cfg.Seed, st, net, cfg.GapLimit)
	case cfg.Kind.IsHD() && cfg.XPub != "":
		w.hd, err = newHDDeriverFromXPub(cfg.XPub, st, net, cfg.GapLimit)
	case cfg.Kind.IsHD():
		err = dex.NewError(dex.ErrConfigInvalid, "HD wallet needs a seed or an extended public key")
	default:
		w.single, err = newSingleKey(cfg.WIF, st, net)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func newSingleKey(wifStr string, st scriptType, net *chaincfg.Params) (*singleKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, dex.NewError(dex.ErrConfigInvalid, fmt.Sprintf("invalid WIF: %v", err))
	}
	if !wif.IsForNet(net) {
		return nil, dex.NewError(dex.ErrConfigInvalid, "WIF is for a different network")
	}
	addr, err := st.address(wif.PrivKey.PubKey(), net)
	if err != nil {
		return nil, err
	}
	return &singleKey{wif: wif, address: addr.EncodeAddress()}, nil
}

// ID is the wallet's ID.
func (w *Wallet) ID() string {
	return w.id
}

// Kind is the wallet's kind.
func (w *Wallet) Kind() WalletKind {
	return w.kind
}

// WatchOnly is true for HD wallets created from an extended public key.
func (w *Wallet) WatchOnly() bool {
	return w.hd != nil && w.hd.watchOnly()
}

// XPub is the account extended public key of an HD wallet.
func (w *Wallet) XPub() (string, error) {
	if w.hd == nil {
		return "", fmt.Errorf("%s wallet has no extended public key", w.kind)
	}
	return w.hd.xpub()
}

func (w *Wallet) gapLimit() uint32 {
	if w.hd == nil {
		return 1
	}
	return w.hd.gapLimit
}

// addressAt is the address at the index of the branch. Single key wallets
// have only external index 0.
func (w *Wallet) addressAt(chain Chain, index uint32) (string, error) {
	if w.hd == nil {
		if chain != ChainExternal || index != 0 {
			return "", fmt.Errorf("%s wallet has no address %s/%d", w.kind, chain, index)
		}
		return w.single.address, nil
	}
	return w.hd.addressAt(chain, index)
}

// trackedAddresses lists the addresses of the branch the ledger follows: the
// used addresses and gapLimit unused ones.
func (w *Wallet) trackedAddresses(chain Chain, cur cursor) ([]string, error) {
	if w.hd == nil {
		if chain != ChainExternal {
			return nil, nil
		}
		return []string{w.single.address}, nil
	}
	return w.hd.addresses(chain, 0, cur.get(chain)+w.hd.gapLimit)
}

func (w *Wallet) currentCursor() cursor {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.cursor
}

// WeOwnAddress checks whether the address is one the ledger follows.
func (w *Wallet) WeOwnAddress(addr string) bool {
	if w.hd == nil {
		return addr == w.single.address
	}
	chain, index, found := w.hd.lookup(addr)
	if !found {
		return false
	}
	cur := w.currentCursor()
	return index < cur.get(chain)+w.hd.gapLimit
}

// Balance is the confirmed balance as of the last FetchBalance.
func (w *Wallet) Balance() int64 {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.balance
}

// UnconfirmedBalance is the unconfirmed balance change as of the last
// FetchBalance.
func (w *Wallet) UnconfirmedBalance() int64 {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.unconfirmed
}

// FetchBalance refreshes the per-address balances.
func (w *Wallet) FetchBalance(ctx context.Context) error {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	return w.fetchBalance(ctx)
}

// FetchTransactions refreshes the transaction ledger.
func (w *Wallet) FetchTransactions(ctx context.Context) error {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	return w.fetchTransactions(ctx)
}

// FetchUtxo refreshes the unspent outputs.
func (w *Wallet) FetchUtxo(ctx context.Context) error {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	return w.fetchUtxo(ctx)
}

// Refresh fetches the balances, then the transactions and the unspent outputs
// and persists the ledger.
func (w *Wallet) Refresh(ctx context.Context) error {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	return w.refresh(ctx)
}

func (w *Wallet) refresh(ctx context.Context) error {
	if err := w.fetchBalance(ctx); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if err := w.fetchTransactions(ctx); err != nil {
		return fmt.Errorf("transactions: %w", err)
	}
	if err := w.fetchUtxo(ctx); err != nil {
		return fmt.Errorf("utxos: %w", err)
	}
	return w.save()
}

// scanFrontier extends the cursor while the address at the gap limit of
// either branch has any history.
func (w *Wallet) scanFrontier(ctx context.Context, cur *cursor) error {
	gap := w.hd.gapLimit
	for bumps := 0; bumps < maxFrontierBumps; bumps++ {
		edge := make([]string, len(chains))
		for i, chain := range chains {
			addr, err := w.hd.addressAt(chain, cur.get(chain)+gap-1)
			if err != nil {
				return err
			}
			edge[i] = addr
		}
		hist, err := w.q.histories(ctx, edge)
		if err != nil {
			return err
		}
		var bumped bool
		for i, chain := range chains {
			if len(hist[edge[i]]) > 0 {
				w.log.Debugf("Wallet %s: activity at %s index %d, extending the gap limit",
					w.id, chain, cur.get(chain)+gap-1)
				cur.set(chain, cur.get(chain)+gap)
				bumped = true
			}
		}
		if !bumped {
			return nil
		}
	}
	w.log.Warnf("Wallet %s: gap limit extended %d times, stopping", w.id, maxFrontierBumps)
	return nil
}

func (w *Wallet) fetchBalance(ctx context.Context) error {
	cur := w.currentCursor()
	if w.hd != nil {
		if cur.NextFreeExternal == 0 && cur.NextFreeInternal == 0 {
			for _, chain := range chains {
				next, err := w.hd.discoverLastUsedIndex(ctx, chain, w.discoveryCeiling, w.q.histories)
				if err != nil {
					return fmt.Errorf("error discovering %s addresses: %w", chain, err)
				}
				cur.set(chain, next)
			}
			w.log.Debugf("Wallet %s: discovered next free indexes %d/%d", w.id,
				cur.NextFreeExternal, cur.NextFreeInternal)
		}
		if err := w.scanFrontier(ctx, &cur); err != nil {
			return err
		}
	}

	var addrs [2][]string
	var all []string
	for _, chain := range chains {
		a, err := w.trackedAddresses(chain, cur)
		if err != nil {
			return err
		}
		addrs[chain] = a
		all = append(all, a...)
	}
	bals, err := w.q.balances(ctx, all)
	if err != nil {
		return err
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()
	var confirmed, unconfirmed int64
	for _, chain := range chains {
		old := w.balances[chain]
		fresh := make(balanceBucket)
		for i, addr := range addrs[chain] {
			idx := uint32(i)
			b := bals[addr]
			if b == nil {
				// Failed lookup. Keep what we had.
				if prev := old[idx]; prev != nil {
					fresh[idx] = prev
				}
			} else if b.Confirmed != 0 || b.Unconfirmed != 0 {
				fresh[idx] = &addressBalance{Confirmed: b.Confirmed, Unconfirmed: b.Unconfirmed}
			}
		}
		// A balance change means the address's transactions are stale.
		for idx := range unionKeys(old, fresh) {
			o, f := old[idx], fresh[idx]
			if o == nil || f == nil || *o != *f {
				delete(w.txs[chain], idx)
			}
		}
		for _, b := range fresh {
			confirmed += b.Confirmed
			unconfirmed += b.Unconfirmed
		}
		w.balances[chain] = fresh
	}
	w.cursor = cur
	w.balance, w.unconfirmed = confirmed, unconfirmed
	return nil
}

func unionKeys(a, b balanceBucket) map[uint32]struct{} {
	keys := make(map[uint32]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

type addrRef struct {
	chain Chain
	index uint32
	addr  string
}

// staleAddresses lists the tracked addresses whose transactions need
// fetching: those without cached transactions, with a transaction of fewer
// than refetchConfs confirmations, or with an unconfirmed balance.
func (w *Wallet) staleAddresses(cur cursor) ([]*addrRef, error) {
	var refs []*addrRef
	for _, chain := range chains {
		addrs, err := w.trackedAddresses(chain, cur)
		if err != nil {
			return nil, err
		}
		w.mtx.RLock()
		for i, addr := range addrs {
			idx := uint32(i)
			stale := len(w.txs[chain][idx]) == 0
			for _, rec := range w.txs[chain][idx] {
				if rec.Confirmations < refetchConfs {
					stale = true
					break
				}
			}
			if b := w.balances[chain][idx]; b != nil && b.Unconfirmed != 0 {
				stale = true
			}
			if stale {
				refs = append(refs, &addrRef{chain, idx, addr})
			}
		}
		w.mtx.RUnlock()
	}
	return refs, nil
}

func (w *Wallet) fetchTransactions(ctx context.Context) error {
	cur := w.currentCursor()
	refs, err := w.staleAddresses(cur)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(refs))
	for _, ref := range refs {
		addrs = append(addrs, ref.addr)
	}
	hists, err := w.q.histories(ctx, addrs)
	if err != nil {
		return err
	}

	var txids []string
	seen := make(map[string]bool)
	for _, addr := range addrs {
		for _, h := range hists[addr] {
			if !seen[h.TxHash] {
				seen[h.TxHash] = true
				txids = append(txids, h.TxHash)
			}
		}
	}
	txs, err := w.q.transactions(ctx, txids)
	if err != nil {
		return err
	}

	var prevTxids []string
	for _, txid := range txids {
		tx := txs[txid]
		if tx == nil {
			continue
		}
		for _, vin := range tx.Vin {
			if vin.Coinbase != "" || vin.TxID == "" || seen[vin.TxID] {
				continue
			}
			seen[vin.TxID] = true
			prevTxids = append(prevTxids, vin.TxID)
		}
	}
	prevTxs, err := w.q.transactions(ctx, prevTxids)
	if err != nil {
		return err
	}
	for txid, tx := range txs {
		prevTxs[txid] = tx
	}

	records := make(map[string]*TxRecord, len(txs))
	for _, addr := range addrs {
		for _, h := range hists[addr] {
			if _, done := records[h.TxHash]; done {
				continue
			}
			tx := txs[h.TxHash]
			if tx == nil {
				w.log.Warnf("Wallet %s: transaction %s of %s not found", w.id, h.TxHash, addr)
				continue
			}
			rec, err := txRecord(tx, h.Height, w.q.confirmations(h.Height), prevTxs, w.net)
			if err != nil {
				w.log.Errorf("Wallet %s: bad transaction %s: %v", w.id, h.TxHash, err)
				continue
			}
			if rec.Height > 0 && rec.Time == 0 && w.clock != nil {
				rec.Time = w.clock.CalculateBlockTime(rec.Height).Unix()
			}
			records[h.TxHash] = rec
		}
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()
	for _, ref := range refs {
		hist, found := hists[ref.addr]
		if !found {
			// Failed lookup. Keep the cached entries.
			continue
		}
		// Mempool entries are dropped. If still pending, they are in the
		// history again.
		var bucket []*TxRecord
		for _, rec := range w.txs[ref.chain][ref.index] {
			if rec.Confirmations > 0 {
				bucket = append(bucket, rec)
			}
		}
		for _, h := range hist {
			rec := records[h.TxHash]
			if rec == nil {
				continue
			}
			bucket = placeRecord(bucket, rec)
		}
		if len(bucket) == 0 {
			delete(w.txs[ref.chain], ref.index)
			continue
		}
		w.txs[ref.chain][ref.index] = bucket
		if w.hd != nil && ref.index >= w.cursor.get(ref.chain) {
			w.cursor.set(ref.chain, ref.index+1)
		}
	}
	return nil
}

// placeRecord replaces the bucket's record of the same transaction, or
// appends rec.
func placeRecord(bucket []*TxRecord, rec *TxRecord) []*TxRecord {
	for i, r := range bucket {
		if r.TxID == rec.TxID {
			bucket[i] = rec.copy()
			return bucket
		}
	}
	return append(bucket, rec.copy())
}

// ownedAddresses is the set of tracked addresses.
func (w *Wallet) ownedAddresses(cur cursor) (map[string]bool, error) {
	owned := make(map[string]bool)
	for _, chain := range chains {
		addrs, err := w.trackedAddresses(chain, cur)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			owned[addr] = true
		}
	}
	return owned, nil
}

// GetTransactions lists the ledger's transactions, newest first. The value
// of each is the net change of the wallet balance. A transaction touching
// several of the wallet's addresses is listed once.
func (w *Wallet) GetTransactions() ([]*TxRecord, error) {
	cur := w.currentCursor()
	owned, err := w.ownedAddresses(cur)
	if err != nil {
		return nil, err
	}

	w.mtx.RLock()
	var recs []*TxRecord
	seen := make(map[string]bool)
	for _, chain := range chains {
		indexes := make([]uint32, 0, len(w.txs[chain]))
		for idx := range w.txs[chain] {
			indexes = append(indexes, idx)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		for _, idx := range indexes {
			for _, rec := range w.txs[chain][idx] {
				if seen[rec.TxID] {
					continue
				}
				seen[rec.TxID] = true
				recs = append(recs, rec.copy())
			}
		}
	}
	w.mtx.RUnlock()

	nowMs := w.now().Add(-unconfirmedAge).UnixMilli()
	for _, rec := range recs {
		var value int64
		for _, in := range rec.Inputs {
			if owned[in.Address] {
				value -= in.Value
			}
		}
		for _, out := range rec.Outputs {
			if owned[out.Address] {
				value += out.Value
			}
		}
		rec.Value = value
		if rec.Confirmations > 0 && rec.Time > 0 {
			rec.Received = rec.Time * 1000
		} else {
			rec.Received = nowMs
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Received > recs[j].Received
	})
	return recs, nil
}

// transaction finds a ledger transaction by ID.
func (w *Wallet) transaction(txid string) *TxRecord {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	for _, bucket := range w.txs {
		for _, recs := range bucket {
			for _, rec := range recs {
				if rec.TxID == txid {
					return rec
				}
			}
		}
	}
	return nil
}

func (w *Wallet) fetchUtxo(ctx context.Context) error {
	var addrs []string
	w.mtx.RLock()
	for _, chain := range chains {
		indexes := make([]uint32, 0, len(w.balances[chain]))
		for idx := range w.balances[chain] {
			indexes = append(indexes, idx)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		for _, idx := range indexes {
			addr, err := w.addressAt(chain, idx)
			if err != nil {
				w.mtx.RUnlock()
				return err
			}
			addrs = append(addrs, addr)
		}
	}
	w.mtx.RUnlock()

	unspents, err := w.q.unspents(ctx, addrs)
	if err != nil {
		return err
	}

	var utxos []*UTXO
	var unknown []string
	for _, addr := range addrs {
		for _, u := range unspents[addr] {
			utxo := &UTXO{
				TxID:          u.TxHash,
				Vout:          u.TxPos,
				Value:         u.Value,
				Address:       addr,
				Height:        u.Height,
				Confirmations: w.q.confirmations(u.Height),
			}
			if rec := w.transaction(u.TxHash); rec != nil {
				if op := rec.NamespaceOp; op != nil && op.Vout == u.TxPos {
					utxo.NamespaceID = op.NamespaceID
				}
			} else {
				unknown = append(unknown, u.TxHash)
			}
			utxos = append(utxos, utxo)
		}
	}

	// Outputs of transactions not in the ledger are checked for a Keva
	// prefix directly.
	if len(unknown) > 0 {
		txs, err := w.q.transactions(ctx, unknown)
		if err != nil {
			return err
		}
		for _, utxo := range utxos {
			tx := txs[utxo.TxID]
			if tx == nil || int(utxo.Vout) >= len(tx.Vout) {
				continue
			}
			script, err := hex.DecodeString(tx.Vout[utxo.Vout].PkScript.Hex)
			if err != nil {
				continue
			}
			if op := namespaceOp(script, utxo.Vout); op != nil {
				utxo.NamespaceID = op.NamespaceID
			}
		}
	}

	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Value < utxos[j].Value
	})

	w.mtx.Lock()
	w.utxos = utxos
	w.mtx.Unlock()
	return nil
}

// GetUtxo lists the unspent outputs as of the last FetchUtxo, smallest first.
func (w *Wallet) GetUtxo() []*UTXO {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	utxos := make([]*UTXO, len(w.utxos))
	for i, u := range w.utxos {
		c := *u
		utxos[i] = &c
	}
	return utxos
}

// nextUnused returns the first address of the branch at or after the cursor
// without any history, advancing the cursor past used addresses.
func (w *Wallet) nextUnused(ctx context.Context, chain Chain) (string, error) {
	if w.hd == nil {
		return w.single.address, nil
	}
	cur := w.currentCursor()
	next := cur.get(chain)
	for range w.hd.gapLimit {
		addr, err := w.hd.addressAt(chain, next)
		if err != nil {
			return "", err
		}
		hist, err := w.q.histories(ctx, []string{addr})
		if err != nil {
			return "", err
		}
		if len(hist[addr]) == 0 {
			w.mtx.Lock()
			if next > w.cursor.get(chain) {
				w.cursor.set(chain, next)
			}
			w.mtx.Unlock()
			return addr, nil
		}
		next++
	}
	// Everything within the gap limit is used. Hand out the next one anyway.
	w.mtx.Lock()
	w.cursor.set(chain, next)
	w.mtx.Unlock()
	return w.hd.addressAt(chain, next)
}

// GetAddress returns an unused receiving address.
func (w *Wallet) GetAddress(ctx context.Context) (string, error) {
	return w.nextUnused(ctx, ChainExternal)
}

// GetChangeAddress returns an unused change address.
func (w *Wallet) GetChangeAddress(ctx context.Context) (string, error) {
	return w.nextUnused(ctx, ChainInternal)
}

type storedBalances struct {
	External balanceBucket `json:"external"`
	Internal balanceBucket `json:"internal"`
}

func (w *Wallet) save() error {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	items := []struct {
		key []byte
		v   any
	}{
		{kvdb.Key(w.id, kvdb.BucketCursor), w.cursor},
		{kvdb.Key(w.id, kvdb.BucketBalances), &storedBalances{w.balances[ChainExternal], w.balances[ChainInternal]}},
		{kvdb.Key(w.id, kvdb.BucketExternalTxs), w.txs[ChainExternal]},
		{kvdb.Key(w.id, kvdb.BucketInternalTxs), w.txs[ChainInternal]},
	}
	for _, item := range items {
		b, err := json.Marshal(item.v)
		if err != nil {
			return err
		}
		if err := w.db.Set(item.key, b); err != nil {
			return fmt.Errorf("error storing %s: %w", item.key, err)
		}
	}
	return nil
}

// Save persists the ledger.
func (w *Wallet) Save() error {
	return w.save()
}

// load restores a ledger persisted by save. Missing buckets are left empty.
func (w *Wallet) load() error {
	read := func(bucket kvdb.Bucket, v any) error {
		b, err := w.db.Get(kvdb.Key(w.id, bucket))
		if errors.Is(err, kvdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("corrupt %s bucket: %w", bucket, err)
		}
		return nil
	}
	var cur cursor
	var bals storedBalances
	ext, in := make(txBucket), make(txBucket)
	if err := read(kvdb.BucketCursor, &cur); err != nil {
		return err
	}
	if err := read(kvdb.BucketBalances, &bals); err != nil {
		return err
	}
	if err := read(kvdb.BucketExternalTxs, &ext); err != nil {
		return err
	}
	if err := read(kvdb.BucketInternalTxs, &in); err != nil {
		return err
	}
	if bals.External == nil {
		bals.External = make(balanceBucket)
	}
	if bals.Internal == nil {
		bals.Internal = make(balanceBucket)
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.cursor = cur
	w.balances = [2]balanceBucket{bals.External, bals.Internal}
	w.txs = [2]txBucket{ext, in}
	w.balance, w.unconfirmed = 0, 0
	for _, bucket := range w.balances {
		for _, b := range bucket {
			w.balance += b.Confirmed
			w.unconfirmed += b.Unconfirmed
		}
	}
	return nil
}
