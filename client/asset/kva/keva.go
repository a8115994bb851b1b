// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

// nonNamespaceAttempts is the number of times the unspent outputs are
// checked for spendable outputs, refreshing the ledger in between.
const nonNamespaceAttempts = 2

// ErrNamespaceNotFound is returned for operations on a namespace the wallet
// does not hold.
var ErrNamespaceNotFound = errors.New("namespace not found in wallet")

// KevaTx is a new transaction carrying a Keva operation.
type KevaTx struct {
	*CreatedTx
	NamespaceID string
}

// NonNamespaceUtxos lists the unspent outputs that do not hold a namespace.
// If there are none, the ledger is refreshed and checked again.
func (w *Wallet) NonNamespaceUtxos(ctx context.Context) ([]*UTXO, error) {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	return w.nonNamespaceUtxos(ctx)
}

func (w *Wallet) nonNamespaceUtxos(ctx context.Context) ([]*UTXO, error) {
	for attempt := 1; ; attempt++ {
		utxos := w.spendable()
		if len(utxos) > 0 || attempt == nonNamespaceAttempts {
			return utxos, nil
		}
		w.log.Debugf("Wallet %s: no spendable outputs, refreshing", w.id)
		if err := w.refresh(ctx); err != nil {
			return nil, err
		}
	}
}

// namespaceUTXO finds the output holding the namespace.
func (w *Wallet) namespaceUTXO(nsID string) (*UTXO, error) {
	for _, u := range w.GetUtxo() {
		if u.NamespaceID == nsID {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, nsID)
}

// Namespaces lists the IDs of the namespaces the wallet holds.
func (w *Wallet) Namespaces() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, u := range w.GetUtxo() {
		if u.IsNamespace() && !seen[u.NamespaceID] {
			seen[u.NamespaceID] = true
			ids = append(ids, u.NamespaceID)
		}
	}
	return ids
}

// CreateNamespace creates a namespace with the display name. The ID of the
// namespace derives from the first input, so the namespace output is built
// once inputs are selected.
func (w *Wallet) CreateNamespace(ctx context.Context, displayName string, feeRate uint64) (*KevaTx, error) {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()

	utxos, err := w.nonNamespaceUtxos(ctx)
	if err != nil {
		return nil, err
	}
	nsAddr, err := w.nextUnused(ctx, ChainExternal)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(nsAddr, w.net)
	if err != nil {
		return nil, err
	}
	placeholder := make([]byte, dexkva.NamespaceIDSize)
	placeholder[0] = dexkva.NamespaceIDPrefix
	script, err := dexkva.NamespaceScript(placeholder, []byte(displayName), addr)
	if err != nil {
		return nil, err
	}

	var nsID []byte
	created, err := w.buildTransaction(ctx, &buildParams{
		outputs:    []*wire.TxOut{wire.NewTxOut(dexkva.NamespaceValue, script)},
		feeRate:    feeRate,
		changeAddr: nsAddr,
		utxos:      utxos,
		version:    kevaTxVersion,
		prepare: func(tx *wire.MsgTx) error {
			prevOut := tx.TxIn[0].PreviousOutPoint
			nsID = dexkva.NamespaceID(&prevOut.Hash, prevOut.Index)
			script, err := dexkva.NamespaceScript(nsID, []byte(displayName), addr)
			if err != nil {
				return err
			}
			tx.TxOut[0].PkScript = script
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &KevaTx{CreatedTx: created, NamespaceID: dexkva.EncodeNamespaceID(nsID)}, nil
}

// updateNamespace spends the namespace output into a new Keva output built by
// mkScript, paid to the same address.
func (w *Wallet) updateNamespace(ctx context.Context, nsID string, feeRate uint64,
	mkScript func(nsID []byte, addr btcutil.Address) ([]byte, error)) (*KevaTx, error) {

	w.opMtx.Lock()
	defer w.opMtx.Unlock()

	nsBytes, err := dexkva.DecodeNamespaceID(nsID)
	if err != nil {
		return nil, err
	}
	nsUTXO, err := w.namespaceUTXO(nsID)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(nsUTXO.Address, w.net)
	if err != nil {
		return nil, err
	}
	script, err := mkScript(nsBytes, addr)
	if err != nil {
		return nil, err
	}
	utxos, err := w.nonNamespaceUtxos(ctx)
	if err != nil {
		return nil, err
	}
	created, err := w.buildTransaction(ctx, &buildParams{
		outputs:    []*wire.TxOut{wire.NewTxOut(dexkva.NamespaceValue, script)},
		feeRate:    feeRate,
		changeAddr: nsUTXO.Address,
		utxos:      utxos,
		pinned:     nsUTXO,
		version:    kevaTxVersion,
	})
	if err != nil {
		return nil, err
	}
	return &KevaTx{CreatedTx: created, NamespaceID: nsID}, nil
}

// PutKeyValue writes key=value in a namespace the wallet holds.
func (w *Wallet) PutKeyValue(ctx context.Context, nsID string, key, value []byte, feeRate uint64) (*KevaTx, error) {
	return w.updateNamespace(ctx, nsID, feeRate, func(ns []byte, addr btcutil.Address) ([]byte, error) {
		return dexkva.PutScript(ns, key, value, addr)
	})
}

// DeleteKey deletes a key from a namespace the wallet holds.
func (w *Wallet) DeleteKey(ctx context.Context, nsID string, key []byte, feeRate uint64) (*KevaTx, error) {
	return w.updateNamespace(ctx, nsID, feeRate, func(ns []byte, addr btcutil.Address) ([]byte, error) {
		return dexkva.DeleteScript(ns, key, addr)
	})
}

// UpdateProfile writes the namespace profile.
func (w *Wallet) UpdateProfile(ctx context.Context, nsID string, profile *dexkva.Profile, feeRate uint64) (*KevaTx, error) {
	value, err := dexkva.ProfileValue(profile)
	if err != nil {
		return nil, err
	}
	return w.PutKeyValue(ctx, nsID, dexkva.ProfileKey, value, feeRate)
}

// KeyValue is a Keva operation found by the server's Keva index.
type KeyValue struct {
	NamespaceID string
	TxID        string
	Height      int64
	Time        int64
	Kind        dexkva.OpKind
	Key         []byte
	Value       []byte
	KeyKind     dexkva.KeyKind
	// RefTxID is the transaction a reply, share, reward, sell or confirm key
	// references.
	RefTxID string
}

// DisplayKey renders the key for display.
func (kv *KeyValue) DisplayKey() string {
	return dexkva.DecodeData(kv.Key)
}

// DisplayValue renders the value for display.
func (kv *KeyValue) DisplayValue() string {
	return dexkva.DecodeData(kv.Value)
}

func parseKevaTxInfo(info *electrum.KevaTxInfo) (*KeyValue, error) {
	script, err := hex.DecodeString(info.Script)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", info.TxHash, err)
	}
	op, err := dexkva.ParseScript(script)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", info.TxHash, err)
	}
	kv := &KeyValue{
		NamespaceID: dexkva.EncodeNamespaceID(op.NamespaceID),
		TxID:        info.TxHash,
		Height:      info.Height,
		Time:        info.Time,
		Kind:        op.Kind,
		Key:         op.Key,
		Value:       op.Value,
	}
	kv.KeyKind, kv.RefTxID = dexkva.ParseKey(op.Key)
	return kv, nil
}

func (q *batchQuerier) parseKevaTxInfos(infos []*electrum.KevaTxInfo) []*KeyValue {
	kvs := make([]*KeyValue, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		kv, err := parseKevaTxInfo(info)
		if err != nil {
			q.log.Debugf("Skipping keva entry: %v", err)
			continue
		}
		kvs = append(kvs, kv)
	}
	return kvs
}

// namespaceInfo resolves the display name and profile of a namespace. nil is
// returned if the namespace has neither.
func (q *batchQuerier) namespaceInfo(ctx context.Context, nsID string) (*dexkva.NamespaceInfo, error) {
	nsBytes, err := dexkva.DecodeNamespaceID(nsID)
	if err != nil {
		return nil, err
	}
	hist, err := q.c.GetHistory(ctx, dexkva.RootNamespaceScriptHash(nsBytes))
	if err != nil {
		return nil, err
	}
	txids := make([]string, 0, len(hist))
	for _, h := range hist {
		txids = append(txids, h.TxHash)
	}
	infos, err := q.kevaTxInfo(ctx, txids)
	if err != nil {
		return nil, err
	}
	entries := make([]*dexkva.HistoryEntry, 0, len(hist))
	for _, h := range hist {
		info := infos[h.TxHash]
		if info == nil {
			continue
		}
		script, err := hex.DecodeString(info.Script)
		if err != nil {
			continue
		}
		op, err := dexkva.ParseScript(script)
		if err != nil || !bytes.Equal(op.NamespaceID, nsBytes) {
			continue
		}
		entries = append(entries, &dexkva.HistoryEntry{TxID: h.TxHash, Height: h.Height, Time: info.Time, Op: op})
	}
	return dexkva.ParseNamespaceInfo(entries), nil
}

// keyValues lists the operations of a namespace from minTxNum. The returned
// number is where the next page starts.
func (q *batchQuerier) keyValues(ctx context.Context, nsID string, minTxNum int64) ([]*KeyValue, int64, error) {
	nsBytes, err := dexkva.DecodeNamespaceID(nsID)
	if err != nil {
		return nil, 0, err
	}
	res, err := q.c.KevaKeyValues(ctx, dexkva.NamespaceScriptHash(nsBytes), minTxNum)
	if err != nil {
		return nil, 0, err
	}
	return q.parseKevaTxInfos(res.KeyValues), res.MinTxNum, nil
}

// hashtag lists the operations whose values mention the hashtag.
func (q *batchQuerier) hashtag(ctx context.Context, tag string, minTxNum int64) ([]*KeyValue, int64, error) {
	res, err := q.c.KevaHashtag(ctx, dexkva.HashtagScriptHash(tag), minTxNum)
	if err != nil {
		return nil, 0, err
	}
	return q.parseKevaTxInfos(res.Hashtags), res.MinTxNum, nil
}

// Reactions are the responses to a Keva operation.
type Reactions struct {
	Likes    int64
	Replies  []*KeyValue
	Shares   []*KeyValue
	Rewards  []*KeyValue
	MinTxNum int64
}

func (q *batchQuerier) reactions(ctx context.Context, txid string, minTxNum int64) (*Reactions, error) {
	res, err := q.c.KevaReactions(ctx, txid, minTxNum)
	if err != nil {
		return nil, err
	}
	return &Reactions{
		Likes:    res.Likes,
		Replies:  q.parseKevaTxInfos(res.Replies),
		Shares:   q.parseKevaTxInfos(res.Shares),
		Rewards:  q.parseKevaTxInfos(res.Rewards),
		MinTxNum: res.MinTxNum,
	}, nil
}

// namespaceFromShortCode resolves a short code to the ID of the namespace
// created by the transaction at that block position.
func (q *batchQuerier) namespaceFromShortCode(ctx context.Context, code string) (string, error) {
	height, pos, err := dexkva.ParseShortCode(code)
	if err != nil {
		return "", err
	}
	txid, err := q.txidFromPos(ctx, height, pos)
	if err != nil {
		return "", err
	}
	txs, err := q.transactions(ctx, []string{txid})
	if err != nil {
		return "", err
	}
	tx := txs[txid]
	if tx == nil {
		return "", fmt.Errorf("transaction %s not found", txid)
	}
	for i := range tx.Vout {
		script, err := outputScript(&tx.Vout[i])
		if err != nil {
			continue
		}
		if op := namespaceOp(script, tx.Vout[i].N); op != nil && op.Kind == dexkva.OpNamespace {
			return op.NamespaceID, nil
		}
	}
	return "", fmt.Errorf("transaction %s does not create a namespace", txid)
}

// namespaceShortCode is the short code of a confirmed namespace creation.
func (q *batchQuerier) namespaceShortCode(ctx context.Context, txid string, height int64) (string, error) {
	if height <= 0 {
		return "", fmt.Errorf("transaction %s is not confirmed", txid)
	}
	pos, err := q.merklePos(ctx, txid, height)
	if err != nil {
		return "", err
	}
	return dexkva.ShortCode(height, pos), nil
}
