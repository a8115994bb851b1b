// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	"kevacoin.org/kvaelectrum/client/asset/kvdb"
	"kevacoin.org/kvaelectrum/dex"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

var (
	tLogger  = dex.StdOutLogger("T", dex.LevelTrace)
	tNet     = dexkva.MainNetParams
	tNow     = time.Unix(1_750_000_000, 0)
	tSeed    = bytes.Repeat([]byte{0x01}, 32)
	tBaseTip = int64(1000)
)

func tBlockTime(height int64) int64 {
	return tNow.Unix() - (tBaseTip-height)*dexkva.BlockInterval
}

func tAmount(sats int64) json.Number {
	return json.Number(strconv.FormatFloat(btcutil.Amount(sats).ToBTC(), 'f', 8, 64))
}

// tChain is an in-memory Electrum server. Balances, histories and unspent
// outputs are derived from the transactions it holds. Keva outputs are
// indexed under the script hash of their standard part.
type tChain struct {
	mtx      sync.Mutex
	net      *chaincfg.Params
	tip      int64
	order    []string
	msgs     map[string]*wire.MsgTx
	heights  map[string]int64
	batching bool
	calls    map[string]int
	batches  int
	// itemErrs fails the requests of a method with the first argument.
	itemErrs map[string]*electrum.RPCError
	// rejectInBatch answers entries of the method in a batch with
	// CodeInvalidRequest.
	rejectInBatch string
	// batchRejects does the same for single entries, keyed like itemErrs.
	batchRejects  map[string]bool
	feeEstimate   float64
	broadcasts    []string
	rootHistory   map[string][]*electrum.GetHistoryResult
	kevaValues    map[string]*electrum.KevaKeyValuesResult
	hashtags      map[string]*electrum.KevaHashtagResult
	reactions     map[string]*electrum.KevaReactionsResult
	txPos         map[string]string
	merklePos     map[string]uint32
	coinbaseNonce uint32
}

func newTChain(net *chaincfg.Params) *tChain {
	return &tChain{
		net:          net,
		tip:          tBaseTip,
		msgs:         make(map[string]*wire.MsgTx),
		heights:      make(map[string]int64),
		batching:     true,
		calls:        make(map[string]int),
		itemErrs:     make(map[string]*electrum.RPCError),
		batchRejects: make(map[string]bool),
		feeEstimate:  -1,
		rootHistory:  make(map[string][]*electrum.GetHistoryResult),
		kevaValues:   make(map[string]*electrum.KevaKeyValuesResult),
		hashtags:     make(map[string]*electrum.KevaHashtagResult),
		reactions:    make(map[string]*electrum.KevaReactionsResult),
		txPos:        make(map[string]string),
		merklePos:    make(map[string]uint32),
	}
}

func (c *tChain) addTx(tx *wire.MsgTx, height int64) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.addTxLocked(tx, height)
}

func (c *tChain) addTxLocked(tx *wire.MsgTx, height int64) string {
	txid := tx.TxHash().String()
	if _, found := c.msgs[txid]; !found {
		c.order = append(c.order, txid)
	}
	c.msgs[txid] = tx
	c.heights[txid] = height
	return txid
}

// pay creates a transaction from nowhere paying the outputs.
func (c *tChain) pay(height int64, outs ...*wire.TxOut) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.coinbaseNonce++
	tx := wire.NewMsgTx(txVersion)
	nonce := make([]byte, 4)
	binary.BigEndian.PutUint32(nonce, c.coinbaseNonce)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), nonce, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return c.addTxLocked(tx, height)
}

func (c *tChain) payAddr(t *testing.T, addr string, value, height int64) string {
	t.Helper()
	script, err := dexkva.AddressScript(addr, c.net)
	if err != nil {
		t.Fatal(err)
	}
	return c.pay(height, wire.NewTxOut(value, script))
}

// spend creates a transaction spending the outpoints.
func (c *tChain) spend(height int64, prevs []*wire.OutPoint, outs ...*wire.TxOut) string {
	tx := wire.NewMsgTx(txVersion)
	for _, prev := range prevs {
		tx.AddTxIn(wire.NewTxIn(prev, nil, nil))
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return c.addTx(tx, height)
}

func (c *tChain) setHeight(txid string, height int64) {
	c.mtx.Lock()
	c.heights[txid] = height
	c.mtx.Unlock()
}

func (c *tChain) setTip(height int64) {
	c.mtx.Lock()
	c.tip = height
	c.mtx.Unlock()
}

func (c *tChain) callCount(method string) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.calls[method]
}

func (c *tChain) batchCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.batches
}

func isCoinbase(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == wire.MaxPrevOutIndex && in.PreviousOutPoint.Hash == (chainhash.Hash{})
}

func outputScriptHash(pkScript []byte) string {
	return dexkva.ScriptHash(dexkva.StandardScript(pkScript))
}

// spender is the transaction spending the outpoint, if any.
func (c *tChain) spender(op wire.OutPoint) (string, bool) {
	for _, txid := range c.order {
		for _, in := range c.msgs[txid].TxIn {
			if in.PreviousOutPoint == op {
				return txid, true
			}
		}
	}
	return "", false
}

func (c *tChain) prevOut(op wire.OutPoint) *wire.TxOut {
	tx := c.msgs[op.Hash.String()]
	if tx == nil || int(op.Index) >= len(tx.TxOut) {
		return nil
	}
	return tx.TxOut[op.Index]
}

func (c *tChain) history(sh string) []*electrum.GetHistoryResult {
	var hist []*electrum.GetHistoryResult
	for _, txid := range c.order {
		tx := c.msgs[txid]
		touches := false
		for _, out := range tx.TxOut {
			if outputScriptHash(out.PkScript) == sh {
				touches = true
			}
		}
		for _, in := range tx.TxIn {
			if prev := c.prevOut(in.PreviousOutPoint); prev != nil && outputScriptHash(prev.PkScript) == sh {
				touches = true
			}
		}
		if touches {
			hist = append(hist, &electrum.GetHistoryResult{Height: c.heights[txid], TxHash: txid})
		}
	}
	sort.SliceStable(hist, func(i, j int) bool {
		hi, hj := hist[i].Height, hist[j].Height
		if hi <= 0 || hj <= 0 {
			return hj <= 0 && hi > 0
		}
		return hi < hj
	})
	return hist
}

func (c *tChain) outputs(sh string, f func(txid string, vout uint32, out *wire.TxOut, height int64)) {
	for _, txid := range c.order {
		for i, out := range c.msgs[txid].TxOut {
			if outputScriptHash(out.PkScript) == sh {
				f(txid, uint32(i), out, c.heights[txid])
			}
		}
	}
}

func (c *tChain) balance(sh string) *electrum.GetBalanceResult {
	var bal electrum.GetBalanceResult
	c.outputs(sh, func(txid string, vout uint32, out *wire.TxOut, height int64) {
		hash, _ := chainhash.NewHashFromStr(txid)
		spender, spent := c.spender(*wire.NewOutPoint(hash, vout))
		if height > 0 {
			if !spent || c.heights[spender] <= 0 {
				bal.Confirmed += out.Value
			}
		} else {
			bal.Unconfirmed += out.Value
		}
		if spent && c.heights[spender] <= 0 {
			bal.Unconfirmed -= out.Value
		}
	})
	return &bal
}

func (c *tChain) unspent(sh string) []*electrum.ListUnspentResult {
	var unspent []*electrum.ListUnspentResult
	c.outputs(sh, func(txid string, vout uint32, out *wire.TxOut, height int64) {
		hash, _ := chainhash.NewHashFromStr(txid)
		if _, spent := c.spender(*wire.NewOutPoint(hash, vout)); !spent {
			unspent = append(unspent, &electrum.ListUnspentResult{Height: height, TxHash: txid, TxPos: vout, Value: out.Value})
		}
	})
	return unspent
}

func (c *tChain) verbose(txid string) *electrum.GetTransactionResult {
	tx := c.msgs[txid]
	if tx == nil {
		return nil
	}
	var buf bytes.Buffer
	tx.Serialize(&buf)
	res := &electrum.GetTransactionResult{
		TxID:    txid,
		Version: uint32(tx.Version),
		Hex:     hex.EncodeToString(buf.Bytes()),
	}
	if h := c.heights[txid]; h > 0 {
		res.Confirmations = c.tip - h + 1
		res.BlockTime = tBlockTime(h)
		res.Time = res.BlockTime
	}
	for _, in := range tx.TxIn {
		if isCoinbase(in) {
			res.Vin = append(res.Vin, electrum.Vin{Coinbase: hex.EncodeToString(in.SignatureScript)})
			continue
		}
		res.Vin = append(res.Vin, electrum.Vin{TxID: in.PreviousOutPoint.Hash.String(), Vout: in.PreviousOutPoint.Index})
	}
	for i, out := range tx.TxOut {
		res.Vout = append(res.Vout, electrum.Vout{
			Value:    tAmount(out.Value),
			N:        uint32(i),
			PkScript: electrum.PkScript{Hex: hex.EncodeToString(out.PkScript)},
		})
	}
	return res
}

// requestParams flattens positional arguments of any slice type.
func requestParams(args any) []any {
	if args == nil {
		return nil
	}
	v := reflect.ValueOf(args)
	params := make([]any, v.Len())
	for i := range params {
		params[i] = v.Index(i).Interface()
	}
	return params
}

func requestKey(method string, params []any) string {
	if len(params) == 0 {
		return method
	}
	return method + ":" + fmt.Sprint(params[0])
}

func (c *tChain) handle(method string, args any) (any, *electrum.RPCError) {
	params := requestParams(args)
	str := func(i int) string {
		s, _ := params[i].(string)
		return s
	}
	if len(params) > 0 {
		if rpcErr := c.itemErrs[requestKey(method, params)]; rpcErr != nil {
			return nil, rpcErr
		}
	}
	switch method {
	case electrum.MethodGetBalance:
		return c.balance(str(0)), nil
	case electrum.MethodGetHistory:
		if hist, found := c.rootHistory[str(0)]; found {
			return hist, nil
		}
		return c.history(str(0)), nil
	case electrum.MethodListUnspent:
		return c.unspent(str(0)), nil
	case electrum.MethodGetTransaction:
		tx := c.verbose(str(0))
		if tx == nil {
			return nil, &electrum.RPCError{Code: 2, Message: "No such mempool or blockchain transaction"}
		}
		return tx, nil
	case electrum.MethodBroadcast:
		b, err := hex.DecodeString(str(0))
		if err != nil {
			return nil, &electrum.RPCError{Code: 1, Message: err.Error()}
		}
		tx := new(wire.MsgTx)
		if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
			return nil, &electrum.RPCError{Code: 1, Message: err.Error()}
		}
		c.broadcasts = append(c.broadcasts, str(0))
		return c.addTxLocked(tx, 0), nil
	case electrum.MethodEstimateFee:
		return c.feeEstimate, nil
	case electrum.MethodRelayFee:
		return 0.00001, nil
	case electrum.MethodKevaTxsInfo:
		txids := params[0].([]string)
		infos := make([]*electrum.KevaTxInfo, 0, len(txids))
		for _, txid := range txids {
			tx := c.msgs[txid]
			if tx == nil {
				continue
			}
			for i, out := range tx.TxOut {
				if dexkva.IsKevaScript(out.PkScript) {
					infos = append(infos, &electrum.KevaTxInfo{TxHash: txid, Height: c.heights[txid],
						Time: tBlockTime(c.heights[txid]), N: uint32(i), Script: hex.EncodeToString(out.PkScript)})
				}
			}
		}
		return infos, nil
	case electrum.MethodKevaKeyValues:
		if res := c.kevaValues[str(0)]; res != nil {
			return res, nil
		}
		return &electrum.KevaKeyValuesResult{}, nil
	case electrum.MethodKevaHashtag:
		if res := c.hashtags[str(0)]; res != nil {
			return res, nil
		}
		return &electrum.KevaHashtagResult{}, nil
	case electrum.MethodKevaReactions:
		if res := c.reactions[str(0)]; res != nil {
			return res, nil
		}
		return &electrum.KevaReactionsResult{}, nil
	case electrum.MethodBlockHeader:
		height := params[0].(int64)
		if height > c.tip {
			return nil, &electrum.RPCError{Code: 1, Message: "height out of range"}
		}
		return headerHex(height), nil
	case electrum.MethodIDFromPos:
		key := fmt.Sprintf("%v:%v", params[0], params[1])
		if txid, found := c.txPos[key]; found {
			return txid, nil
		}
		return nil, &electrum.RPCError{Code: 1, Message: "no tx at position"}
	case electrum.MethodGetMerkle:
		return &electrum.GetMerkleResult{BlockHeight: params[1].(int64), Pos: c.merklePos[str(0)]}, nil
	}
	return nil, &electrum.RPCError{Code: -32601, Message: "unknown method " + method}
}

func (c *tChain) Request(_ context.Context, method string, args, result any) error {
	c.mtx.Lock()
	c.calls[method]++
	res, rpcErr := c.handle(method, args)
	c.mtx.Unlock()
	if rpcErr != nil {
		return rpcErr
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (c *tChain) Batch(_ context.Context, reqs []*electrum.BatchRequest) ([]*electrum.BatchResponse, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.batches++
	resps := make([]*electrum.BatchResponse, 0, len(reqs))
	for _, req := range reqs {
		c.calls[req.Method]++
		if req.Method == c.rejectInBatch || c.batchRejects[requestKey(req.Method, requestParams(req.Args))] {
			resps = append(resps, &electrum.BatchResponse{Error: &electrum.RPCError{Code: electrum.CodeInvalidRequest, Message: "invalid request"}})
			continue
		}
		res, rpcErr := c.handle(req.Method, req.Args)
		if rpcErr != nil {
			resps = append(resps, &electrum.BatchResponse{Error: rpcErr})
			continue
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		resps = append(resps, &electrum.BatchResponse{Result: b})
	}
	return resps, nil
}

func (c *tChain) BatchingDisabled() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return !c.batching
}

func headerHexAt(stamp time.Time) string {
	hdr := wire.BlockHeader{Timestamp: stamp}
	var buf bytes.Buffer
	hdr.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

func headerHex(height int64) string {
	return headerHexAt(time.Unix(tBlockTime(height), 0))
}

func (c *tChain) Tip() *electrum.SubscribeHeadersResult {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.tip == 0 {
		return nil
	}
	return &electrum.SubscribeHeadersResult{Height: c.tip, Hex: headerHex(c.tip)}
}

func (c *tChain) WaitUntilConnected(context.Context, int, time.Duration) error {
	return nil
}

func (c *tChain) Run(ctx context.Context) {
	<-ctx.Done()
}

func newTestEngine(t *testing.T) (*Engine, *tChain, kvdb.KeyValueDB) {
	t.Helper()
	c := newTChain(tNet)
	db := kvdb.NewMemoryDB()
	e, err := NewEngine(&EngineConfig{
		Net:            dex.Mainnet,
		Conn:           c,
		DB:             db,
		Logger:         tLogger,
		SequentialRate: rate.Inf,
		Now:            func() time.Time { return tNow },
	})
	if err != nil {
		t.Fatal(err)
	}
	return e, c, db
}

func newTestWallet(t *testing.T, e *Engine, kind WalletKind) *Wallet {
	t.Helper()
	cfg := &WalletConfig{ID: kind.String(), Kind: kind}
	if kind.IsHD() {
		cfg.Seed = tSeed
	} else {
		cfg.WIF = tWIF(t)
	}
	w, err := e.AddWallet(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func tWIF(t *testing.T) string {
	t.Helper()
	master, err := newHDDeriverFromSeed(tSeed, scriptP2PKH, tNet, 0)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := master.privKeyAt(ChainExternal, 0)
	if err != nil {
		t.Fatal(err)
	}
	return mustWIF(t, priv, tNet)
}

func mustWIF(t *testing.T, priv *btcec.PrivateKey, net *chaincfg.Params) string {
	t.Helper()
	wif, err := btcutil.NewWIF(priv, net, true)
	if err != nil {
		t.Fatal(err)
	}
	return wif.String()
}

func mustAddr(t *testing.T, w *Wallet, chain Chain, index uint32) string {
	t.Helper()
	addr, err := w.addressAt(chain, index)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func mustScript(t *testing.T, addr string) []byte {
	t.Helper()
	script, err := dexkva.AddressScript(addr, tNet)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

// tForeignAddr is an address the test wallets do not own.
func tForeignAddr(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160([]byte("someone else")), tNet)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

var tNamespaceTxid = chainhash.Hash{0x01, 0x02, 0x03}

func mustDecode(t *testing.T, addr string) btcutil.Address {
	t.Helper()
	a, err := btcutil.DecodeAddress(addr, tNet)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func outpoint(t *testing.T, txid string, vout uint32) *wire.OutPoint {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		t.Fatal(err)
	}
	return wire.NewOutPoint(hash, vout)
}
