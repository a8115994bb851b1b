// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/time/rate"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	"kevacoin.org/kvaelectrum/client/asset/kvdb"
	"kevacoin.org/kvaelectrum/dex"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

const (
	// Batch chunk sizes.
	scriptHashChunkSize = 100
	txChunkSize         = 45
	kevaInfoChunkSize   = 50

	// Transactions with fewer confirmations are not cached since they may
	// still be reorganized out.
	txCacheMinConfs = 10

	// DefaultSequentialRate paces requests to servers that do not support
	// batching.
	DefaultSequentialRate rate.Limit = 50
)

// RPCClient is the Electrum connection used by the wallet engine.
// *electrum.Session satisfies RPCClient.
type RPCClient interface {
	Request(ctx context.Context, method string, args, result any) error
	Batch(ctx context.Context, reqs []*electrum.BatchRequest) ([]*electrum.BatchResponse, error)
	BatchingDisabled() bool
	Tip() *electrum.SubscribeHeadersResult
}

// batchQuerier issues many-item lookups as chunked batch requests, or as
// paced sequential requests to servers that do not support batching. Errors of
// individual items are isolated: the item is logged and left out of the
// result.
type batchQuerier struct {
	rpc     RPCClient
	c       electrum.Client
	db      kvdb.KeyValueDB
	net     *chaincfg.Params
	log     dex.Logger
	limiter *rate.Limiter
}

func newBatchQuerier(rpc RPCClient, db kvdb.KeyValueDB, net *chaincfg.Params, log dex.Logger, seqRate rate.Limit) *batchQuerier {
	if seqRate == 0 {
		seqRate = DefaultSequentialRate
	}
	return &batchQuerier{
		rpc:     rpc,
		c:       electrum.Client{Requester: rpc},
		db:      db,
		net:     net,
		log:     log,
		limiter: rate.NewLimiter(seqRate, 1),
	}
}

// single performs one request. RPC errors are returned in the response,
// transport errors are returned as the error.
func (q *batchQuerier) single(ctx context.Context, method string, args []any) (*electrum.BatchResponse, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var res json.RawMessage
	err := q.rpc.Request(ctx, method, args, &res)
	if err != nil {
		var rpcErr *electrum.RPCError
		if errors.As(err, &rpcErr) {
			return &electrum.BatchResponse{Error: rpcErr}, nil
		}
		return nil, err
	}
	return &electrum.BatchResponse{Result: res}, nil
}

// multi performs the same method for every args entry. The responses are in
// args order.
func (q *batchQuerier) multi(ctx context.Context, method string, args [][]any, chunkSize int) ([]*electrum.BatchResponse, error) {
	resps := make([]*electrum.BatchResponse, 0, len(args))
	if q.rpc.BatchingDisabled() {
		for _, a := range args {
			resp, err := q.single(ctx, method, a)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", method, err)
			}
			resps = append(resps, resp)
		}
		return resps, nil
	}

	for start := 0; start < len(args); start += chunkSize {
		end := min(start+chunkSize, len(args))
		reqs := make([]*electrum.BatchRequest, 0, end-start)
		for _, a := range args[start:end] {
			reqs = append(reqs, &electrum.BatchRequest{Method: method, Args: a})
		}
		chunk, err := q.rpc.Batch(ctx, reqs)
		if err != nil {
			return nil, fmt.Errorf("%s batch: %w", method, err)
		}
		if len(chunk) != len(reqs) {
			return nil, dex.NewError(dex.ErrProtocol, fmt.Sprintf("%s batch: %d responses for %d requests",
				method, len(chunk), len(reqs)))
		}
		for i, resp := range chunk {
			// Some servers reject individual entries of a batch they would
			// otherwise answer.
			if resp.Error != nil && resp.Error.Code == electrum.CodeInvalidRequest {
				q.log.Debugf("Retrying %s entry individually after %v", method, resp.Error)
				if resp, err = q.single(ctx, method, args[start+i]); err != nil {
					return nil, fmt.Errorf("%s: %w", method, err)
				}
			}
			resps = append(resps, resp)
		}
	}
	return resps, nil
}

// scriptHashes resolves the Electrum script hash of each address.
func (q *batchQuerier) scriptHashes(addrs []string) ([][]any, error) {
	args := make([][]any, 0, len(addrs))
	for _, addr := range addrs {
		sh, err := dexkva.AddressScriptHash(addr, q.net)
		if err != nil {
			return nil, err
		}
		args = append(args, []any{sh})
	}
	return args, nil
}

// perAddress performs a scripthash method for every address and decodes the
// results into a map keyed by address.
func perAddress[T any](ctx context.Context, q *batchQuerier, method string, addrs []string) (map[string]T, error) {
	args, err := q.scriptHashes(addrs)
	if err != nil {
		return nil, err
	}
	resps, err := q.multi(ctx, method, args, scriptHashChunkSize)
	if err != nil {
		return nil, err
	}
	res := make(map[string]T, len(addrs))
	for i, resp := range resps {
		var v T
		if err := resp.Unmarshal(&v); err != nil {
			q.log.Errorf("%s for %s failed: %v", method, addrs[i], err)
			continue
		}
		res[addrs[i]] = v
	}
	return res, nil
}

// balances fetches the confirmed and unconfirmed balance of each address.
func (q *batchQuerier) balances(ctx context.Context, addrs []string) (map[string]*electrum.GetBalanceResult, error) {
	return perAddress[*electrum.GetBalanceResult](ctx, q, electrum.MethodGetBalance, addrs)
}

// histories fetches the transaction history of each address.
func (q *batchQuerier) histories(ctx context.Context, addrs []string) (map[string][]*electrum.GetHistoryResult, error) {
	return perAddress[[]*electrum.GetHistoryResult](ctx, q, electrum.MethodGetHistory, addrs)
}

// unspents fetches the unspent outputs of each address.
func (q *batchQuerier) unspents(ctx context.Context, addrs []string) (map[string][]*electrum.ListUnspentResult, error) {
	return perAddress[[]*electrum.ListUnspentResult](ctx, q, electrum.MethodListUnspent, addrs)
}

func (q *batchQuerier) cachedTx(txid string) *electrum.GetTransactionResult {
	b, err := q.db.Get(kvdb.Key(kvdb.SharedWallet, kvdb.BucketTxCache, txid))
	if err != nil {
		if !errors.Is(err, kvdb.ErrKeyNotFound) {
			q.log.Errorf("Error reading cached transaction %s: %v", txid, err)
		}
		return nil
	}
	var tx electrum.GetTransactionResult
	if err := json.Unmarshal(b, &tx); err != nil {
		q.log.Errorf("Corrupt cached transaction %s: %v", txid, err)
		return nil
	}
	return &tx
}

func (q *batchQuerier) cacheTx(tx *electrum.GetTransactionResult) {
	if tx.Confirmations < txCacheMinConfs {
		return
	}
	b, err := json.Marshal(tx)
	if err != nil {
		q.log.Errorf("Error encoding transaction %s: %v", tx.TxID, err)
		return
	}
	if err := q.db.Set(kvdb.Key(kvdb.SharedWallet, kvdb.BucketTxCache, tx.TxID), b); err != nil {
		q.log.Errorf("Error caching transaction %s: %v", tx.TxID, err)
	}
}

// transactions fetches the verbose form of each transaction. Deeply
// confirmed transactions are served from the cache. The confirmations of a
// cached transaction are those at the time it was cached.
func (q *batchQuerier) transactions(ctx context.Context, txids []string) (map[string]*electrum.GetTransactionResult, error) {
	res := make(map[string]*electrum.GetTransactionResult, len(txids))
	var args [][]any
	var missing []string
	for _, txid := range txids {
		if _, found := res[txid]; found {
			continue
		}
		if tx := q.cachedTx(txid); tx != nil {
			res[txid] = tx
			continue
		}
		res[txid] = nil
		missing = append(missing, txid)
		args = append(args, []any{txid, true})
	}
	resps, err := q.multi(ctx, electrum.MethodGetTransaction, args, txChunkSize)
	if err != nil {
		return nil, err
	}
	for i, resp := range resps {
		var tx electrum.GetTransactionResult
		if err := resp.Unmarshal(&tx); err != nil {
			q.log.Errorf("Error fetching transaction %s: %v", missing[i], err)
			delete(res, missing[i])
			continue
		}
		if tx.TxID == "" {
			tx.TxID = missing[i]
		}
		res[missing[i]] = &tx
		q.cacheTx(&tx)
	}
	return res, nil
}

// kevaTxInfo fetches the Keva index entries of the transactions. A failed
// chunk is logged and left out of the result.
func (q *batchQuerier) kevaTxInfo(ctx context.Context, txids []string) (map[string]*electrum.KevaTxInfo, error) {
	res := make(map[string]*electrum.KevaTxInfo, len(txids))
	for start := 0; start < len(txids); start += kevaInfoChunkSize {
		end := min(start+kevaInfoChunkSize, len(txids))
		if q.rpc.BatchingDisabled() {
			if err := q.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		infos, err := q.c.KevaTransactionsInfo(ctx, txids[start:end])
		if err != nil {
			var rpcErr *electrum.RPCError
			if errors.As(err, &rpcErr) {
				q.log.Errorf("Error fetching keva transaction info: %v", err)
				continue
			}
			return nil, err
		}
		for _, info := range infos {
			if info != nil {
				res[info.TxHash] = info
			}
		}
	}
	return res, nil
}

// merklePos is the position of a confirmed transaction in its block.
func (q *batchQuerier) merklePos(ctx context.Context, txid string, height int64) (uint32, error) {
	res, err := q.c.GetMerkle(ctx, txid, height)
	if err != nil {
		return 0, err
	}
	q.storeTxPos(height, res.Pos, txid)
	return res.Pos, nil
}

func txPosKey(height int64, pos uint32) []byte {
	return kvdb.Key(kvdb.SharedWallet, kvdb.BucketTxPos,
		strconv.FormatInt(height, 10)+":"+strconv.FormatUint(uint64(pos), 10))
}

func (q *batchQuerier) storeTxPos(height int64, pos uint32, txid string) {
	if err := q.db.Set(txPosKey(height, pos), []byte(txid)); err != nil {
		q.log.Errorf("Error storing position of %s: %v", txid, err)
	}
}

// txidFromPos resolves the transaction at a block position.
func (q *batchQuerier) txidFromPos(ctx context.Context, height int64, pos uint32) (string, error) {
	if b, err := q.db.Get(txPosKey(height, pos)); err == nil {
		return string(b), nil
	}
	txid, err := q.c.TransactionIDFromPos(ctx, height, pos)
	if err != nil {
		return "", err
	}
	q.storeTxPos(height, pos, txid)
	return txid, nil
}

// tipHeight is the height of the best block announced by the server, or 0.
func (q *batchQuerier) tipHeight() int64 {
	if tip := q.rpc.Tip(); tip != nil {
		return tip.Height
	}
	return 0
}

// confirmations of a transaction mined at height. 0 for mempool transactions.
func (q *batchQuerier) confirmations(height int64) int64 {
	tip := q.tipHeight()
	if height <= 0 || tip < height {
		return 0
	}
	return tip - height + 1
}
