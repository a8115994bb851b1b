// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package kva is an Electrum light wallet engine for Kevacoin. An Engine owns
// the server connection, the blob store and the wallets. Each Wallet follows
// the balances, transactions and unspent outputs of its addresses, and
// creates ordinary and Keva namespace transactions.
package kva

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"kevacoin.org/kvaelectrum/client/asset/kvdb"
	"kevacoin.org/kvaelectrum/dex"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

const (
	tipPollInterval = 5 * time.Second
	// maxConcurrentRefresh bounds the wallets refreshed at once by
	// RefreshAll.
	maxConcurrentRefresh = 4
)

// Connection is the Electrum server connection of an Engine.
// *electrum.Session satisfies Connection.
type Connection interface {
	RPCClient
	WaitUntilConnected(ctx context.Context, maxRetries int, interval time.Duration) error
	Run(ctx context.Context)
}

// EngineConfig is the configuration of an Engine.
type EngineConfig struct {
	Net    dex.Network
	Conn   Connection
	DB     kvdb.KeyValueDB
	Logger dex.Logger
	// SequentialRate paces requests when the server does not support
	// batching. Defaults to DefaultSequentialRate.
	SequentialRate rate.Limit
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the wallet engine.
type Engine struct {
	net   *chaincfg.Params
	conn  Connection
	db    kvdb.KeyValueDB
	log   dex.Logger
	q     *batchQuerier
	clock *blockClock
	now   func() time.Time

	mtx     sync.RWMutex
	wallets map[string]*Wallet
}

// NewEngine is the constructor for an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	net, err := dexkva.NetParams(cfg.Net)
	if err != nil {
		return nil, dex.NewError(dex.ErrConfigInvalid, err.Error())
	}
	if cfg.Conn == nil || cfg.DB == nil {
		return nil, dex.NewError(dex.ErrConfigInvalid, "engine needs a connection and a database")
	}
	log := cfg.Logger
	if log == nil {
		log = dex.Disabled
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		net:     net,
		conn:    cfg.Conn,
		db:      cfg.DB,
		log:     log,
		q:       newBatchQuerier(cfg.Conn, cfg.DB, net, log, cfg.SequentialRate),
		clock:   newBlockClock(now),
		now:     now,
		wallets: make(map[string]*Wallet),
	}, nil
}

// Run runs the connection and the database maintenance until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.conn.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.db.Run(ctx)
	}()

	t := time.NewTicker(tipPollInterval)
	defer t.Stop()
	for {
		e.observeTip()
		select {
		case <-t.C:
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
}

func (e *Engine) observeTip() {
	tip := e.conn.Tip()
	if tip == nil || tip.Hex == "" {
		return
	}
	if err := e.clock.observeHeader(tip.Height, tip.Hex); err != nil {
		e.log.Debugf("Bad tip header at height %d: %v", tip.Height, err)
	}
}

// AddWallet creates a wallet and restores its persisted ledger.
func (e *Engine) AddWallet(cfg *WalletConfig) (*Wallet, error) {
	w, err := newWallet(cfg, e.net, e.q, e.db, e.clock, e.now, e.log)
	if err != nil {
		return nil, err
	}
	if err := w.load(); err != nil {
		return nil, fmt.Errorf("error loading wallet %s: %w", cfg.ID, err)
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if _, exists := e.wallets[cfg.ID]; exists {
		return nil, dex.NewError(dex.ErrConfigInvalid, fmt.Sprintf("wallet %s already exists", cfg.ID))
	}
	e.wallets[cfg.ID] = w
	return w, nil
}

// RemoveWallet forgets the wallet and deletes its persisted ledger.
func (e *Engine) RemoveWallet(id string) error {
	e.mtx.Lock()
	w, found := e.wallets[id]
	delete(e.wallets, id)
	e.mtx.Unlock()
	if !found {
		return fmt.Errorf("unknown wallet %s", id)
	}
	w.opMtx.Lock()
	defer w.opMtx.Unlock()
	for _, bucket := range []kvdb.Bucket{kvdb.BucketCursor, kvdb.BucketBalances, kvdb.BucketExternalTxs, kvdb.BucketInternalTxs} {
		if err := e.db.Delete(kvdb.Key(id, bucket)); err != nil && !errors.Is(err, kvdb.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// Wallet finds a wallet by ID.
func (e *Engine) Wallet(id string) (*Wallet, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	w, found := e.wallets[id]
	if !found {
		return nil, fmt.Errorf("unknown wallet %s", id)
	}
	return w, nil
}

// Wallets lists the wallets ordered by ID.
func (e *Engine) Wallets() []*Wallet {
	e.mtx.RLock()
	ws := make([]*Wallet, 0, len(e.wallets))
	for _, w := range e.wallets {
		ws = append(ws, w)
	}
	e.mtx.RUnlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
	return ws
}

// Refresh waits for a connection and refreshes the wallet's ledger.
func (e *Engine) Refresh(ctx context.Context, id string) error {
	w, err := e.Wallet(id)
	if err != nil {
		return err
	}
	if err := e.conn.WaitUntilConnected(ctx, 0, 0); err != nil {
		return err
	}
	return w.Refresh(ctx)
}

// RefreshAll refreshes every wallet. The first error is returned once all
// refreshes are done.
func (e *Engine) RefreshAll(ctx context.Context) error {
	if err := e.conn.WaitUntilConnected(ctx, 0, 0); err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(maxConcurrentRefresh)
	for _, w := range e.Wallets() {
		g.Go(func() error {
			if err := w.Refresh(ctx); err != nil {
				return fmt.Errorf("wallet %s: %w", w.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// EstimateFee is the fee rate in sat/byte for confirmation within the number
// of blocks.
func (e *Engine) EstimateFee(ctx context.Context, blocks int) (uint64, error) {
	return estimateFee(ctx, e.q, blocks)
}

// EstimateFees are the fee rates of the fast, medium and slow tiers.
func (e *Engine) EstimateFees(ctx context.Context) (*FeeEstimates, error) {
	return estimateFees(ctx, e.q)
}

// RelayFee is the server's minimum relay fee rate in sat/byte.
func (e *Engine) RelayFee(ctx context.Context) (uint64, error) {
	fee, err := e.q.c.RelayFee(ctx)
	if err != nil {
		return 0, err
	}
	return feeRateFromEstimate(fee), nil
}

// Broadcast sends a signed transaction to the network.
func (e *Engine) Broadcast(ctx context.Context, txHex string) (string, error) {
	return e.q.c.Broadcast(ctx, txHex)
}

// TipHeight is the height of the server's best block. Before the server has
// announced one, an estimate from the block interval is returned.
func (e *Engine) TipHeight() int64 {
	if h := e.q.tipHeight(); h > 0 {
		return h
	}
	return e.clock.EstimateCurrentBlockHeight()
}

// EstimateCurrentBlockHeight extrapolates the chain height from the last
// header seen. It is only approximate, TipHeight is preferred.
func (e *Engine) EstimateCurrentBlockHeight() int64 {
	e.observeTip()
	return e.clock.EstimateCurrentBlockHeight()
}

// CalculateBlockTime estimates the time of the block at height.
func (e *Engine) CalculateBlockTime(height int64) time.Time {
	e.observeTip()
	return e.clock.CalculateBlockTime(height)
}

// BlockTime fetches the header at height and returns its timestamp.
func (e *Engine) BlockTime(ctx context.Context, height int64) (time.Time, error) {
	hdr, err := e.q.c.BlockHeader(ctx, height)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := HeaderTimestamp(hdr)
	if err != nil {
		return time.Time{}, dex.NewError(dex.ErrProtocol, err.Error())
	}
	return time.Unix(ts, 0), nil
}

// NamespaceInfo resolves the display name and profile of a namespace. nil is
// returned if the namespace has neither.
func (e *Engine) NamespaceInfo(ctx context.Context, nsID string) (*dexkva.NamespaceInfo, error) {
	return e.q.namespaceInfo(ctx, nsID)
}

// KeyValues lists the operations of a namespace starting from minTxNum. The
// returned number is where the next page starts.
func (e *Engine) KeyValues(ctx context.Context, nsID string, minTxNum int64) ([]*KeyValue, int64, error) {
	return e.q.keyValues(ctx, nsID, minTxNum)
}

// Hashtag lists the operations whose values mention the hashtag.
func (e *Engine) Hashtag(ctx context.Context, tag string, minTxNum int64) ([]*KeyValue, int64, error) {
	return e.q.hashtag(ctx, tag, minTxNum)
}

// Reactions lists the likes, replies, shares and rewards of an operation.
func (e *Engine) Reactions(ctx context.Context, txid string, minTxNum int64) (*Reactions, error) {
	return e.q.reactions(ctx, txid, minTxNum)
}

// NamespaceFromShortCode resolves a short code to a namespace ID.
func (e *Engine) NamespaceFromShortCode(ctx context.Context, code string) (string, error) {
	return e.q.namespaceFromShortCode(ctx, code)
}

// NamespaceShortCode is the short code of the namespace created by the
// confirmed transaction.
func (e *Engine) NamespaceShortCode(ctx context.Context, txid string, height int64) (string, error) {
	return e.q.namespaceShortCode(ctx, txid, height)
}
