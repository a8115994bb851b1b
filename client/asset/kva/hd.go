// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

// Chain is a BIP32 address branch.
type Chain uint32

const (
	ChainExternal Chain = 0
	ChainInternal Chain = 1
)

func (c Chain) String() string {
	if c == ChainInternal {
		return "internal"
	}
	return "external"
}

var chains = [2]Chain{ChainExternal, ChainInternal}

// DefaultDiscoveryCeiling bounds the used-address search of a fresh wallet.
const DefaultDiscoveryCeiling = 1000

// ErrWatchOnly is returned when a private key is requested from a wallet
// created from an extended public key.
var ErrWatchOnly = errors.New("watch-only wallet")

type addrKey struct {
	chain Chain
	index uint32
}

// historyFetcher looks up the histories of a set of addresses.
type historyFetcher func(ctx context.Context, addrs []string) (map[string][]*electrum.GetHistoryResult, error)

// hdDeriver derives and caches the addresses of a BIP32 account
// m/purpose'/0'/0'. Derivation is deterministic and the caches are never
// invalidated.
type hdDeriver struct {
	st       scriptType
	net      *chaincfg.Params
	gapLimit uint32

	// account is private unless the wallet is watch-only.
	account     *hdkeychain.ExtendedKey
	branches    [2]*hdkeychain.ExtendedKey // public
	fingerprint uint32

	mtx   sync.Mutex
	addrs map[addrKey]string
	pubs  map[addrKey]*btcec.PublicKey
	index map[string]addrKey
}

func newHDDeriver(account *hdkeychain.ExtendedKey, fingerprint uint32, st scriptType, net *chaincfg.Params, gapLimit uint32) (*hdDeriver, error) {
	if gapLimit == 0 {
		gapLimit = dexkva.DefaultGapLimit
	}
	pub, err := account.Neuter()
	if err != nil {
		return nil, err
	}
	d := &hdDeriver{
		st:          st,
		net:         net,
		gapLimit:    gapLimit,
		account:     account,
		fingerprint: fingerprint,
		addrs:       make(map[addrKey]string),
		pubs:        make(map[addrKey]*btcec.PublicKey),
		index:       make(map[string]addrKey),
	}
	for _, c := range chains {
		if d.branches[c], err = pub.Derive(uint32(c)); err != nil {
			return nil, fmt.Errorf("error deriving %s branch: %w", c, err)
		}
	}
	return d, nil
}

// accountPath is m/purpose'/coin'/0'.
func accountPath(st scriptType) []uint32 {
	return []uint32{
		hdkeychain.HardenedKeyStart + st.purpose(),
		hdkeychain.HardenedKeyStart + dexkva.CoinType,
		hdkeychain.HardenedKeyStart,
	}
}

// newHDDeriverFromSeed derives the account from a BIP39 seed.
func newHDDeriverFromSeed(seed []byte, st scriptType, net *chaincfg.Params, gapLimit uint32) (*hdDeriver, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("error creating master key: %w", err)
	}
	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := binary.LittleEndian.Uint32(btcutil.Hash160(masterPub.SerializeCompressed())[:4])
	account := master
	for _, i := range accountPath(st) {
		if account, err = account.Derive(i); err != nil {
			return nil, fmt.Errorf("error deriving account key: %w", err)
		}
	}
	return newHDDeriver(account, fingerprint, st, net, gapLimit)
}

// newHDDeriverFromXPub creates a watch-only deriver. The key may be in any of
// the xpub, ypub or zpub representations.
func newHDDeriverFromXPub(xpub string, st scriptType, net *chaincfg.Params, gapLimit uint32) (*hdDeriver, error) {
	std, err := convertExtendedKey(xpub, net.HDPublicKeyID)
	if err != nil {
		return nil, err
	}
	account, err := hdkeychain.NewKeyFromString(std)
	if err != nil {
		return nil, fmt.Errorf("error parsing extended public key: %w", err)
	}
	if account.IsPrivate() {
		return nil, errors.New("expected an extended public key")
	}
	if account.Depth() != 3 {
		return nil, fmt.Errorf("extended key depth %d is not an account key", account.Depth())
	}
	return newHDDeriver(account, 0, st, net, gapLimit)
}

// convertExtendedKey re-encodes a serialized extended key with different
// version bytes.
func convertExtendedKey(key string, version [4]byte) (string, error) {
	b := base58.Decode(key)
	if len(b) != 82 {
		return "", fmt.Errorf("invalid extended key length %d", len(b))
	}
	payload, checksum := b[:78], b[78:]
	if !bytes.Equal(chainhash.DoubleHashB(payload)[:4], checksum) {
		return "", errors.New("invalid extended key checksum")
	}
	out := make([]byte, 0, 82)
	out = append(out, version[:]...)
	out = append(out, payload[4:]...)
	out = append(out, chainhash.DoubleHashB(out)[:4]...)
	return base58.Encode(out), nil
}

// watchOnly is true if the deriver has no private keys.
func (d *hdDeriver) watchOnly() bool {
	return !d.account.IsPrivate()
}

// xpub is the account public key in the representation matching the wallet's
// script type, e.g. zpub for native segwit.
func (d *hdDeriver) xpub() (string, error) {
	pub, err := d.account.Neuter()
	if err != nil {
		return "", err
	}
	return convertExtendedKey(pub.String(), d.st.pubVersion(d.net))
}

func (d *hdDeriver) pubKeyAt(chain Chain, index uint32) (*btcec.PublicKey, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.pubKeyAtLocked(chain, index)
}

func (d *hdDeriver) pubKeyAtLocked(chain Chain, index uint32) (*btcec.PublicKey, error) {
	k := addrKey{chain, index}
	if pub, found := d.pubs[k]; found {
		return pub, nil
	}
	child, err := d.branches[chain].Derive(index)
	if err != nil {
		return nil, fmt.Errorf("error deriving %s key %d: %w", chain, index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	d.pubs[k] = pub
	return pub, nil
}

// addressAt derives the address at the index of the branch.
func (d *hdDeriver) addressAt(chain Chain, index uint32) (string, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	k := addrKey{chain, index}
	if addr, found := d.addrs[k]; found {
		return addr, nil
	}
	pub, err := d.pubKeyAtLocked(chain, index)
	if err != nil {
		return "", err
	}
	a, err := d.st.address(pub, d.net)
	if err != nil {
		return "", err
	}
	addr := a.EncodeAddress()
	d.addrs[k] = addr
	d.index[addr] = k
	return addr, nil
}

// addresses derives the addresses at indexes [start, end) of the branch.
func (d *hdDeriver) addresses(chain Chain, start, end uint32) ([]string, error) {
	addrs := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		addr, err := d.addressAt(chain, i)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// lookup finds the branch and index of an address that has been derived.
func (d *hdDeriver) lookup(addr string) (Chain, uint32, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	k, found := d.index[addr]
	return k.chain, k.index, found
}

// privKeyAt derives the private key at the index of the branch.
func (d *hdDeriver) privKeyAt(chain Chain, index uint32) (*btcec.PrivateKey, error) {
	if d.watchOnly() {
		return nil, ErrWatchOnly
	}
	branch, err := d.account.Derive(uint32(chain))
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// derivationPath is the full BIP32 path of the key at the index of the branch.
func (d *hdDeriver) derivationPath(chain Chain, index uint32) []uint32 {
	return append(accountPath(d.st), uint32(chain), index)
}

// discoverLastUsedIndex finds the index following the last address of the
// branch with any history, searching no further than ceiling. Chunks of
// gapLimit addresses are scanned in order until a chunk without activity is
// found. The last active chunk is then searched for its highest used index.
func (d *hdDeriver) discoverLastUsedIndex(ctx context.Context, chain Chain, ceiling uint32, fetch historyFetcher) (uint32, error) {
	var next uint32
	for start := uint32(0); start < ceiling; start += d.gapLimit {
		end := min(start+d.gapLimit, ceiling)
		addrs, err := d.addresses(chain, start, end)
		if err != nil {
			return 0, err
		}
		hist, err := fetch(ctx, addrs)
		if err != nil {
			return 0, err
		}
		var active bool
		for i, addr := range addrs {
			if len(hist[addr]) > 0 {
				active = true
				next = start + uint32(i) + 1
			}
		}
		if !active {
			break
		}
	}
	return next, nil
}
