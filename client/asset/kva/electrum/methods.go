// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol method names.
const (
	MethodVersion          = "server.version"
	MethodPing             = "server.ping"
	MethodFeatures         = "server.features"
	MethodPeers            = "server.peers.subscribe"
	MethodGetBalance       = "blockchain.scripthash.get_balance"
	MethodGetHistory       = "blockchain.scripthash.get_history"
	MethodListUnspent      = "blockchain.scripthash.listunspent"
	MethodGetTransaction   = "blockchain.transaction.get"
	MethodGetMerkle        = "blockchain.transaction.get_merkle"
	MethodIDFromPos        = "blockchain.transaction.id_from_pos"
	MethodBroadcast        = "blockchain.transaction.broadcast"
	MethodEstimateFee      = "blockchain.estimatefee"
	MethodRelayFee         = "blockchain.relayfee"
	MethodBlockHeader      = "blockchain.block.header"
	MethodHeadersSubscribe = "blockchain.headers.subscribe"
	MethodKevaKeyValues    = "blockchain.keva.get_keyvalues"
	MethodKevaHashtag      = "blockchain.keva.get_hashtag"
	MethodKevaReactions    = "blockchain.keva.get_keyvalue_reactions"
	MethodKevaTxsInfo      = "blockchain.keva.get_transactions_info"
)

// Default ports of peers that announce a transport without one.
const (
	defaultTCPPort = 50001
	defaultSSLPort = 50002
)

// ServerFeatures is the result of a server.features request.
type ServerFeatures struct {
	// Genesis is the hash of the genesis block of the server's chain.
	Genesis  string                       `json:"genesis_hash"`
	Hosts    map[string]map[string]uint32 `json:"hosts"`
	ProtoMax string                       `json:"protocol_max"`
	ProtoMin string                       `json:"protocol_min"`
	Version  string                       `json:"server_version"`
	HashFunc string                       `json:"hash_function"`
}

// Features requests the features claimed by the server.
func (sc *ServerConn) Features(ctx context.Context) (*ServerFeatures, error) {
	var feats ServerFeatures
	if err := sc.Request(ctx, MethodFeatures, nil, &feats); err != nil {
		return nil, err
	}
	return &feats, nil
}

// PeersResult is one server announced by server.peers.subscribe. Addr is an
// IP address or .onion name. Feats are the announced features, such as "v1.4",
// "s50002" or "t".
type PeersResult struct {
	Addr  string
	Host  string
	Feats []string
}

// UnmarshalJSON decodes the [addr, host, [features...]] form.
func (p *PeersResult) UnmarshalJSON(b []byte) error {
	var entry []json.RawMessage
	if err := json.Unmarshal(b, &entry); err != nil {
		return err
	}
	if len(entry) != 3 {
		return fmt.Errorf("peer entry of length %d", len(entry))
	}
	if err := json.Unmarshal(entry[0], &p.Addr); err != nil {
		return err
	}
	if err := json.Unmarshal(entry[1], &p.Host); err != nil {
		return err
	}
	return json.Unmarshal(entry[2], &p.Feats)
}

// Peers requests the servers known to the server. Malformed entries are
// skipped.
func (sc *ServerConn) Peers(ctx context.Context) ([]*PeersResult, error) {
	var entries []json.RawMessage
	if err := sc.Request(ctx, MethodPeers, nil, &entries); err != nil {
		return nil, err
	}
	peers := make([]*PeersResult, 0, len(entries))
	for _, entry := range entries {
		var p PeersResult
		if err := json.Unmarshal(entry, &p); err != nil {
			sc.debug("Skipping peer entry %s: %v", entry, err)
			continue
		}
		peers = append(peers, &p)
	}
	return peers, nil
}

// AnnouncedPeers converts announced servers to dialable peers. TLS is used
// whenever a server offers it. Plain TCP is only accepted for .onion hosts,
// and only when includeOnion is set.
func AnnouncedPeers(results []*PeersResult, includeOnion bool) []*Peer {
	var peers []*Peer
	for _, r := range results {
		host := r.Host
		if host == "" {
			host = r.Addr
		}
		onion := strings.HasSuffix(host, ".onion")
		if onion && !includeOnion {
			continue
		}
		var ssl, tcp int
		for _, feat := range r.Feats {
			if feat == "" {
				continue
			}
			port := 0
			if len(feat) > 1 {
				var err error
				if port, err = strconv.Atoi(feat[1:]); err != nil {
					continue
				}
			}
			switch feat[0] {
			case 's':
				ssl = port
				if port == 0 {
					ssl = defaultSSLPort
				}
			case 't':
				tcp = port
				if port == 0 {
					tcp = defaultTCPPort
				}
			}
		}
		var p *Peer
		switch {
		case ssl > 0:
			p = &Peer{Host: host, Port: ssl, TLS: true}
		case onion && tcp > 0:
			p = &Peer{Host: host, Port: tcp}
		default:
			continue
		}
		if p.Valid() {
			peers = append(peers, p)
		}
	}
	return peers
}

// SubscribeHeadersResult is the contents of a block header notification.
type SubscribeHeadersResult struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// SubscribeHeaders subscribes for block header notifications. There is no
// guarantee of a notification for every block, such as when blocks arrive in
// rapid succession.
func (sc *ServerConn) SubscribeHeaders(ctx context.Context) (*SubscribeHeadersResult, <-chan *SubscribeHeadersResult, error) {
	c := sc.registerSub(MethodHeadersSubscribe)

	var resp SubscribeHeadersResult
	err := sc.Request(ctx, MethodHeadersSubscribe, nil, &resp)
	if err != nil {
		return nil, nil, err
	}

	ntfnChan := make(chan *SubscribeHeadersResult, 10)

	go func() {
		defer close(ntfnChan)

		for data := range c {
			var res []*SubscribeHeadersResult
			err := json.Unmarshal(data, &res)
			if err != nil {
				sc.debug("SubscribeHeaders - unmarshal ntfn data: %v", err)
				continue
			}

			for _, r := range res { // should just be one, but the params are a slice...
				ntfnChan <- r
			}
		}
	}()

	return &resp, ntfnChan, nil
}

// Requester performs a single request. *ServerConn and *Session are
// Requesters.
type Requester interface {
	Request(ctx context.Context, method string, args, result any) error
}

// Client adds the typed blockchain methods to a Requester. Scripthash methods
// that are usually issued many at a time are sent with Batch instead, and
// only their result types are defined here.
type Client struct {
	Requester
}

// GetBalanceResult is the balance of a script hash in satoshis.
type GetBalanceResult struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// GetHistoryResult is one entry of a script hash history. Height is 0 for
// mempool transactions, and -1 for mempool transactions with unconfirmed
// inputs.
type GetHistoryResult struct {
	Height int64  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    int64  `json:"fee,omitempty"` // mempool only
}

// GetHistory requests the confirmed and mempool history of the script hash.
func (c Client) GetHistory(ctx context.Context, scriptHash string) ([]*GetHistoryResult, error) {
	var resp []*GetHistoryResult
	if err := c.Request(ctx, MethodGetHistory, positional{scriptHash}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListUnspentResult is one unspent output paying to a script hash.
type ListUnspentResult struct {
	Height int64  `json:"height"`
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
}

// SigScript represents the signature script in a Vin returned by a transaction
// request.
type SigScript struct {
	Asm string `json:"asm"`
	Hex string `json:"hex"`
}

// Vin represents a transaction input in a requested transaction.
type Vin struct {
	TxID      string     `json:"txid"`
	Vout      uint32     `json:"vout"`
	SigScript *SigScript `json:"scriptsig"`
	Witness   []string   `json:"txinwitness,omitempty"`
	Sequence  uint32     `json:"sequence"`
	Coinbase  string     `json:"coinbase,omitempty"`
}

// PkScript represents the scriptPubKey of a transaction output returned by a
// transaction request. Addresses is not reliable for Keva outputs, decode Hex
// instead.
type PkScript struct {
	Asm       string   `json:"asm"`
	Hex       string   `json:"hex"`
	ReqSigs   uint32   `json:"reqsigs"`
	Type      string   `json:"type"`
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Vout represents a transaction output in a requested transaction. Value is in
// coins, not satoshis.
type Vout struct {
	Value    json.Number `json:"value"`
	N        uint32      `json:"n"`
	PkScript PkScript    `json:"scriptpubkey"`
}

// GetTransactionResult is the data returned by a verbose transaction request.
type GetTransactionResult struct {
	TxID          string `json:"txid"`
	Version       uint32 `json:"version"`
	Size          uint32 `json:"size"`
	VSize         uint32 `json:"vsize"`
	Weight        uint32 `json:"weight"`
	LockTime      uint32 `json:"locktime"`
	Hex           string `json:"hex"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
	BlockHash     string `json:"blockhash,omitempty"`
	Confirmations int64  `json:"confirmations,omitempty"`
	Time          int64  `json:"time,omitempty"`
	BlockTime     int64  `json:"blocktime,omitempty"`
}

// GetMerkleResult is the merkle branch of a transaction and its position in
// the block.
type GetMerkleResult struct {
	BlockHeight int64    `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// GetMerkle requests the merkle branch of a confirmed transaction.
func (c Client) GetMerkle(ctx context.Context, txid string, height int64) (*GetMerkleResult, error) {
	var resp GetMerkleResult
	if err := c.Request(ctx, MethodGetMerkle, positional{txid, height}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TransactionIDFromPos requests the ID of the transaction at position pos of
// the block at height.
func (c Client) TransactionIDFromPos(ctx context.Context, height int64, pos uint32) (string, error) {
	var txid string
	if err := c.Request(ctx, MethodIDFromPos, positional{height, pos}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// Broadcast sends a serialized transaction to the network, returning its ID.
func (c Client) Broadcast(ctx context.Context, txHex string) (string, error) {
	var txid string
	if err := c.Request(ctx, MethodBroadcast, positional{txHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateFee requests the fee rate in coins per kilobyte needed for a
// transaction to be confirmed within the number of blocks. The server returns
// -1 when it has no estimate.
func (c Client) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	var resp floatString
	if err := c.Request(ctx, MethodEstimateFee, positional{blocks}, &resp); err != nil {
		return 0, err
	}
	return float64(resp), nil
}

// RelayFee requests the minimum fee rate in coins per kilobyte the server's
// daemon relays.
func (c Client) RelayFee(ctx context.Context) (float64, error) {
	var resp floatString
	if err := c.Request(ctx, MethodRelayFee, nil, &resp); err != nil {
		return 0, err
	}
	return float64(resp), nil
}

// BlockHeader requests the hex encoded header of the block at height.
func (c Client) BlockHeader(ctx context.Context, height int64) (string, error) {
	var hdr string
	if err := c.Request(ctx, MethodBlockHeader, positional{height}, &hdr); err != nil {
		return "", err
	}
	return hdr, nil
}

// KevaTxInfo describes one Keva operation indexed by the server. Script is the
// hex encoded output script carrying the operation, found at output N of the
// transaction.
type KevaTxInfo struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Time   int64  `json:"time"`
	N      uint32 `json:"n"`
	Script string `json:"script"`
}

// KevaKeyValuesResult is a page of Keva operations. MinTxNum is passed to the
// next request to continue paging to older operations.
type KevaKeyValuesResult struct {
	KeyValues []*KevaTxInfo `json:"keyvalues"`
	MinTxNum  int64         `json:"min_tx_num"`
}

// KevaKeyValues requests the Keva operations filed under the script hash,
// newest first, starting before minTxNum. Pass -1 for the first page.
func (c Client) KevaKeyValues(ctx context.Context, scriptHash string, minTxNum int64) (*KevaKeyValuesResult, error) {
	var resp KevaKeyValuesResult
	if err := c.Request(ctx, MethodKevaKeyValues, positional{scriptHash, minTxNum}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KevaHashtagResult is a page of Keva operations mentioning a hashtag.
type KevaHashtagResult struct {
	Hashtags []*KevaTxInfo `json:"hashtags"`
	MinTxNum int64         `json:"min_tx_num"`
}

// KevaHashtag requests the Keva operations mentioning the hashtag with the
// given script hash.
func (c Client) KevaHashtag(ctx context.Context, scriptHash string, minTxNum int64) (*KevaHashtagResult, error) {
	var resp KevaHashtagResult
	if err := c.Request(ctx, MethodKevaHashtag, positional{scriptHash, minTxNum}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KevaReactionsResult are the reactions to a Keva operation.
type KevaReactionsResult struct {
	Likes    int64         `json:"likes"`
	Replies  []*KevaTxInfo `json:"replies"`
	Shares   []*KevaTxInfo `json:"shares"`
	Rewards  []*KevaTxInfo `json:"rewards"`
	MinTxNum int64         `json:"min_tx_num"`
}

// KevaReactions requests the replies, shares and rewards referencing the
// transaction.
func (c Client) KevaReactions(ctx context.Context, txid string, minTxNum int64) (*KevaReactionsResult, error) {
	var resp KevaReactionsResult
	if err := c.Request(ctx, MethodKevaReactions, positional{txid, minTxNum}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KevaTransactionsInfo requests the Keva operations of the transactions.
func (c Client) KevaTransactionsInfo(ctx context.Context, txids []string) ([]*KevaTxInfo, error) {
	var resp []*KevaTxInfo
	if err := c.Request(ctx, MethodKevaTxsInfo, positional{txids}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// peerKey identifies a peer regardless of transport.
func peerKey(p *Peer) string {
	return net.JoinHostPort(strings.ToLower(p.Host), strconv.Itoa(p.Port))
}
