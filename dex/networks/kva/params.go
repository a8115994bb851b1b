// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package kva holds the Kevacoin network parameters, standard script helpers
// and the Keva namespace script codec.
package kva

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"kevacoin.org/kvaelectrum/dex"
)

const (
	// CoinType is the BIP44 coin type used in derivation paths. Kevacoin
	// wallets derive on the Bitcoin coin type.
	CoinType = 0
	// BlockInterval is the target block spacing in seconds.
	BlockInterval = 120
	// DefaultGapLimit is the number of unused addresses scanned past the last
	// used index on each chain.
	DefaultGapLimit = 20
)

var (
	// MainNetParams are the clone parameters for mainnet.
	MainNetParams = cloneParams(&chaincfg.MainNetParams, &cloneOpts{
		name:             "kvamainnet",
		net:              0x6b617661,
		pubKeyHashAddrID: 0x32,
		scriptHashAddrID: 0x46,
		privateKeyID:     0x8b,
		bech32HRP:        "kva",
		coinbaseMaturity: 100,
		defaultPort:      "9338",
	})
	// TestNetParams are the clone parameters for testnet.
	TestNetParams = cloneParams(&chaincfg.TestNet3Params, &cloneOpts{
		name:             "kvatestnet",
		net:              0x6b617674,
		pubKeyHashAddrID: 0x6f,
		scriptHashAddrID: 0xc4,
		privateKeyID:     0xef,
		bech32HRP:        "tkva",
		coinbaseMaturity: 100,
		defaultPort:      "19338",
	})
	// RegressionNetParams are the clone parameters for regtest.
	RegressionNetParams = cloneParams(&chaincfg.RegressionNetParams, &cloneOpts{
		name:             "kvaregtest",
		net:              0x6b617672,
		pubKeyHashAddrID: 0x6f,
		scriptHashAddrID: 0xc4,
		privateKeyID:     0xef,
		bech32HRP:        "rkva",
		coinbaseMaturity: 100,
		defaultPort:      "19448",
	})
)

type cloneOpts struct {
	name             string
	net              uint32
	pubKeyHashAddrID byte
	scriptHashAddrID byte
	privateKeyID     byte
	bech32HRP        string
	coinbaseMaturity uint16
	defaultPort      string
}

func cloneParams(base *chaincfg.Params, opts *cloneOpts) *chaincfg.Params {
	p := *base
	p.Name = opts.name
	p.Net = wire.BitcoinNet(opts.net)
	p.DefaultPort = opts.defaultPort
	p.PubKeyHashAddrID = opts.pubKeyHashAddrID
	p.ScriptHashAddrID = opts.scriptHashAddrID
	p.PrivateKeyID = opts.privateKeyID
	p.Bech32HRPSegwit = opts.bech32HRP
	p.CoinbaseMaturity = opts.coinbaseMaturity
	p.HDCoinType = CoinType
	p.DNSSeeds = nil
	return &p
}

func init() {
	for _, params := range []*chaincfg.Params{MainNetParams, TestNetParams, RegressionNetParams} {
		err := chaincfg.Register(params)
		if err != nil {
			panic("failed to register kva parameters: " + err.Error())
		}
	}
}

// NetParams returns the chain parameters for the network.
func NetParams(network dex.Network) (*chaincfg.Params, error) {
	switch network {
	case dex.Mainnet:
		return MainNetParams, nil
	case dex.Testnet:
		return TestNetParams, nil
	case dex.Regtest:
		return RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network ID %v", network)
}
