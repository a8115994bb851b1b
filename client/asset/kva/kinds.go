// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

// WalletKind is the type of a wallet. The single key kinds hold one imported
// private key. The HD kinds derive addresses from a BIP32 account.
type WalletKind uint8

const (
	KindLegacy WalletKind = iota + 1
	KindSegwitP2SH
	KindSegwitBech32
	KindHDLegacyP2PKH
	KindHDSegwitP2SH
	KindHDSegwitBech32
)

var walletKindNames = map[WalletKind]string{
	KindLegacy:         "legacy",
	KindSegwitP2SH:     "segwitP2SH",
	KindSegwitBech32:   "segwitBech32",
	KindHDLegacyP2PKH:  "HDlegacyP2PKH",
	KindHDSegwitP2SH:   "HDsegwitP2SH",
	KindHDSegwitBech32: "HDsegwitBech32",
}

// String returns the kind's name.
func (k WalletKind) String() string {
	if s, ok := walletKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("WalletKind(%d)", uint8(k))
}

// ParseWalletKind parses a name returned by String.
func ParseWalletKind(s string) (WalletKind, error) {
	for k, name := range walletKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown wallet kind %q", s)
}

// UnmarshalFlag satisfies the go-flags Unmarshaler interface.
func (k *WalletKind) UnmarshalFlag(s string) error {
	kind, err := ParseWalletKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// IsHD is true for the BIP32 kinds.
func (k WalletKind) IsHD() bool {
	switch k {
	case KindHDLegacyP2PKH, KindHDSegwitP2SH, KindHDSegwitBech32:
		return true
	}
	return false
}

func (k WalletKind) valid() bool {
	_, ok := walletKindNames[k]
	return ok
}

// scriptType is the output script type of a wallet's addresses.
type scriptType uint8

const (
	scriptP2PKH scriptType = iota
	scriptP2SHP2WPKH
	scriptP2WPKH
)

func (k WalletKind) scriptType() scriptType {
	switch k {
	case KindLegacy, KindHDLegacyP2PKH:
		return scriptP2PKH
	case KindSegwitP2SH, KindHDSegwitP2SH:
		return scriptP2SHP2WPKH
	}
	return scriptP2WPKH
}

// purpose is the BIP43 purpose of the account path.
func (st scriptType) purpose() uint32 {
	switch st {
	case scriptP2PKH:
		return 44
	case scriptP2SHP2WPKH:
		return 49
	}
	return 84
}

func (st scriptType) String() string {
	switch st {
	case scriptP2PKH:
		return "p2pkh"
	case scriptP2SHP2WPKH:
		return "p2sh-p2wpkh"
	}
	return "p2wpkh"
}

// extendedKeyVersions are the public key version bytes of the SLIP-0132
// representations.
var extendedKeyVersions = map[string]map[scriptType][4]byte{
	"main": {
		scriptP2PKH:      {0x04, 0x88, 0xb2, 0x1e}, // xpub
		scriptP2SHP2WPKH: {0x04, 0x9d, 0x7c, 0xb2}, // ypub
		scriptP2WPKH:     {0x04, 0xb2, 0x47, 0x46}, // zpub
	},
	"test": {
		scriptP2PKH:      {0x04, 0x35, 0x87, 0xcf}, // tpub
		scriptP2SHP2WPKH: {0x04, 0x4a, 0x52, 0x62}, // upub
		scriptP2WPKH:     {0x04, 0x5f, 0x1c, 0xf6}, // vpub
	},
}

func (st scriptType) pubVersion(net *chaincfg.Params) [4]byte {
	if net.Net == dexkva.MainNetParams.Net {
		return extendedKeyVersions["main"][st]
	}
	return extendedKeyVersions["test"][st]
}

// address returns the address of the public key.
func (st scriptType) address(pub *btcec.PublicKey, net *chaincfg.Params) (btcutil.Address, error) {
	pkHash := btcutil.Hash160(pub.SerializeCompressed())
	switch st {
	case scriptP2PKH:
		return btcutil.NewAddressPubKeyHash(pkHash, net)
	case scriptP2SHP2WPKH:
		redeem, err := p2wpkhScript(pkHash)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeem, net)
	}
	return btcutil.NewAddressWitnessPubKeyHash(pkHash, net)
}

func p2wpkhScript(pkHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pkHash).Script()
}

// redeemScript is the P2SH redeem script for nested segwit, nil otherwise.
func (st scriptType) redeemScript(pub *btcec.PublicKey) ([]byte, error) {
	if st != scriptP2SHP2WPKH {
		return nil, nil
	}
	return p2wpkhScript(btcutil.Hash160(pub.SerializeCompressed()))
}

// vsize estimates the virtual size of a signed transaction spending numIns
// inputs of this type. changeScriptSize is 0 for no change output.
func (st scriptType) vsize(numIns int, outs []*wire.TxOut, changeScriptSize int) int {
	switch st {
	case scriptP2PKH:
		return txsizes.EstimateVirtualSize(numIns, 0, 0, 0, outs, changeScriptSize)
	case scriptP2SHP2WPKH:
		return txsizes.EstimateVirtualSize(0, 0, 0, numIns, outs, changeScriptSize)
	}
	return txsizes.EstimateVirtualSize(0, 0, numIns, 0, outs, changeScriptSize)
}
