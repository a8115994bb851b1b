// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressScript decodes the address and returns its output script.
func AddressScript(addr string, params *chaincfg.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("error decoding address %q: %w", addr, err)
	}
	if !a.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", addr, params.Name)
	}
	return txscript.PayToAddrScript(a)
}

// AddressScriptHash is the Electrum script hash of the address's output script.
func AddressScriptHash(addr string, params *chaincfg.Params) (string, error) {
	script, err := AddressScript(addr, params)
	if err != nil {
		return "", err
	}
	return ScriptHash(script), nil
}

// ExtractAddress returns the single address paid by the output script. The
// Keva prefix of namespace outputs is skipped. An empty string is returned for
// scripts that do not pay a single standard address.
func ExtractAddress(pkScript []byte, params *chaincfg.Params) string {
	if IsKevaScript(pkScript) {
		op, err := ParseScript(pkScript)
		if err != nil {
			return ""
		}
		pkScript = op.Tail
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// StandardScript returns the spendable standard part of an output script,
// stripping any Keva prefix.
func StandardScript(pkScript []byte) []byte {
	if !IsKevaScript(pkScript) {
		return pkScript
	}
	op, err := ParseScript(pkScript)
	if err != nil {
		return pkScript
	}
	return op.Tail
}
