// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

const conventionalConversionFactor = 1e8

var satsPerCoin = decimal.NewFromInt(conventionalConversionFactor)

// toSats converts a decimal coin amount from a verbose transaction to
// satoshis.
func toSats(v json.Number) (int64, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", v, err)
	}
	return d.Mul(satsPerCoin).Round(0).IntPart(), nil
}

// TxIO is an input or output of a ledger transaction. Address is empty for
// scripts that do not pay a single address.
type TxIO struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// NamespaceOp is the Keva operation carried by a transaction output.
type NamespaceOp struct {
	NamespaceID string        `json:"namespaceId"`
	Vout        uint32        `json:"vout"`
	Kind        dexkva.OpKind `json:"kind"`
	Key         string        `json:"key,omitempty"`
}

// TxRecord is a transaction touching one of the wallet's addresses.
type TxRecord struct {
	TxID          string `json:"txid"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	// Time is the block time in seconds, 0 for mempool transactions.
	Time        int64        `json:"time"`
	Inputs      []*TxIO      `json:"inputs"`
	Outputs     []*TxIO      `json:"outputs"`
	NamespaceOp *NamespaceOp `json:"namespaceOp,omitempty"`

	// Value is the net change of the wallet balance and Received is the time
	// in milliseconds. Both are set by GetTransactions.
	Value    int64 `json:"value"`
	Received int64 `json:"received"`
}

func (r *TxRecord) copy() *TxRecord {
	c := *r
	c.Inputs = append([]*TxIO(nil), r.Inputs...)
	c.Outputs = append([]*TxIO(nil), r.Outputs...)
	return &c
}

// UTXO is an unspent output paying one of the wallet's addresses.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         int64  `json:"value"`
	Address       string `json:"address"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	// NamespaceID is set for outputs carrying a Keva operation. Spending one
	// without a new Keva output would give up the namespace.
	NamespaceID string `json:"namespaceId,omitempty"`
}

// IsNamespace is true for outputs carrying a Keva operation.
func (u *UTXO) IsNamespace() bool {
	return u.NamespaceID != ""
}

func (u *UTXO) String() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// outputScript decodes the output script of a verbose transaction output.
func outputScript(vout *electrum.Vout) ([]byte, error) {
	return hex.DecodeString(vout.PkScript.Hex)
}

// namespaceOp decodes the Keva operation of an output script. nil is
// returned for other scripts.
func namespaceOp(script []byte, vout uint32) *NamespaceOp {
	if !dexkva.IsKevaScript(script) {
		return nil
	}
	op, err := dexkva.ParseScript(script)
	if err != nil {
		return nil
	}
	nsOp := &NamespaceOp{
		NamespaceID: dexkva.EncodeNamespaceID(op.NamespaceID),
		Vout:        vout,
		Kind:        op.Kind,
	}
	if op.Kind != dexkva.OpNamespace {
		nsOp.Key = dexkva.DecodeData(op.Key)
	}
	return nsOp
}

// txRecord builds the ledger entry of a verbose transaction. prevTxs holds
// the transactions spent by its inputs. Inputs whose previous transaction is
// unknown are skipped.
func txRecord(tx *electrum.GetTransactionResult, height, confs int64, prevTxs map[string]*electrum.GetTransactionResult,
	net *chaincfg.Params) (*TxRecord, error) {

	rec := &TxRecord{
		TxID:          tx.TxID,
		Height:        height,
		Confirmations: confs,
	}
	if height > 0 {
		rec.Time = tx.BlockTime
		if rec.Time == 0 {
			rec.Time = tx.Time
		}
	}
	for i := range tx.Vin {
		vin := &tx.Vin[i]
		if vin.Coinbase != "" {
			continue
		}
		prev := prevTxs[vin.TxID]
		if prev == nil || int(vin.Vout) >= len(prev.Vout) {
			continue
		}
		prevOut := &prev.Vout[vin.Vout]
		value, err := toSats(prevOut.Value)
		if err != nil {
			return nil, err
		}
		script, err := outputScript(prevOut)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", vin.TxID, vin.Vout, err)
		}
		rec.Inputs = append(rec.Inputs, &TxIO{Address: dexkva.ExtractAddress(script, net), Value: value})
	}
	for i := range tx.Vout {
		vout := &tx.Vout[i]
		value, err := toSats(vout.Value)
		if err != nil {
			return nil, err
		}
		script, err := outputScript(vout)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", tx.TxID, vout.N, err)
		}
		rec.Outputs = append(rec.Outputs, &TxIO{Address: dexkva.ExtractAddress(script, net), Value: value})
		if rec.NamespaceOp == nil {
			rec.NamespaceOp = namespaceOp(script, vout.N)
		}
	}
	return rec, nil
}
