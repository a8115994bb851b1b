// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"kevacoin.org/kvaelectrum/dex"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

func tUTXOs(values ...int64) []*UTXO {
	utxos := make([]*UTXO, 0, len(values))
	for i, v := range values {
		utxos = append(utxos, &UTXO{TxID: fmt.Sprintf("%064x", i+1), Value: v})
	}
	return utxos
}

func sumInputs(ins []*UTXO) (sum int64) {
	for _, u := range ins {
		sum += u.Value
	}
	return
}

func sumOutputs(outs []*wire.TxOut) (sum int64) {
	for _, out := range outs {
		sum += out.Value
	}
	return
}

func TestAccumulative(t *testing.T) {
	dest := mustScript(t, tForeignAddr(t))
	change := make([]byte, 22)
	change[0], change[1] = 0x00, 0x14
	const rate = 10
	feeNoChange := func(numIns int, amt int64) int64 {
		return feeFor(scriptP2WPKH, rate, numIns, []*wire.TxOut{wire.NewTxOut(amt, dest)}, 0)
	}
	feeWithChange := func(numIns int, amt int64) int64 {
		return feeFor(scriptP2WPKH, rate, numIns, []*wire.TxOut{wire.NewTxOut(amt, dest)}, len(change))
	}

	tests := []struct {
		name       string
		utxos      []*UTXO
		pinned     *UTXO
		amt        int64
		wantIns    []int64
		wantChange bool
		wantErr    error
	}{
		{
			name:       "change",
			utxos:      tUTXOs(1e6, 2e6, 5e6),
			amt:        2.5e6,
			wantIns:    []int64{1e6, 2e6},
			wantChange: true,
		},
		{
			name:    "dust change goes to fee",
			utxos:   tUTXOs(1e6),
			amt:     1e6 - feeNoChange(1, 1e6-1000) - 100,
			wantIns: []int64{1e6},
		},
		{
			name:       "input worth less than its fee is skipped",
			utxos:      tUTXOs(500, 1e6),
			amt:        5e5,
			wantIns:    []int64{1e6},
			wantChange: true,
		},
		{
			name:       "pinned input first",
			utxos:      tUTXOs(2e6, 3e6),
			pinned:     &UTXO{TxID: fmt.Sprintf("%064x", 99), Value: 1e6, NamespaceID: "N"},
			amt:        1e6,
			wantIns:    []int64{1e6, 2e6},
			wantChange: true,
		},
		{
			name:    "insufficient",
			utxos:   tUTXOs(1e6, 1e6),
			amt:     2e6,
			wantErr: dex.ErrInsufficientFunds,
		},
		{
			name:    "no inputs",
			amt:     1e5,
			wantErr: dex.ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := selectCoins(&selectParams{
				utxos:        tt.utxos,
				pinned:       tt.pinned,
				outputs:      []*wire.TxOut{wire.NewTxOut(tt.amt, dest)},
				changeScript: change,
				st:           scriptP2WPKH,
			}, rate)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(sel.inputs) != len(tt.wantIns) {
				t.Fatalf("wrong number of inputs %d: %s", len(sel.inputs), spew.Sdump(sel.inputs))
			}
			for i, v := range tt.wantIns {
				if sel.inputs[i].Value != v {
					t.Fatalf("input %d value %d, wanted %d", i, sel.inputs[i].Value, v)
				}
			}
			if tt.pinned != nil && sel.inputs[0] != tt.pinned {
				t.Fatalf("pinned input not first")
			}
			inAmt := sumInputs(sel.inputs)
			if inAmt-sumOutputs(sel.outputs) != sel.fee {
				t.Fatalf("fee %d does not balance inputs %d and outputs %d", sel.fee, inAmt, sumOutputs(sel.outputs))
			}
			if sel.outputs[0].Value != tt.amt {
				t.Fatalf("recipient output changed to %d", sel.outputs[0].Value)
			}
			if !tt.wantChange {
				if sel.changeIdx != -1 || len(sel.outputs) != 1 {
					t.Fatalf("unexpected change output")
				}
				if sel.fee < feeNoChange(len(sel.inputs), tt.amt) {
					t.Fatalf("fee %d below the minimum", sel.fee)
				}
				return
			}
			if sel.changeIdx != 1 || len(sel.outputs) != 2 {
				t.Fatalf("no change output")
			}
			if sel.fee != feeWithChange(len(sel.inputs), tt.amt) {
				t.Fatalf("wrong fee %d, wanted %d", sel.fee, feeWithChange(len(sel.inputs), tt.amt))
			}
		})
	}
}

func TestSplit(t *testing.T) {
	dest := mustScript(t, tForeignAddr(t))
	const rate = 5

	// One output takes everything.
	utxos := tUTXOs(1e6, 2e6, 100)
	sel, err := selectCoins(&selectParams{
		utxos:   utxos,
		outputs: []*wire.TxOut{wire.NewTxOut(0, dest)},
		st:      scriptP2WPKH,
	}, rate)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(sel.inputs))
	}
	fee := feeFor(scriptP2WPKH, rate, 2, []*wire.TxOut{wire.NewTxOut(0, dest)}, 0)
	if sel.outputs[0].Value != 3e6-fee || sel.fee != fee || sel.changeIdx != -1 {
		t.Fatalf("wrong split output %d, fee %d", sel.outputs[0].Value, sel.fee)
	}

	// A fixed output alongside the remainder.
	outs := []*wire.TxOut{wire.NewTxOut(1e6, dest), wire.NewTxOut(0, dest)}
	sel, err = selectCoins(&selectParams{utxos: utxos, outputs: outs, st: scriptP2WPKH}, rate)
	if err != nil {
		t.Fatal(err)
	}
	fee = feeFor(scriptP2WPKH, rate, 2, outs, 0)
	if sel.outputs[0].Value != 1e6 || sel.outputs[1].Value != 2e6-fee {
		t.Fatalf("wrong outputs %d, %d", sel.outputs[0].Value, sel.outputs[1].Value)
	}
	// The request is not modified.
	if outs[1].Value != 0 {
		t.Fatalf("request outputs modified")
	}

	// Two remainder outputs share evenly, the odd satoshi goes to the fee.
	outs = []*wire.TxOut{wire.NewTxOut(0, dest), wire.NewTxOut(0, dest)}
	sel, err = selectCoins(&selectParams{utxos: tUTXOs(1e6, 2e6+1), outputs: outs, st: scriptP2WPKH}, rate)
	if err != nil {
		t.Fatal(err)
	}
	if sel.outputs[0].Value != sel.outputs[1].Value {
		t.Fatalf("uneven shares %d, %d", sel.outputs[0].Value, sel.outputs[1].Value)
	}
	if 3e6+1-2*sel.outputs[0].Value != sel.fee {
		t.Fatalf("fee %d does not balance", sel.fee)
	}

	// Nothing worth spending.
	_, err = selectCoins(&selectParams{
		utxos:   tUTXOs(1000),
		outputs: []*wire.TxOut{wire.NewTxOut(0, dest)},
		st:      scriptP2WPKH,
	}, 100)
	if !errors.Is(err, dex.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestFeeRateLimits(t *testing.T) {
	dest := mustScript(t, tForeignAddr(t))
	p := &selectParams{
		utxos:        tUTXOs(1e8),
		outputs:      []*wire.TxOut{wire.NewTxOut(1e6, dest)},
		changeScript: dest,
		st:           scriptP2WPKH,
	}
	for _, tt := range []struct {
		in, want uint64
	}{
		{0, 1},
		{1, 1},
		{250, 250},
		{MaxFeeRate, MaxFeeRate},
		{5000, MaxFeeRate},
	} {
		sel, err := selectCoins(p, tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if sel.feeRate != tt.want {
			t.Fatalf("fee rate %d became %d, wanted %d", tt.in, sel.feeRate, tt.want)
		}
	}
}

func TestAbsurdFee(t *testing.T) {
	dest := mustScript(t, tForeignAddr(t))
	change := mustScript(t, tForeignAddr(t))
	values := make([]int64, 300)
	for i := range values {
		values[i] = 1e6
	}

	tests := []struct {
		name string
		outs []*wire.TxOut
	}{
		{"send all", []*wire.TxOut{wire.NewTxOut(0, dest)}},
		{"many inputs", []*wire.TxOut{wire.NewTxOut(2e8, dest)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &selectParams{
				utxos:        tUTXOs(values...),
				outputs:      tt.outs,
				changeScript: change,
				st:           scriptP2PKH,
			}
			// At the maximum rate the fee is absurd.
			if sel, err := accumulativeOrSplit(p, MaxFeeRate); err == nil && sel.fee < absurdFee {
				t.Fatalf("test setup: fee %d is not absurd", sel.fee)
			}
			sel, err := selectCoins(p, MaxFeeRate)
			if err != nil {
				t.Fatal(err)
			}
			if sel.fee >= absurdFee {
				t.Fatalf("fee %d still absurd", sel.fee)
			}
			if sel.feeRate >= MaxFeeRate || sel.feeRate < 1 {
				t.Fatalf("unexpected fee rate %d", sel.feeRate)
			}
			if sumInputs(sel.inputs)-sumOutputs(sel.outputs) != sel.fee {
				t.Fatalf("fee does not balance")
			}
		})
	}
}

func accumulativeOrSplit(p *selectParams, feeRate uint64) (*coinSelection, error) {
	if p.split() {
		return split(p, feeRate)
	}
	return accumulative(p, feeRate)
}

func TestIsDust(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 20)
	p2pkh := append(append([]byte{0x76, 0xa9, 0x14}, hash...), 0x88, 0xac)
	p2wpkh := append([]byte{0x00, 0x14}, hash...)
	tests := []struct {
		name   string
		amt    int64
		script []byte
		want   bool
	}{
		{"p2pkh below threshold", 545, p2pkh, true},
		{"p2pkh at threshold", 546, p2pkh, false},
		{"p2wpkh below threshold", 293, p2wpkh, true},
		{"p2wpkh at threshold", 294, p2wpkh, false},
		{"namespace value", dexkva.NamespaceValue, p2wpkh, false},
	}
	for _, tt := range tests {
		if got := isDust(tt.amt, tt.script); got != tt.want {
			t.Fatalf("%s: isDust(%d) = %t", tt.name, tt.amt, got)
		}
	}
}
