// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"kevacoin.org/kvaelectrum/dex"
)

const (
	// absurdFee is the largest fee, in satoshis, a transaction may pay.
	absurdFee = 10_000_000
	// MaxFeeRate caps the fee rate in sat/byte.
	MaxFeeRate = 1000
	// feeRateStep is the fee rate reduction per retry once a transaction's
	// fee is absurd.
	feeRateStep = 10
)

// coinSelection is the result of coin selection.
type coinSelection struct {
	inputs []*UTXO
	// outputs are the requested outputs in order, followed by the change
	// output if there is one.
	outputs   []*wire.TxOut
	changeIdx int // -1 without change
	fee       int64
	feeRate   uint64
}

// selectParams are the inputs to coin selection. Outputs with a zero value
// split whatever remains after the other outputs and the fee. This is how
// the whole balance is sent.
type selectParams struct {
	utxos []*UTXO
	// pinned, if set, is always spent as the first input.
	pinned       *UTXO
	outputs      []*wire.TxOut
	changeScript []byte
	st           scriptType
}

func (p *selectParams) split() bool {
	for _, out := range p.outputs {
		if out.Value == 0 {
			return true
		}
	}
	return false
}

func (p *selectParams) copyOutputs() []*wire.TxOut {
	outs := make([]*wire.TxOut, len(p.outputs))
	for i, out := range p.outputs {
		outs[i] = wire.NewTxOut(out.Value, out.PkScript)
	}
	return outs
}

func feeFor(st scriptType, feeRate uint64, numIns int, outs []*wire.TxOut, changeScriptSize int) int64 {
	size := st.vsize(numIns, outs, changeScriptSize)
	return int64(txrules.FeeForSerializeSize(btcutil.Amount(feeRate*1000), size))
}

// isDust reports whether an output of amt paying to script would be rejected
// as dust by relaying nodes.
func isDust(amt int64, script []byte) bool {
	return txrules.IsDustOutput(wire.NewTxOut(amt, script), txrules.DefaultRelayFeePerKb)
}

func insufficient(need, have int64) error {
	return dex.NewError(dex.ErrInsufficientFunds, fmt.Sprintf("need %d, have %d", need, have))
}

// candidates returns the inputs eligible for selection, the pinned input
// first. Inputs worth less than the fee to spend them are left out, except
// for the pinned input.
func (p *selectParams) candidates(feeRate uint64) []*UTXO {
	spendFee := feeFor(p.st, feeRate, 1, nil, 0) - feeFor(p.st, feeRate, 0, nil, 0)
	var cands []*UTXO
	if p.pinned != nil {
		cands = append(cands, p.pinned)
	}
	for _, u := range p.utxos {
		if p.pinned != nil && u.TxID == p.pinned.TxID && u.Vout == p.pinned.Vout {
			continue
		}
		if u.Value <= spendFee {
			continue
		}
		cands = append(cands, u)
	}
	return cands
}

// accumulative adds inputs in order until the outputs and fee are covered.
// Any excess that is not dust becomes change.
func accumulative(p *selectParams, feeRate uint64) (*coinSelection, error) {
	outs := p.copyOutputs()
	var outAmt int64
	for _, out := range outs {
		outAmt += out.Value
	}

	var ins []*UTXO
	var inAmt int64
	for _, u := range p.candidates(feeRate) {
		ins = append(ins, u)
		inAmt += u.Value
		if inAmt >= outAmt+feeFor(p.st, feeRate, len(ins), outs, 0) {
			break
		}
	}
	fee := feeFor(p.st, feeRate, len(ins), outs, 0)
	if len(ins) == 0 || inAmt < outAmt+fee {
		return nil, insufficient(outAmt+fee, inAmt)
	}

	sel := &coinSelection{
		inputs:    ins,
		changeIdx: -1,
		feeRate:   feeRate,
	}
	feeWithChange := feeFor(p.st, feeRate, len(ins), outs, len(p.changeScript))
	if change := inAmt - outAmt - feeWithChange; change > 0 && !isDust(change, p.changeScript) {
		outs = append(outs, wire.NewTxOut(change, p.changeScript))
		sel.changeIdx = len(outs) - 1
		sel.fee = feeWithChange
	} else {
		sel.fee = inAmt - outAmt
	}
	sel.outputs = outs
	return sel, nil
}

// split spends every eligible input. The zero value outputs share what
// remains after the fixed outputs and fee.
func split(p *selectParams, feeRate uint64) (*coinSelection, error) {
	outs := p.copyOutputs()
	var fixedAmt int64
	var shares []*wire.TxOut
	for _, out := range outs {
		if out.Value == 0 {
			shares = append(shares, out)
		}
		fixedAmt += out.Value
	}

	ins := p.candidates(feeRate)
	var inAmt int64
	for _, u := range ins {
		inAmt += u.Value
	}
	fee := feeFor(p.st, feeRate, len(ins), outs, 0)
	remaining := inAmt - fixedAmt - fee
	share := remaining / int64(len(shares))
	if len(ins) == 0 || share <= 0 {
		return nil, insufficient(fixedAmt+fee+1, inAmt)
	}
	for _, out := range shares {
		if isDust(share, out.PkScript) {
			return nil, insufficient(fixedAmt+fee+remaining-share+1, inAmt)
		}
		out.Value = share
	}
	return &coinSelection{
		inputs:    ins,
		outputs:   outs,
		changeIdx: -1,
		fee:       inAmt - fixedAmt - share*int64(len(shares)),
		feeRate:   feeRate,
	}, nil
}

// selectCoins selects inputs at the fee rate, capped at MaxFeeRate. When the
// resulting fee would be absurd, the fee rate is scaled down in proportion
// once, and then reduced stepwise until the fee is acceptable or cannot be
// reduced further.
func selectCoins(p *selectParams, feeRate uint64) (*coinSelection, error) {
	feeRate = max(1, min(feeRate, MaxFeeRate))
	pick := accumulative
	if p.split() {
		pick = split
	}

	sel, err := pick(p, feeRate)
	if err != nil || sel.fee < absurdFee {
		return sel, err
	}

	rate := feeRate * absurdFee / uint64(sel.fee)
	if rate >= feeRate {
		rate = feeRate - 1
	}
	for {
		rate = max(rate, 1)
		sel, err = pick(p, rate)
		if err != nil {
			return nil, err
		}
		if sel.fee < absurdFee {
			return sel, nil
		}
		if rate == 1 {
			return nil, dex.NewError(dex.ErrInsufficientFunds, fmt.Sprintf("fee %d exceeds the maximum %d", sel.fee, absurdFee))
		}
		if rate <= feeRateStep {
			rate = 1
		} else {
			rate -= feeRateStep
		}
	}
}
