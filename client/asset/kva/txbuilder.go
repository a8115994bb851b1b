// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"kevacoin.org/kvaelectrum/client/asset/kva/electrum"
	"kevacoin.org/kvaelectrum/dex"
	dexkva "kevacoin.org/kvaelectrum/dex/networks/kva"
)

const (
	txVersion = 2
	// kevaTxVersion is the version of transactions carrying a Keva output.
	kevaTxVersion = 0x7100
)

// Recipient is an output of a new transaction. A zero Value sends what
// remains of the balance after the other recipients and the fee.
type Recipient struct {
	Address string
	Value   int64
}

// TxRequest is a request to create a transaction.
type TxRequest struct {
	Recipients []*Recipient
	// FeeRate is in sat/byte.
	FeeRate uint64
	// ChangeAddress defaults to an unused change address.
	ChangeAddress string
	// SkipSigning produces an unsigned PSBT instead of a signed
	// transaction.
	SkipSigning bool
}

// CreatedTx is a new transaction.
type CreatedTx struct {
	TxID string
	// Hex is the serialized signed transaction, or the unsigned one when
	// signing was skipped.
	Hex string
	// PSBT is the base64 encoded PSBT. Signed transactions carry the partial
	// signatures and final scripts.
	PSBT        string
	Fee         int64
	FeeRate     uint64
	Inputs      []*UTXO
	ChangeIndex int
	Signed      bool
	Tx          *wire.MsgTx
}

// buildParams are the wallet internal parameters of a transaction.
type buildParams struct {
	outputs     []*wire.TxOut
	feeRate     uint64
	changeAddr  string
	utxos       []*UTXO
	pinned      *UTXO
	version     int32
	skipSigning bool
	// prepare, if set, can modify the outputs once inputs are selected. It
	// must not change output sizes.
	prepare func(tx *wire.MsgTx) error
}

// spendable lists the unspent outputs that can fund a transaction. Outputs
// holding a namespace are never spent by ordinary transactions.
func (w *Wallet) spendable() []*UTXO {
	var utxos []*UTXO
	for _, u := range w.GetUtxo() {
		if !u.IsNamespace() {
			utxos = append(utxos, u)
		}
	}
	return utxos
}

// CreateTransaction selects inputs, and builds and signs a transaction
// paying the recipients.
func (w *Wallet) CreateTransaction(ctx context.Context, req *TxRequest) (*CreatedTx, error) {
	w.opMtx.Lock()
	defer w.opMtx.Unlock()

	if len(req.Recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	outs := make([]*wire.TxOut, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r.Value < 0 {
			return nil, fmt.Errorf("negative amount %d for %s", r.Value, r.Address)
		}
		script, err := dexkva.AddressScript(r.Address, w.net)
		if err != nil {
			return nil, err
		}
		if r.Value > 0 && isDust(r.Value, script) {
			return nil, fmt.Errorf("amount %d to %s is dust", r.Value, r.Address)
		}
		outs = append(outs, wire.NewTxOut(r.Value, script))
	}
	changeAddr := req.ChangeAddress
	if changeAddr == "" {
		var err error
		if changeAddr, err = w.nextUnused(ctx, ChainInternal); err != nil {
			return nil, err
		}
	}
	return w.buildTransaction(ctx, &buildParams{
		outputs:     outs,
		feeRate:     req.FeeRate,
		changeAddr:  changeAddr,
		utxos:       w.spendable(),
		version:     txVersion,
		skipSigning: req.SkipSigning,
	})
}

// inputInfo is what signing an input needs to know about the output it
// spends.
type inputInfo struct {
	prevScript []byte
	value      int64
	prevTx     *electrum.GetTransactionResult
	addr       string
}

func (w *Wallet) inputInfos(ctx context.Context, ins []*UTXO) ([]*inputInfo, error) {
	txids := make([]string, 0, len(ins))
	for _, in := range ins {
		txids = append(txids, in.TxID)
	}
	prevTxs, err := w.q.transactions(ctx, txids)
	if err != nil {
		return nil, err
	}
	infos := make([]*inputInfo, 0, len(ins))
	for _, in := range ins {
		prev := prevTxs[in.TxID]
		if prev == nil || int(in.Vout) >= len(prev.Vout) {
			return nil, fmt.Errorf("previous output %s not found", in)
		}
		script, err := outputScript(&prev.Vout[in.Vout])
		if err != nil {
			return nil, fmt.Errorf("previous output %s: %w", in, err)
		}
		value, err := toSats(prev.Vout[in.Vout].Value)
		if err != nil {
			return nil, err
		}
		if value != in.Value {
			return nil, dex.NewError(dex.ErrProtocol, fmt.Sprintf("output %s value %d, listed as %d", in, value, in.Value))
		}
		infos = append(infos, &inputInfo{
			prevScript: script,
			value:      value,
			prevTx:     prev,
			addr:       dexkva.ExtractAddress(script, w.net),
		})
	}
	return infos, nil
}

// keyPath is the BIP32 origin of a wallet key.
type keyPath struct {
	pub  *btcec.PublicKey
	path []uint32
}

func (w *Wallet) keyPath(addr string) (*keyPath, error) {
	if w.hd == nil {
		if addr != w.single.address {
			return nil, fmt.Errorf("address %s is not the wallet's", addr)
		}
		return &keyPath{pub: w.single.pubKey()}, nil
	}
	chain, index, found := w.hd.lookup(addr)
	if !found {
		return nil, fmt.Errorf("address %s is not the wallet's", addr)
	}
	pub, err := w.hd.pubKeyAt(chain, index)
	if err != nil {
		return nil, err
	}
	return &keyPath{pub: pub, path: w.hd.derivationPath(chain, index)}, nil
}

func (w *Wallet) privKey(addr string) (*btcec.PrivateKey, error) {
	if w.hd == nil {
		return w.single.wif.PrivKey, nil
	}
	chain, index, found := w.hd.lookup(addr)
	if !found {
		return nil, fmt.Errorf("address %s is not the wallet's", addr)
	}
	return w.hd.privKeyAt(chain, index)
}

func (w *Wallet) buildTransaction(ctx context.Context, p *buildParams) (*CreatedTx, error) {
	if !p.skipSigning && w.WatchOnly() {
		return nil, ErrWatchOnly
	}
	changeScript, err := dexkva.AddressScript(p.changeAddr, w.net)
	if err != nil {
		return nil, fmt.Errorf("change address: %w", err)
	}
	st := w.kind.scriptType()
	sel, err := selectCoins(&selectParams{
		utxos:        p.utxos,
		pinned:       p.pinned,
		outputs:      p.outputs,
		changeScript: changeScript,
		st:           st,
	}, p.feeRate)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(p.version)
	for _, in := range sel.inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q: %w", in.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}
	for _, out := range sel.outputs {
		tx.AddTxOut(out)
	}
	if p.prepare != nil {
		if err := p.prepare(tx); err != nil {
			return nil, err
		}
	}

	infos, err := w.inputInfos(ctx, sel.inputs)
	if err != nil {
		return nil, err
	}
	packet, err := w.newPacket(tx, sel, infos)
	if err != nil {
		return nil, err
	}

	created := &CreatedTx{
		Fee:         sel.fee,
		FeeRate:     sel.feeRate,
		Inputs:      sel.inputs,
		ChangeIndex: sel.changeIdx,
	}
	if !p.skipSigning {
		if err := w.signPacket(packet, infos); err != nil {
			return nil, err
		}
		if tx, err = psbt.Extract(packet); err != nil {
			return nil, fmt.Errorf("error extracting signed transaction: %w", err)
		}
		created.Signed = true
	}
	if created.PSBT, err = packet.B64Encode(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	created.Tx = tx
	created.Hex = hex.EncodeToString(buf.Bytes())
	created.TxID = tx.TxHash().String()
	w.log.Debugf("Wallet %s: created transaction %s spending %d inputs, fee %d at %d sat/byte",
		w.id, created.TxID, len(sel.inputs), sel.fee, sel.feeRate)
	return created, nil
}

// newPacket creates the PSBT of the unsigned transaction with the previous
// outputs, redeem scripts and key origins needed to sign it.
func (w *Wallet) newPacket(tx *wire.MsgTx, sel *coinSelection, infos []*inputInfo) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	upd, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}
	st := w.kind.scriptType()
	var fingerprint uint32
	if w.hd != nil {
		fingerprint = w.hd.fingerprint
	}
	for i, info := range infos {
		kp, err := w.keyPath(info.addr)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		switch st {
		case scriptP2PKH:
			prevTx, err := decodeTx(info.prevTx.Hex)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			err = upd.AddInNonWitnessUtxo(prevTx, i)
			if err != nil {
				return nil, err
			}
		case scriptP2SHP2WPKH:
			if err := upd.AddInWitnessUtxo(wire.NewTxOut(info.value, info.prevScript), i); err != nil {
				return nil, err
			}
			redeem, err := st.redeemScript(kp.pub)
			if err != nil {
				return nil, err
			}
			if err := upd.AddInRedeemScript(redeem, i); err != nil {
				return nil, err
			}
		case scriptP2WPKH:
			if err := upd.AddInWitnessUtxo(wire.NewTxOut(info.value, info.prevScript), i); err != nil {
				return nil, err
			}
		}
		if err := upd.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return nil, err
		}
		if kp.path != nil {
			if err := upd.AddInBip32Derivation(fingerprint, kp.path, kp.pub.SerializeCompressed(), i); err != nil {
				return nil, err
			}
		}
	}
	if sel.changeIdx >= 0 && w.hd != nil {
		changeAddr := dexkva.ExtractAddress(tx.TxOut[sel.changeIdx].PkScript, w.net)
		if kp, err := w.keyPath(changeAddr); err == nil {
			err = upd.AddOutBip32Derivation(fingerprint, kp.path, kp.pub.SerializeCompressed(), sel.changeIdx)
			if err != nil {
				return nil, err
			}
		}
	}
	return packet, nil
}

func decodeTx(txHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

// signPacket signs and finalizes every input. Each signature is verified
// as soon as it is produced.
func (w *Wallet) signPacket(packet *psbt.Packet, infos []*inputInfo) error {
	tx := packet.UnsignedTx
	st := w.kind.scriptType()
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, info := range infos {
		prevOuts.AddPrevOut(tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(info.value, info.prevScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	for i, info := range infos {
		key, err := w.privKey(info.addr)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		pub := key.PubKey()
		pubBytes := pub.SerializeCompressed()

		var sig, sigHash []byte
		pin := &packet.Inputs[i]
		// The Keva prefix of a namespace output is not part of the script
		// that is executed and signed.
		subScript := dexkva.StandardScript(info.prevScript)
		switch st {
		case scriptP2PKH:
			if sig, err = txscript.RawTxInSignature(tx, i, subScript, txscript.SigHashAll, key); err != nil {
				return err
			}
			if sigHash, err = txscript.CalcSignatureHash(subScript, txscript.SigHashAll, tx, i); err != nil {
				return err
			}
		default:
			program := subScript
			if st == scriptP2SHP2WPKH {
				program = pin.RedeemScript
			}
			sig, err = txscript.RawTxInWitnessSignature(tx, sigHashes, i, info.value, program, txscript.SigHashAll, key)
			if err != nil {
				return err
			}
			sigHash, err = txscript.CalcWitnessSigHash(program, sigHashes, txscript.SigHashAll, tx, i, info.value)
			if err != nil {
				return err
			}
		}
		if !verifySignature(sig, sigHash, pub) {
			return dex.NewError(dex.ErrInvalidSignature, fmt.Sprintf("input %d", i))
		}

		pin.PartialSigs = append(pin.PartialSigs, &psbt.PartialSig{PubKey: pubBytes, Signature: sig})
		switch st {
		case scriptP2PKH:
			pin.FinalScriptSig, err = txscript.NewScriptBuilder().AddData(sig).AddData(pubBytes).Script()
		case scriptP2SHP2WPKH:
			pin.FinalScriptSig, err = txscript.NewScriptBuilder().AddData(pin.RedeemScript).Script()
			if err == nil {
				pin.FinalScriptWitness, err = serializeWitness(sig, pubBytes)
			}
		case scriptP2WPKH:
			pin.FinalScriptWitness, err = serializeWitness(sig, pubBytes)
		}
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

// verifySignature checks a DER signature with its trailing sighash type.
func verifySignature(sig, sigHash []byte, pub *btcec.PublicKey) bool {
	if len(sig) < 2 {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	return parsed.Verify(sigHash, pub)
}

func serializeWitness(items ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(items))); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Broadcast sends a signed transaction to the network.
func (w *Wallet) Broadcast(ctx context.Context, txHex string) (string, error) {
	txid, err := w.q.c.Broadcast(ctx, txHex)
	if err != nil {
		return "", err
	}
	w.log.Infof("Wallet %s: broadcast transaction %s", w.id, txid)
	return txid, nil
}
