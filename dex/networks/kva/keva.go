// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// Keva opcodes. These occupy the OP_UNKNOWN range of Bitcoin script.
const (
	OpKevaNamespace = 0xd0
	OpKevaPut       = 0xd1
	OpKevaDelete    = 0xd2
)

const (
	// NamespaceIDPrefix is the version byte of a namespace ID. Base58check
	// encoded namespace IDs start with 'N'.
	NamespaceIDPrefix = 0x35
	// NamespaceIDSize is the length of a namespace ID including the prefix.
	NamespaceIDSize = 1 + 20
	// NamespaceValue is the value in satoshis locked in every output that
	// carries a Keva operation.
	NamespaceValue = 1_000_000
	// MaxKeyLength and MaxValueLength are consensus limits on key and value
	// sizes.
	MaxKeyLength   = 255
	MaxValueLength = 3072

	rootSuffix = ":root"
)

// OpKind is the kind of a Keva operation.
type OpKind uint8

const (
	OpNone OpKind = iota
	OpNamespace
	OpPut
	OpDelete
)

// String returns the operation's name.
func (k OpKind) String() string {
	switch k {
	case OpNamespace:
		return "namespace"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "none"
}

// ErrNotKeva is returned by ParseScript when the script does not start with a
// Keva opcode.
var ErrNotKeva = errors.New("not a keva script")

// Op is a decoded Keva operation. For OpNamespace, Key holds the namespace
// display name and Value is nil. Tail is the standard script following the
// Keva prefix, which determines who can spend the output.
type Op struct {
	Kind        OpKind
	NamespaceID []byte
	Key         []byte
	Value       []byte
	Tail        []byte
}

// NamespaceID derives the ID of a namespace created by the output at vout of
// the transaction with hash txid. txid is in internal byte order, which is the
// reverse of its hex display.
func NamespaceID(txid *chainhash.Hash, vout uint32) []byte {
	b := make([]byte, 0, chainhash.HashSize+10)
	b = append(b, txid[:]...)
	b = append(b, strconv.FormatUint(uint64(vout), 10)...)
	return append([]byte{NamespaceIDPrefix}, btcutil.Hash160(b)...)
}

// EncodeNamespaceID base58check encodes a namespace ID.
func EncodeNamespaceID(nsID []byte) string {
	if len(nsID) == 0 {
		return ""
	}
	return base58.CheckEncode(nsID[1:], nsID[0])
}

// DecodeNamespaceID decodes a base58check encoded namespace ID.
func DecodeNamespaceID(s string) ([]byte, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid namespace ID %q: %w", s, err)
	}
	if version != NamespaceIDPrefix || len(payload) != NamespaceIDSize-1 {
		return nil, fmt.Errorf("invalid namespace ID %q: version %#x, length %d", s, version, len(payload)+1)
	}
	return append([]byte{version}, payload...), nil
}

func checkKeyValue(key, value []byte) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key length %d exceeds %d", len(key), MaxKeyLength)
	}
	if len(value) > MaxValueLength {
		return fmt.Errorf("value length %d exceeds %d", len(value), MaxValueLength)
	}
	return nil
}

// NamespaceScript builds the output script creating a namespace with the given
// display name, paid to addr.
func NamespaceScript(nsID, displayName []byte, addr btcutil.Address) ([]byte, error) {
	if err := checkKeyValue(displayName, nil); err != nil {
		return nil, err
	}
	return kevaScript(addr, func(b *txscript.ScriptBuilder) {
		b.AddOp(OpKevaNamespace).AddFullData(nsID).AddFullData(displayName).
			AddOp(txscript.OP_2DROP)
	})
}

// PutScript builds the output script writing key=value in the namespace, paid
// to addr.
func PutScript(nsID, key, value []byte, addr btcutil.Address) ([]byte, error) {
	if err := checkKeyValue(key, value); err != nil {
		return nil, err
	}
	return kevaScript(addr, func(b *txscript.ScriptBuilder) {
		b.AddOp(OpKevaPut).AddFullData(nsID).AddFullData(key).AddFullData(value).
			AddOp(txscript.OP_2DROP).AddOp(txscript.OP_DROP)
	})
}

// DeleteScript builds the output script deleting key from the namespace, paid
// to addr.
func DeleteScript(nsID, key []byte, addr btcutil.Address) ([]byte, error) {
	if err := checkKeyValue(key, nil); err != nil {
		return nil, err
	}
	return kevaScript(addr, func(b *txscript.ScriptBuilder) {
		b.AddOp(OpKevaDelete).AddFullData(nsID).AddFullData(key).
			AddOp(txscript.OP_2DROP)
	})
}

func kevaScript(addr btcutil.Address, prefix func(*txscript.ScriptBuilder)) ([]byte, error) {
	tail, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	b := txscript.NewScriptBuilder()
	prefix(b)
	script, err := b.Script()
	if err != nil {
		return nil, err
	}
	return append(script, tail...), nil
}

// IsKevaScript checks whether the script starts with a Keva opcode.
func IsKevaScript(script []byte) bool {
	if len(script) == 0 {
		return false
	}
	switch script[0] {
	case OpKevaNamespace, OpKevaPut, OpKevaDelete:
		return true
	}
	return false
}

// pushData returns the bytes pushed by a data push or small integer opcode.
func pushData(op byte, data []byte) ([]byte, bool) {
	switch {
	case op == txscript.OP_0:
		return []byte{}, true
	case op <= txscript.OP_PUSHDATA4:
		return data, true
	case op == txscript.OP_1NEGATE:
		return []byte{0x81}, true
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return []byte{op - txscript.OP_1 + 1}, true
	}
	return nil, false
}

// ParseScript decodes a Keva output script. ErrNotKeva is returned for
// scripts that do not start with a Keva opcode.
func ParseScript(script []byte) (*Op, error) {
	if !IsKevaScript(script) {
		return nil, ErrNotKeva
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	tokenizer.Next()
	op := &Op{}
	var numPushes int
	var drops []byte
	switch tokenizer.Opcode() {
	case OpKevaNamespace:
		op.Kind, numPushes, drops = OpNamespace, 2, []byte{txscript.OP_2DROP}
	case OpKevaPut:
		op.Kind, numPushes, drops = OpPut, 3, []byte{txscript.OP_2DROP, txscript.OP_DROP}
	case OpKevaDelete:
		op.Kind, numPushes, drops = OpDelete, 2, []byte{txscript.OP_2DROP}
	}

	pushes := make([][]byte, 0, numPushes)
	for i := 0; i < numPushes; i++ {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("truncated %s script: %v", op.Kind, tokenizer.Err())
		}
		data, ok := pushData(tokenizer.Opcode(), tokenizer.Data())
		if !ok {
			return nil, fmt.Errorf("%s script: expected data push at position %d, got opcode %#x",
				op.Kind, i+1, tokenizer.Opcode())
		}
		pushes = append(pushes, data)
	}
	for _, drop := range drops {
		if !tokenizer.Next() || tokenizer.Opcode() != drop {
			return nil, fmt.Errorf("%s script: missing %s", op.Kind, opName(drop))
		}
	}

	op.NamespaceID = pushes[0]
	op.Key = pushes[1]
	if op.Kind == OpPut {
		op.Value = pushes[2]
	}
	op.Tail = script[tokenizer.ByteIndex():]
	if len(op.Tail) == 0 {
		return nil, fmt.Errorf("%s script has no destination", op.Kind)
	}
	return op, nil
}

func opName(op byte) string {
	if op == txscript.OP_DROP {
		return "OP_DROP"
	}
	return "OP_2DROP"
}

// ScriptHash is the Electrum protocol script hash: the byte-reversed SHA-256
// of the output script, hex encoded.
func ScriptHash(script []byte) string {
	h := sha256.Sum256(script)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return hex.EncodeToString(h[:])
}

// lookupScript is the pseudo script the Keva index files operations under:
// OP_KEVA_PUT <a> <b> OP_2DROP OP_DROP OP_RETURN.
func lookupScript(a, b []byte) []byte {
	script, _ := txscript.NewScriptBuilder().AddOp(OpKevaPut).AddFullData(a).AddFullData(b).
		AddOp(txscript.OP_2DROP).AddOp(txscript.OP_DROP).AddOp(txscript.OP_RETURN).Script()
	return script
}

// NamespaceScriptHash is the script hash under which the server indexes every
// key/value operation of the namespace.
func NamespaceScriptHash(nsID []byte) string {
	return ScriptHash(lookupScript(nsID, nil))
}

// RootNamespaceScriptHash is the script hash under which the server indexes the
// namespace creation and profile updates.
func RootNamespaceScriptHash(nsID []byte) string {
	root := make([]byte, 0, len(nsID)+len(rootSuffix))
	root = append(append(root, nsID...), rootSuffix...)
	return ScriptHash(lookupScript(root, nil))
}

// KeyScriptHash is the script hash under which the server indexes operations
// on a single key of the namespace.
func KeyScriptHash(nsID, key []byte) string {
	return ScriptHash(lookupScript(nsID, key))
}

// Equal compares the namespace, key and value of two operations.
func (op *Op) Equal(other *Op) bool {
	return op.Kind == other.Kind && bytes.Equal(op.NamespaceID, other.NamespaceID) &&
		bytes.Equal(op.Key, other.Key) && bytes.Equal(op.Value, other.Value)
}
