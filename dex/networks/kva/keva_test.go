// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

func testAddrs(t *testing.T) map[string]btcutil.Address {
	t.Helper()
	h160 := btcutil.Hash160([]byte("kva test key"))
	p2pkh, err := btcutil.NewAddressPubKeyHash(h160, MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	p2sh, err := btcutil.NewAddressScriptHashFromHash(h160, MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	p2wpkh, err := btcutil.NewAddressWitnessPubKeyHash(h160, MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]btcutil.Address{"p2pkh": p2pkh, "p2sh": p2sh, "p2wpkh": p2wpkh}
}

func testNamespaceID() []byte {
	txid, _ := chainhash.NewHashFromStr("6356ad5ac46daabfd0a0b607e44ce78b77ad0fd17a3376aaca73ef230303afbf")
	return NamespaceID(txid, 0)
}

func TestNamespaceID(t *testing.T) {
	txid, _ := chainhash.NewHashFromStr("6356ad5ac46daabfd0a0b607e44ce78b77ad0fd17a3376aaca73ef230303afbf")
	nsID := NamespaceID(txid, 0)
	if len(nsID) != NamespaceIDSize || nsID[0] != NamespaceIDPrefix {
		t.Fatalf("bad namespace ID %x", nsID)
	}
	// The preimage is the txid in internal order followed by the decimal vout.
	want := append([]byte{NamespaceIDPrefix}, btcutil.Hash160(append(txid.CloneBytes(), '0'))...)
	if !bytes.Equal(nsID, want) {
		t.Fatalf("wrong namespace ID %x, wanted %x", nsID, want)
	}
	if bytes.Equal(nsID, NamespaceID(txid, 1)) {
		t.Fatalf("vout did not change the namespace ID")
	}
	if !bytes.Equal(NamespaceID(txid, 10)[1:], btcutil.Hash160(append(txid.CloneBytes(), '1', '0'))) {
		t.Fatalf("multi-digit vout not encoded as decimal text")
	}

	encoded := EncodeNamespaceID(nsID)
	if !strings.HasPrefix(encoded, "N") {
		t.Fatalf("namespace ID %s does not start with N", encoded)
	}
	decoded, err := DecodeNamespaceID(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, nsID) {
		t.Fatalf("round trip mismatch %x != %x", decoded, nsID)
	}

	// A valid base58check string with the wrong version is rejected.
	p2pkh := testAddrs(t)["p2pkh"].EncodeAddress()
	if _, err := DecodeNamespaceID(p2pkh); err == nil {
		t.Fatalf("address accepted as namespace ID")
	}
	last := "x"
	if strings.HasSuffix(encoded, last) {
		last = "y"
	}
	if _, err := DecodeNamespaceID(encoded[:len(encoded)-1] + last); err == nil {
		t.Fatalf("bad checksum accepted")
	}
}

func TestScriptRoundTrip(t *testing.T) {
	nsID := testNamespaceID()
	bigValue := bytes.Repeat([]byte{'v'}, MaxValueLength)

	tests := []struct {
		name  string
		kind  OpKind
		key   []byte
		value []byte
	}{
		{"put text", OpPut, []byte("hello"), []byte("world")},
		{"put empty value", OpPut, []byte("k"), nil},
		{"put small int key", OpPut, []byte{0x05}, []byte{0x81}},
		{"put max value", OpPut, []byte("big"), bigValue},
		{"put binary key", OpPut, []byte{0x00, 0x01, 0xff}, []byte{0x02}},
		{"delete", OpDelete, []byte("gone"), nil},
		{"namespace", OpNamespace, []byte("My Namespace"), nil},
	}

	for addrType, addr := range testAddrs(t) {
		tail, _ := txscript.PayToAddrScript(addr)
		for _, tt := range tests {
			t.Run(addrType+" "+tt.name, func(t *testing.T) {
				var script []byte
				var err error
				switch tt.kind {
				case OpPut:
					script, err = PutScript(nsID, tt.key, tt.value, addr)
				case OpDelete:
					script, err = DeleteScript(nsID, tt.key, addr)
				case OpNamespace:
					script, err = NamespaceScript(nsID, tt.key, addr)
				}
				if err != nil {
					t.Fatalf("build error: %v", err)
				}
				if !IsKevaScript(script) {
					t.Fatalf("not recognized as keva script")
				}
				op, err := ParseScript(script)
				if err != nil {
					t.Fatalf("parse error: %v", err)
				}
				want := &Op{Kind: tt.kind, NamespaceID: nsID, Key: tt.key}
				if tt.kind == OpPut {
					want.Value = tt.value
				}
				if !op.Equal(want) {
					t.Fatalf("round trip mismatch: got %+v, wanted %+v", op, want)
				}
				if !bytes.Equal(op.Tail, tail) {
					t.Fatalf("wrong tail %x, wanted %x", op.Tail, tail)
				}
				if got := ExtractAddress(script, MainNetParams); got != addr.EncodeAddress() {
					t.Fatalf("extracted address %q, wanted %q", got, addr.EncodeAddress())
				}
				if !bytes.Equal(StandardScript(script), tail) {
					t.Fatalf("standard script mismatch")
				}
			})
		}
	}
}

func TestPutScriptLayout(t *testing.T) {
	nsID := testNamespaceID()
	addr := testAddrs(t)["p2sh"]
	script, err := PutScript(nsID, []byte("key"), []byte("value"), addr)
	if err != nil {
		t.Fatal(err)
	}
	// OP_KEVA_PUT <21> <3> <5> OP_2DROP OP_DROP OP_HASH160 <20> OP_EQUAL
	want := []byte{OpKevaPut, txscript.OP_DATA_21}
	want = append(want, nsID...)
	want = append(want, txscript.OP_DATA_3, 'k', 'e', 'y', txscript.OP_DATA_5, 'v', 'a', 'l', 'u', 'e',
		txscript.OP_2DROP, txscript.OP_DROP, txscript.OP_HASH160, txscript.OP_DATA_20)
	want = append(want, addr.ScriptAddress()...)
	want = append(want, txscript.OP_EQUAL)
	if !bytes.Equal(script, want) {
		t.Fatalf("wrong script\n%x\n%x", script, want)
	}
}

func TestProfileKeyRoundTrip(t *testing.T) {
	nsID := testNamespaceID()
	val, err := ProfileValue(&Profile{DisplayName: "Keva", Bio: "hi", Price: "10"})
	if err != nil {
		t.Fatal(err)
	}
	script, err := PutScript(nsID, ProfileKey, val, testAddrs(t)["p2wpkh"])
	if err != nil {
		t.Fatal(err)
	}
	op, err := ParseScript(script)
	if err != nil {
		t.Fatal(err)
	}
	if kind, _ := ParseKey(op.Key); kind != KeyProfile {
		t.Fatalf("profile key parsed as %s", kind)
	}
	info := ParseNamespaceInfo([]*HistoryEntry{{TxID: "aa", Height: 5, Op: op}})
	if info == nil || info.DisplayName != "Keva" || info.Bio != "hi" || info.Price != "10" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestParseScriptErrors(t *testing.T) {
	nsID := testNamespaceID()
	addr := testAddrs(t)["p2wpkh"]
	good, _ := PutScript(nsID, []byte("k"), []byte("v"), addr)

	tests := []struct {
		name   string
		script []byte
		notKva bool
	}{
		{"empty", nil, true},
		{"standard script", good[len(good)-22:], true},
		{"truncated push", good[:10], false},
		{"missing drop", good[:2+21+2+2+1], false},
		{"no destination", good[:2+21+2+2+2], false},
		{"opcode instead of push", []byte{OpKevaPut, txscript.OP_DUP, txscript.OP_0, txscript.OP_0,
			txscript.OP_2DROP, txscript.OP_DROP, txscript.OP_TRUE}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(tt.script)
			if err == nil {
				t.Fatalf("no error")
			}
			if errors.Is(err, ErrNotKeva) != tt.notKva {
				t.Fatalf("ErrNotKeva = %v, wanted %v (%v)", errors.Is(err, ErrNotKeva), tt.notKva, err)
			}
		})
	}

	if _, err := PutScript(nsID, bytes.Repeat([]byte{1}, MaxKeyLength+1), nil, addr); err == nil {
		t.Fatalf("oversized key accepted")
	}
	if _, err := PutScript(nsID, []byte("k"), bytes.Repeat([]byte{1}, MaxValueLength+1), addr); err == nil {
		t.Fatalf("oversized value accepted")
	}
}

func TestScriptHash(t *testing.T) {
	// Example from the Electrum protocol documentation.
	script, _ := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	const want = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	if got := ScriptHash(script); got != want {
		t.Fatalf("wrong script hash %s", got)
	}

	nsID := testNamespaceID()
	lookup := []byte{OpKevaPut, txscript.OP_DATA_21}
	lookup = append(lookup, nsID...)
	lookup = append(lookup, txscript.OP_0, txscript.OP_2DROP, txscript.OP_DROP, txscript.OP_RETURN)
	if NamespaceScriptHash(nsID) != ScriptHash(lookup) {
		t.Fatalf("namespace script hash does not match the lookup script")
	}
	if RootNamespaceScriptHash(nsID) == NamespaceScriptHash(nsID) {
		t.Fatalf("root and namespace script hashes collide")
	}
	if KeyScriptHash(nsID, []byte("a")) == KeyScriptHash(nsID, []byte("b")) {
		t.Fatalf("key script hashes collide")
	}
	if HashtagScriptHash("#Keva") != HashtagScriptHash("keva") {
		t.Fatalf("hashtag script hash is case or prefix sensitive")
	}
}
