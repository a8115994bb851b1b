// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"reflect"
	"strings"
	"testing"
)

const refTxid = "c100f9df92c90a7412e4c55ec632a2d9eb3051ac8a920d293f6e277d3b3819ca"

func TestSpecialKeys(t *testing.T) {
	for _, kind := range []KeyKind{KeyReply, KeyShare, KeyReward, KeySell, KeyConfirm} {
		key, err := SpecialKey(kind, refTxid)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if len(key) != 34 {
			t.Fatalf("%s: wrong key length %d", kind, len(key))
		}
		gotKind, gotTxid := ParseKey(key)
		if gotKind != kind || gotTxid != refTxid {
			t.Fatalf("%s: parsed as %s %s", kind, gotKind, gotTxid)
		}
		// Binary keys are displayed as hex.
		if !strings.HasPrefix(DecodeData(key), "000") {
			t.Fatalf("%s: special key not rendered as hex: %q", kind, DecodeData(key))
		}
	}

	if _, err := SpecialKey(KeyPlain, refTxid); err == nil {
		t.Fatalf("plain special key accepted")
	}
	if _, err := SpecialKey(KeyReply, "abcd"); err == nil {
		t.Fatalf("short txid accepted")
	}
	if kind, _ := ParseKey([]byte("ordinary key")); kind != KeyPlain {
		t.Fatalf("ordinary key parsed as %s", kind)
	}
	// 34 bytes that do not carry a known tag.
	if kind, _ := ParseKey([]byte(strings.Repeat("z", 34))); kind != KeyPlain {
		t.Fatalf("untagged 34 byte key parsed as %s", kind)
	}
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, ""},
		{[]byte("hello"), "hello"},
		{[]byte{0x09, 'a'}, "0961"},
		{[]byte{0x0a, 'a'}, "\na"},
		{[]byte{'a', 0xff}, "61ff"},
		{[]byte("日本"), "日本"},
	}
	for _, tt := range tests {
		if got := DecodeData(tt.in); got != tt.want {
			t.Errorf("DecodeData(%x) = %q, wanted %q", tt.in, got, tt.want)
		}
	}
}

func TestParseNamespaceInfo(t *testing.T) {
	nsID := testNamespaceID()
	create := &Op{Kind: OpNamespace, NamespaceID: nsID, Key: []byte("first name")}
	profile := func(name string) *Op {
		v, _ := ProfileValue(&Profile{DisplayName: name})
		return &Op{Kind: OpPut, NamespaceID: nsID, Key: ProfileKey, Value: v}
	}
	del := &Op{Kind: OpDelete, NamespaceID: nsID, Key: ProfileKey}
	plain := &Op{Kind: OpPut, NamespaceID: nsID, Key: []byte("k"), Value: []byte("v")}
	badJSON := &Op{Kind: OpPut, NamespaceID: nsID, Key: ProfileKey, Value: []byte("{")}

	tests := []struct {
		name     string
		entries  []*HistoryEntry
		wantNil  bool
		wantName string
		wantTx   string
	}{
		{
			name:    "empty",
			wantNil: true,
		},
		{
			name:    "only deletes",
			entries: []*HistoryEntry{{TxID: "a", Height: 1, Op: del}},
			wantNil: true,
		},
		{
			name:     "creation only",
			entries:  []*HistoryEntry{{TxID: "a", Height: 1, Op: create}},
			wantName: "first name",
			wantTx:   "a",
		},
		{
			name: "profile overrides creation",
			entries: []*HistoryEntry{
				{TxID: "a", Height: 1, Op: create},
				{TxID: "b", Height: 3, Op: profile("second")},
				{TxID: "c", Height: 4, Op: del},
				{TxID: "d", Height: 5, Op: plain},
			},
			wantName: "second",
			wantTx:   "b",
		},
		{
			name: "unconfirmed is newest",
			entries: []*HistoryEntry{
				{TxID: "m", Height: 0, Op: profile("mempool")},
				{TxID: "a", Height: 100, Op: profile("confirmed")},
			},
			wantName: "mempool",
			wantTx:   "m",
		},
		{
			name: "later entry at same height wins",
			entries: []*HistoryEntry{
				{TxID: "a", Height: 7, Op: profile("one")},
				{TxID: "b", Height: 7, Op: profile("two")},
			},
			wantName: "two",
			wantTx:   "b",
		},
		{
			name: "invalid profile falls back",
			entries: []*HistoryEntry{
				{TxID: "a", Height: 1, Op: create},
				{TxID: "b", Height: 2, Op: badJSON},
			},
			wantName: "first name",
			wantTx:   "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseNamespaceInfo(tt.entries)
			if tt.wantNil {
				if info != nil {
					t.Fatalf("expected nil, got %+v", info)
				}
				return
			}
			if info == nil {
				t.Fatalf("unexpected nil info")
			}
			if info.DisplayName != tt.wantName || info.TxID != tt.wantTx {
				t.Fatalf("got %q from %s, wanted %q from %s", info.DisplayName, info.TxID, tt.wantName, tt.wantTx)
			}
			if info.ID != EncodeNamespaceID(nsID) {
				t.Fatalf("wrong namespace ID %s", info.ID)
			}
		})
	}
}

func TestShortCode(t *testing.T) {
	tests := []struct {
		height int64
		pos    uint32
		code   string
	}{
		{1, 0, "110"},
		{12345, 7, "5123457"},
		{400000, 123, "6400000123"},
	}
	for _, tt := range tests {
		code := ShortCode(tt.height, tt.pos)
		if code != tt.code {
			t.Fatalf("ShortCode(%d, %d) = %s, wanted %s", tt.height, tt.pos, code, tt.code)
		}
		h, p, err := ParseShortCode(code)
		if err != nil {
			t.Fatal(err)
		}
		if h != tt.height || p != tt.pos {
			t.Fatalf("ParseShortCode(%s) = %d, %d", code, h, p)
		}
	}
	for _, bad := range []string{"", "1", "0123", "912", "5123", "3abc1", "21x"} {
		if _, _, err := ParseShortCode(bad); err == nil {
			t.Errorf("ParseShortCode(%q) did not fail", bad)
		}
	}
}

func TestHashtags(t *testing.T) {
	got := Hashtags("#Keva is #fun, #keva again and not#this one #日本")
	want := []string{"keva", "fun", "日本"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, wanted %v", got, want)
	}
	if Hashtags("no tags here") != nil {
		t.Fatalf("unexpected tags")
	}
}
