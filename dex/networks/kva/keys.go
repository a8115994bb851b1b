// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// KeyKind classifies a Keva key.
type KeyKind uint8

const (
	KeyPlain KeyKind = iota
	KeyReply
	KeyShare
	KeyReward
	KeySell
	KeyConfirm
	KeyProfile
)

// String returns the key kind's name.
func (k KeyKind) String() string {
	switch k {
	case KeyReply:
		return "reply"
	case KeyShare:
		return "share"
	case KeyReward:
		return "reward"
	case KeySell:
		return "sell"
	case KeyConfirm:
		return "confirm"
	case KeyProfile:
		return "profile"
	}
	return "plain"
}

// ProfileKey is the sentinel key under which a namespace's profile JSON is
// written.
var ProfileKey = []byte("\x01_KEVA_NS_")

const (
	specialTagSize = 2
	specialKeySize = specialTagSize + 32
)

var specialTags = map[KeyKind][specialTagSize]byte{
	KeyReply:   {0x00, 0x01},
	KeyShare:   {0x00, 0x02},
	KeyReward:  {0x00, 0x03},
	KeySell:    {0x00, 0x04},
	KeyConfirm: {0x00, 0x05},
}

// SpecialKey builds a key referencing another transaction. txid is the hex
// display form of the referenced transaction ID.
func SpecialKey(kind KeyKind, txid string) ([]byte, error) {
	tag, ok := specialTags[kind]
	if !ok {
		return nil, fmt.Errorf("%s keys do not reference a transaction", kind)
	}
	b, err := hex.DecodeString(txid)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("invalid referenced txid %q", txid)
	}
	return append(tag[:], b...), nil
}

// ParseKey classifies a key. For reply, share, reward, sell and confirm keys
// the referenced transaction ID is returned in hex display form.
func ParseKey(key []byte) (KeyKind, string) {
	if bytes.Equal(key, ProfileKey) {
		return KeyProfile, ""
	}
	if len(key) != specialKeySize {
		return KeyPlain, ""
	}
	for kind, tag := range specialTags {
		if bytes.Equal(key[:specialTagSize], tag[:]) {
			return kind, hex.EncodeToString(key[specialTagSize:])
		}
	}
	return KeyPlain, ""
}

// DecodeData renders a key or value for display. Data whose first byte is
// below 10 is binary and is hex encoded. Everything else is treated as UTF-8
// text.
func DecodeData(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if b[0] < 10 || !utf8.Valid(b) {
		return hex.EncodeToString(b)
	}
	return string(b)
}

// flexString unmarshals a JSON string or number into a string.
type flexString string

func (fs *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*fs = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*fs = flexString(n.String())
	return nil
}

// Profile is the JSON payload of a profile update.
type Profile struct {
	DisplayName string     `json:"displayName"`
	Bio         string     `json:"bio,omitempty"`
	Price       flexString `json:"price,omitempty"`
	Desc        string     `json:"desc,omitempty"`
	Addr        string     `json:"addr,omitempty"`
}

// ProfileValue serializes a profile for writing under ProfileKey.
func ProfileValue(p *Profile) ([]byte, error) {
	return json.Marshal(p)
}

// HistoryEntry is a Keva operation found in a transaction's outputs.
type HistoryEntry struct {
	TxID   string
	Height int64
	Time   int64
	Op     *Op
}

// NamespaceInfo is the resolved state of a namespace.
type NamespaceInfo struct {
	ID          string
	DisplayName string
	Bio         string
	Price       string
	Desc        string
	Addr        string
	TxID        string
	Height      int64
}

// newerThan treats unconfirmed entries (height <= 0) as newer than any
// confirmed entry.
func newerThan(a, b *HistoryEntry) bool {
	ah, bh := a.Height, b.Height
	if ah <= 0 {
		ah = 1<<62 - 1
	}
	if bh <= 0 {
		bh = 1<<62 - 1
	}
	return ah > bh
}

// ParseNamespaceInfo resolves the current display name and profile of a
// namespace from its root history. Entries are searched newest first. DELETE
// entries and writes to ordinary keys are passed over. The first namespace
// creation, or profile update with a valid JSON payload, determines the
// result. nil is returned when no such entry exists.
func ParseNamespaceInfo(entries []*HistoryEntry) *NamespaceInfo {
	sorted := make([]*HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e != nil && e.Op != nil {
			sorted = append(sorted, e)
		}
	}
	// Later entries of the same height are newer.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return newerThan(sorted[i], sorted[j])
	})

	for _, e := range sorted {
		info := &NamespaceInfo{
			ID:     EncodeNamespaceID(e.Op.NamespaceID),
			TxID:   e.TxID,
			Height: e.Height,
		}
		switch e.Op.Kind {
		case OpNamespace:
			info.DisplayName = string(e.Op.Key)
			return info
		case OpPut:
			if !bytes.Equal(e.Op.Key, ProfileKey) {
				continue
			}
			var p Profile
			if err := json.Unmarshal(e.Op.Value, &p); err != nil {
				continue
			}
			info.DisplayName = p.DisplayName
			info.Bio = p.Bio
			info.Price = string(p.Price)
			info.Desc = p.Desc
			info.Addr = p.Addr
			return info
		}
	}
	return nil
}

// ShortCode encodes the block position of a namespace creation as
// len(height) ‖ height ‖ pos.
func ShortCode(height int64, pos uint32) string {
	h := strconv.FormatInt(height, 10)
	return strconv.Itoa(len(h)) + h + strconv.FormatUint(uint64(pos), 10)
}

// ParseShortCode decodes a short code into a block height and transaction
// position.
func ParseShortCode(code string) (height int64, pos uint32, err error) {
	if len(code) < 3 || code[0] < '1' || code[0] > '9' {
		return 0, 0, fmt.Errorf("invalid short code %q", code)
	}
	n := int(code[0] - '0')
	if len(code) < 1+n+1 {
		return 0, 0, fmt.Errorf("invalid short code %q", code)
	}
	height, err = strconv.ParseInt(code[1:1+n], 10, 64)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid short code height in %q", code)
	}
	p, err := strconv.ParseUint(code[1+n:], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid short code position in %q", code)
	}
	return height, uint32(p), nil
}

var hashtagRE = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_]+)`)

// Hashtags extracts the unique lowercase hashtags from a value.
func Hashtags(text string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range hashtagRE.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// HashtagScriptHash is the script hash under which the server indexes values
// mentioning the hashtag.
func HashtagScriptHash(tag string) string {
	tag = strings.ToLower(strings.TrimPrefix(tag, "#"))
	return ScriptHash(lookupScript([]byte(tag), nil))
}
