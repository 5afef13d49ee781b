// Package id implements the typed, textually-stable identifiers used
// throughout CoJSON: CoValue IDs, account IDs (CoValue IDs under the
// hood), session IDs, key-epoch IDs and transaction IDs.
package id

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"cojson/internal/crypto"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodeBase58 renders data in the Bitcoin base58 alphabet. No library
// in the retrieval pack provides base58; the algorithm is short and
// standard enough that hand-rolling it beats pulling in an unrelated
// ecosystem dependency just for this one encoding.
func EncodeBase58(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	x := new(big.Int).SetBytes(data)
	mod := big.NewInt(58)
	zero := big.NewInt(0)
	var out []byte
	for x.Cmp(zero) > 0 {
		m := new(big.Int)
		x.DivMod(x, mod, m)
		out = append(out, base58Alphabet[m.Int64()])
	}
	// preserve leading zero bytes as leading '1's
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// DecodeBase58 inverts EncodeBase58.
func DecodeBase58(s string) ([]byte, error) {
	x := new(big.Int)
	mod := big.NewInt(58)
	for _, c := range s {
		idx := strings.IndexRune(base58Alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("id: invalid base58 character %q", c)
		}
		x.Mul(x, mod)
		x.Add(x, big.NewInt(int64(idx)))
	}
	decoded := x.Bytes()
	leadingZeros := 0
	for _, c := range s {
		if c != rune(base58Alphabet[0]) {
			break
		}
		leadingZeros++
	}
	return append(make([]byte, leadingZeros), decoded...), nil
}

// CoValueID is the content hash of a CoValue's header, base58-encoded
// with a "co_z" prefix. It never changes for the life of the CoValue.
type CoValueID string

// AccountID is a CoValueID whose underlying CoValue has type "account".
type AccountID = CoValueID

func NewCoValueID(headerHash crypto.Digest) CoValueID {
	return CoValueID("co_z" + EncodeBase58(headerHash[:]))
}

func (id CoValueID) Valid() bool {
	return strings.HasPrefix(string(id), "co_z") && len(id) > len("co_z")
}

// SessionID identifies one (account, session-counter) pair. It carries
// the owning account ID as a textual prefix so a verifying key is
// locatable from the session ID alone.
type SessionID string

func NewSessionID(account AccountID, counter uint64) SessionID {
	return SessionID(fmt.Sprintf("%s_session_z%s", account, strconv.FormatUint(counter, 36)))
}

// Account returns the account ID embedded in a session ID.
func (s SessionID) Account() (AccountID, bool) {
	str := string(s)
	idx := strings.LastIndex(str, "_session_z")
	if idx < 0 {
		return "", false
	}
	return AccountID(str[:idx]), true
}

// Counter returns the session counter embedded in a session ID.
func (s SessionID) Counter() (uint64, bool) {
	str := string(s)
	idx := strings.LastIndex(str, "_session_z")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(str[idx+len("_session_z"):], 36, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// KeyID identifies a group key epoch.
type KeyID string

func NewKeyID(random []byte) KeyID {
	return KeyID("key_z" + EncodeBase58(random))
}

// TransactionID is the position identifier used by CRDT kinds that need
// a stable per-write anchor (CoList, CoPlainText): the session ID plus
// the 0-based index of the transaction within that session.
type TransactionID struct {
	Session SessionID
	Index   int
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%s/%d", t.Session, t.Index)
}

// Less orders transaction IDs lexicographically by session ID then by
// index; used only as a stable fallback, never as the causal order
// (which is (madeAt, sessionID, indexInSession) — see causal.CausalKey).
func (t TransactionID) Less(o TransactionID) bool {
	if t.Session != o.Session {
		return t.Session < o.Session
	}
	return t.Index < o.Index
}
