// Package crdt implements the fold functions for the four CoValue CRDT
// kinds (§4.6): Map (LWW), List (RGA), Stream (per-session feed) and
// PlainText (a List of characters). None of them know about sessions,
// signatures or permissions — they consume an already-validated,
// already-decrypted stream of changes tagged with a causal.CausalKey.
package crdt

import (
	"encoding/json"
	"sort"

	"cojson/internal/causal"
)

// MapOp is one applied CoMap change: {op:"set",key,value} or
// {op:"del",key}.
type MapOp struct {
	Op    string // "set" | "del"
	Key   string
	Value json.RawMessage
	At    causal.CausalKey
}

// Map is the LWW-per-key fold described in §4.6. It keeps the full op
// log (not just the winning values) so that permission lookups can ask
// "what was true as of causal position X" — the same data structure
// backs both CoMap and the Group/Account content view.
type Map struct {
	ops []MapOp
}

func NewMap() *Map { return &Map{} }

func (m *Map) Apply(op MapOp) { m.ops = append(m.ops, op) }

// winnerAt returns the op that wins the LWW fold for key as of at, or
// nil if no op for that key is visible at that causal position.
func (m *Map) winnerAt(key string, at causal.CausalKey) *MapOp {
	var winner *MapOp
	for i := range m.ops {
		o := &m.ops[i]
		if o.Key != key || o.At.After(at) {
			continue
		}
		if winner == nil || o.At.WinsOver(winner.At) {
			winner = o
		}
	}
	return winner
}

// GetAt returns the LWW value of key as of causal position at, or
// (nil, false) if unset or tombstoned at that position.
func (m *Map) GetAt(key string, at causal.CausalKey) (json.RawMessage, bool) {
	w := m.winnerAt(key, at)
	if w == nil || w.Op == "del" {
		return nil, false
	}
	return w.Value, true
}

// Get returns the live value of key.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	return m.GetAt(key, causal.MaxCausalKey)
}

// KeysAt returns the keys with a non-tombstoned winner as of at, sorted
// for deterministic iteration.
func (m *Map) KeysAt(at causal.CausalKey) []string {
	seen := map[string]bool{}
	for i := range m.ops {
		seen[m.ops[i].Key] = true
	}
	var keys []string
	for k := range seen {
		if _, ok := m.GetAt(k, at); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Keys returns the live key set.
func (m *Map) Keys() []string { return m.KeysAt(causal.MaxCausalKey) }

// History returns every set/del ever applied to key, in ingest order —
// used by higher layers that want to "walk the transactions" per the
// spec's note that edit history is always recoverable.
func (m *Map) History(key string) []MapOp {
	var out []MapOp
	for _, o := range m.ops {
		if o.Key == key {
			out = append(out, o)
		}
	}
	return out
}
