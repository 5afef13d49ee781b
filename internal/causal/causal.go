// Package causal defines the (madeAt, sessionID, indexInSession)
// ordering tuple shared by the CRDT folds (crdt) and the CoValue core
// (coval) — split into its own package so neither of those has to
// import the other just to share this one type.
package causal

import "cojson/internal/id"

// CausalKey is the (madeAt, sessionID, indexInSession) tuple that spec
// §3 defines as the only ordering CoJSON relies on for LWW-style kinds
// and for evaluating permissions "as of" a transaction's position. It
// is NOT a vector clock: it supplies a deterministic tie-break, not a
// causality proof.
type CausalKey struct {
	MadeAt  int64 // milliseconds since epoch
	Session id.SessionID
	Index   int
}

// MaxCausalKey compares greater than any real transaction; used to ask
// "give me the live view" from an API that is otherwise phrased in
// terms of causal positions.
var MaxCausalKey = CausalKey{MadeAt: 1<<63 - 1, Session: id.SessionID("\xff\xff\xff\xff"), Index: 1<<31 - 1}

// After reports whether k comes strictly after o in causal order.
func (k CausalKey) After(o CausalKey) bool {
	return k != o && !k.before(o)
}

func (k CausalKey) before(o CausalKey) bool {
	if k.MadeAt != o.MadeAt {
		return k.MadeAt < o.MadeAt
	}
	if k.Session != o.Session {
		return k.Session < o.Session
	}
	return k.Index < o.Index
}

// LessOrEqual reports whether k does not come after o — i.e. k is
// visible "as of" causal position o.
func (k CausalKey) LessOrEqual(o CausalKey) bool {
	return k == o || k.before(o)
}

// WinsOver implements the LWW tie-break: higher madeAt wins; ties break
// on the lexicographically greater session ID, then the greater index.
// This is the tie-break spec's S1 scenario exercises directly.
func (k CausalKey) WinsOver(o CausalKey) bool {
	if k.MadeAt != o.MadeAt {
		return k.MadeAt > o.MadeAt
	}
	if k.Session != o.Session {
		return k.Session > o.Session
	}
	return k.Index > o.Index
}
