package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"cojson/internal/causal"
	"cojson/internal/id"
)

// StreamOp is one applied CoStream entry. Binary streams additionally
// use Op values "start"/"push"/"end" with a Chunk payload.
type StreamOp struct {
	Op    string
	Value json.RawMessage
	Chunk []byte
	At    causal.CausalKey
}

// Stream is the per-session append feed described in §4.6: there is no
// cross-session merge, only per-session order (which the chain hash
// already guarantees) and a handful of convenience accessors across
// sessions.
type Stream struct {
	bySession map[id.SessionID][]StreamOp
}

func NewStream() *Stream { return &Stream{bySession: map[id.SessionID][]StreamOp{}} }

func (s *Stream) Apply(session id.SessionID, op StreamOp) {
	s.bySession[session] = append(s.bySession[session], op)
}

// AllAt returns every session's entries visible as of at, in session
// append order.
func (s *Stream) AllAt(at causal.CausalKey) map[id.SessionID][]StreamOp {
	out := map[id.SessionID][]StreamOp{}
	for session, ops := range s.bySession {
		var visible []StreamOp
		for _, op := range ops {
			if !op.At.After(at) {
				visible = append(visible, op)
			}
		}
		if len(visible) > 0 {
			out[session] = visible
		}
	}
	return out
}

func (s *Stream) All() map[id.SessionID][]StreamOp { return s.AllAt(causal.MaxCausalKey) }

// LatestPerSession returns each session's most recent entry.
func (s *Stream) LatestPerSession() map[id.SessionID]StreamOp {
	out := map[id.SessionID]StreamOp{}
	for session, ops := range s.bySession {
		if len(ops) > 0 {
			out[session] = ops[len(ops)-1]
		}
	}
	return out
}

// LatestPerAccount returns, for each account, the latest entry among
// all of that account's sessions by causal order.
func (s *Stream) LatestPerAccount() map[id.AccountID]StreamOp {
	out := map[id.AccountID]StreamOp{}
	for session, latest := range s.LatestPerSession() {
		account, ok := session.Account()
		if !ok {
			continue
		}
		cur, exists := out[account]
		if !exists || latest.At.WinsOver(cur.At) {
			out[account] = latest
		}
	}
	return out
}

// DecodeBinary concatenates push chunks between the first matched
// start/end pair in one session's feed.
func (s *Stream) DecodeBinary(session id.SessionID) ([]byte, error) {
	ops := s.bySession[session]
	var out []byte
	started := false
	for _, op := range ops {
		switch op.Op {
		case "start":
			started = true
			out = out[:0]
		case "push":
			if !started {
				return nil, fmt.Errorf("crdt: push chunk before start in session %s", session)
			}
			out = append(out, op.Chunk...)
		case "end":
			if !started {
				return nil, fmt.Errorf("crdt: end without start in session %s", session)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("crdt: no matched start/end pair in session %s", session)
}

// Sessions returns the set of sessions with at least one entry, sorted.
func (s *Stream) Sessions() []id.SessionID {
	out := make([]id.SessionID, 0, len(s.bySession))
	for session := range s.bySession {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
