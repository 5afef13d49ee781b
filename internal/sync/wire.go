// Package sync implements the peer reconciliation protocol of §4.8:
// per-peer KNOWN/CONTENT/LOAD/DONE exchange over a newline-delimited
// canonical-JSON duplex channel, with backpressure and multi-peer
// forwarding.
package sync

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"cojson/internal/canon"
	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
)

// MessageKind names one of the four wire message shapes.
type MessageKind string

const (
	KindKnown   MessageKind = "KNOWN"
	KindContent MessageKind = "CONTENT"
	KindLoad    MessageKind = "LOAD"
	KindDone    MessageKind = "DONE"
)

// HeaderWire is the JSON-safe rendering of coval.Header carried on
// KNOWN/CONTENT when the sender isn't sure the peer has it yet.
type HeaderWire struct {
	Type       string `json:"type"`
	RulesetTyp string `json:"rulesetType"`
	Group      string `json:"group,omitempty"`
	Meta       []byte `json:"meta,omitempty"`
	CreatedAt  int64  `json:"createdAtUnixNano"`
	Uniqueness string `json:"uniqueness"`
}

func ToHeaderWire(h coval.Header) HeaderWire {
	return HeaderWire{
		Type:       string(h.Type),
		RulesetTyp: string(h.Ruleset.Type),
		Group:      string(h.Ruleset.Group),
		Meta:       h.Meta,
		CreatedAt:  h.CreatedAt.UnixNano(),
		Uniqueness: h.Uniqueness,
	}
}

func (h HeaderWire) ToHeader() coval.Header {
	return coval.Header{
		Type:       coval.Kind(h.Type),
		Ruleset:    coval.Ruleset{Type: coval.RulesetType(h.RulesetTyp), Group: id.CoValueID(h.Group)},
		Meta:       h.Meta,
		Uniqueness: h.Uniqueness,
	}
}

// SessionDelta is one session's CONTENT payload: the transactions
// extending afterIndex and the (now cumulative) trailing signature
// over all of them.
type SessionDelta struct {
	AfterIndex    int                 `json:"afterIndex"`
	Transactions  []coval.Transaction `json:"transactions"`
	LastSignature []byte              `json:"lastSignature"`
}

// Message is the single envelope every peer message is framed as;
// only the field matching Kind is populated.
type Message struct {
	Kind     MessageKind                   `json:"kind"`
	ID       id.CoValueID                  `json:"id"`
	Header   *HeaderWire                   `json:"header,omitempty"`
	Sessions map[id.SessionID]int          `json:"sessions,omitempty"`
	New      map[id.SessionID]SessionDelta `json:"new,omitempty"`
}

// EncodeMessage renders msg as one canonical-JSON line (without the
// trailing newline — the transport is responsible for framing).
func EncodeMessage(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("sync: encode message: %w", err)
	}
	return canon.Canonicalize(raw)
}

// DecodeMessage parses one line back into a Message.
func DecodeMessage(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("sync: decode message: %w", err)
	}
	return msg, nil
}

// LineReader reads newline-delimited messages off r, the framing §6
// specifies for the peer wire protocol.
type LineReader struct {
	scanner *bufio.Scanner
}

func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &LineReader{scanner: s}
}

func (lr *LineReader) Next() (Message, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return DecodeMessage(lr.scanner.Bytes())
}

func signatureToBytes(sig crypto.Signature) []byte { return append([]byte(nil), sig[:]...) }

func bytesToSignature(b []byte) crypto.Signature {
	var sig crypto.Signature
	copy(sig[:], b)
	return sig
}
