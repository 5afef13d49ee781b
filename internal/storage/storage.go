// Package storage defines the pluggable durability boundary (§4.9):
// the node never assumes a backend, only that a successful write is
// visible to a subsequent read and that a crash cannot lose an
// already-acknowledged prefix.
package storage

import (
	"context"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
)

// SessionRecord is one session's durable state: its transactions in
// order and the cumulative trailing signature over all of them.
type SessionRecord struct {
	Transactions  []coval.Transaction
	LastSignature crypto.Signature
}

// Record is everything Storage persists for one CoValue.
type Record struct {
	Header   coval.Header
	Sessions map[id.SessionID]SessionRecord
}

// Storage is the durability interface a Node is configured with.
// Implementations need not be transactional across CoValues, only
// atomic per (coValueID, sessionID) write.
type Storage interface {
	// WriteTransactions durably appends txs (and replaces the
	// session's stored lastSignature) after afterIndex. Atomic wrt
	// crashes: a caller observing success may assume a subsequent
	// ReadCoValue reflects it.
	WriteTransactions(ctx context.Context, coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, lastSignature crypto.Signature) error

	// ReadCoValue returns everything stored for coID, or an error if
	// nothing is stored yet.
	ReadCoValue(ctx context.Context, coID id.CoValueID) (Record, error)

	// WriteHeader persists a CoValue's header once, at creation.
	WriteHeader(ctx context.Context, coID id.CoValueID, header coval.Header) error

	// ListCoValues enumerates every stored CoValue ID, for startup
	// repopulation, returned as one slice holding every ID; nothing is
	// streamed.
	ListCoValues(ctx context.Context) ([]id.CoValueID, error)
}
