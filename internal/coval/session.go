package coval

import (
	"errors"
	"fmt"

	"cojson/internal/canon"
	"cojson/internal/crypto"
	"cojson/internal/id"
)

var (
	// ErrSignatureInvalid is returned when a session's trailing
	// signature fails to verify (§7 SignatureInvalid).
	ErrSignatureInvalid = errors.New("coval: signature invalid")
	// ErrChainBroken is returned when a transaction's index does not
	// extend the session's chain (§7 ChainBroken).
	ErrChainBroken = errors.New("coval: chain broken")
)

// SessionLog is the append-only, hash-chained, signed sequence of
// transactions for one (CoValue, session) pair (§4.3).
type SessionLog struct {
	ID            id.SessionID
	SignerPub     crypto.SigningPublicKey
	crypto        crypto.Provider
	transactions  []Transaction
	hashes        []crypto.Digest
	lastSignature crypto.Signature
	hasSignature  bool
}

func NewSessionLog(provider crypto.Provider, sessionID id.SessionID, signerPub crypto.SigningPublicKey) *SessionLog {
	return &SessionLog{ID: sessionID, SignerPub: signerPub, crypto: provider}
}

// LastIndex is the index of the last appended transaction, or -1 if
// empty.
func (s *SessionLog) LastIndex() int { return len(s.transactions) - 1 }

func (s *SessionLog) lastHash() crypto.Digest {
	if len(s.hashes) == 0 {
		return crypto.Digest{}
	}
	return s.hashes[len(s.hashes)-1]
}

// chainHash extends the running chain: h_i = H(h_{i-1} || canonical(tx_i)).
func (s *SessionLog) chainHash(prev crypto.Digest, tx Transaction) (crypto.Digest, error) {
	encoded, err := canon.Marshal(tx)
	if err != nil {
		return crypto.Digest{}, fmt.Errorf("coval: canonicalize transaction: %w", err)
	}
	buf := make([]byte, 0, len(prev)+len(encoded))
	buf = append(buf, prev[:]...)
	buf = append(buf, encoded...)
	return s.crypto.Hash(buf), nil
}

// stageAppend computes the chain hashes a batch of transactions would
// produce without mutating the log, so the caller can verify the
// trailing signature before committing (all-or-nothing per §4.8.3).
func (s *SessionLog) stageAppend(txs []Transaction) ([]crypto.Digest, error) {
	prev := s.lastHash()
	hashes := make([]crypto.Digest, len(txs))
	for i, tx := range txs {
		h, err := s.chainHash(prev, tx)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
		prev = h
	}
	return hashes, nil
}

// commit appends txs (whose hashes must have just come from
// stageAppend) and records signatureAfter as the (sole, cumulative)
// trailing signature, having already been verified by the caller.
func (s *SessionLog) commit(txs []Transaction, hashes []crypto.Digest, signatureAfter crypto.Signature) {
	s.transactions = append(s.transactions, txs...)
	s.hashes = append(s.hashes, hashes...)
	s.lastSignature = signatureAfter
	s.hasSignature = true
}

// Append stages, verifies and commits a batch of transactions in one
// step — the path used by Core.Ingest for batches arriving from a peer
// or from storage, whose signature over the post-append hash comes
// with the batch. Local writes (Core.Write) call stageAppend and
// commit directly around a freshly produced signature.
func (s *SessionLog) Append(txs []Transaction, signatureAfter crypto.Signature) error {
	hashes, err := s.stageAppend(txs)
	if err != nil {
		return err
	}
	if !s.crypto.Verify(s.SignerPub, hashes[len(hashes)-1][:], signatureAfter) {
		return ErrSignatureInvalid
	}
	s.commit(txs, hashes, signatureAfter)
	return nil
}

// Verify re-derives the chain hash from scratch and checks the latest
// signature over it.
func (s *SessionLog) Verify() bool {
	if !s.hasSignature {
		return len(s.transactions) == 0
	}
	prev := crypto.Digest{}
	for i, tx := range s.transactions {
		h, err := s.chainHash(prev, tx)
		if err != nil || h != s.hashes[i] {
			return false
		}
		prev = h
	}
	return s.crypto.Verify(s.SignerPub, prev[:], s.lastSignature)
}

// TransactionsAfter returns the transactions strictly after index
// (used by sync to compute a delta against a peer's known state).
func (s *SessionLog) TransactionsAfter(index int) []Transaction {
	if index+1 >= len(s.transactions) {
		return nil
	}
	if index < -1 {
		index = -1
	}
	return append([]Transaction(nil), s.transactions[index+1:]...)
}

// Transaction returns the transaction at index, and whether index is
// in range.
func (s *SessionLog) Transaction(index int) (Transaction, bool) {
	if index < 0 || index >= len(s.transactions) {
		return Transaction{}, false
	}
	return s.transactions[index], true
}

// Len reports how many transactions have been committed.
func (s *SessionLog) Len() int { return len(s.transactions) }

// LastSignature returns the session's cumulative trailing signature.
func (s *SessionLog) LastSignature() (crypto.Signature, bool) { return s.lastSignature, s.hasSignature }
