// Package memstore is the in-memory reference Storage implementation,
// used by tests and as Node's zero-value default.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/storage"
)

// MemStore keeps every CoValue's header and per-session transaction
// log in process memory. WriteTransactions treats afterIndex as the
// full replacement point: since Node always persists a session's
// complete known transaction set on each call (§4.9 only requires
// monotonic durability, not incremental appends at the storage
// boundary), this is a whole-session upsert rather than a true delta
// append.
type MemStore struct {
	mu      sync.Mutex
	headers map[id.CoValueID]coval.Header
	records map[id.CoValueID]map[id.SessionID]storage.SessionRecord
}

func New() *MemStore {
	return &MemStore{
		headers: map[id.CoValueID]coval.Header{},
		records: map[id.CoValueID]map[id.SessionID]storage.SessionRecord{},
	}
}

var _ storage.Storage = (*MemStore)(nil)

func (m *MemStore) WriteHeader(_ context.Context, coID id.CoValueID, header coval.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[coID] = header
	return nil
}

func (m *MemStore) WriteTransactions(_ context.Context, coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, lastSignature crypto.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.records[coID]
	if !ok {
		sessions = map[id.SessionID]storage.SessionRecord{}
		m.records[coID] = sessions
	}
	existing := sessions[sessionID]
	if afterIndex < 0 || afterIndex+1 > len(existing.Transactions) {
		existing.Transactions = append([]coval.Transaction(nil), txs...)
	} else {
		existing.Transactions = append(existing.Transactions[:afterIndex+1:afterIndex+1], txs...)
	}
	existing.LastSignature = lastSignature
	sessions[sessionID] = existing
	return nil
}

func (m *MemStore) ReadCoValue(_ context.Context, coID id.CoValueID) (storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	header, ok := m.headers[coID]
	if !ok {
		return storage.Record{}, fmt.Errorf("memstore: %s not found", coID)
	}
	sessions := map[id.SessionID]storage.SessionRecord{}
	for sessionID, rec := range m.records[coID] {
		sessions[sessionID] = storage.SessionRecord{
			Transactions:  append([]coval.Transaction(nil), rec.Transactions...),
			LastSignature: rec.LastSignature,
		}
	}
	return storage.Record{Header: header, Sessions: sessions}, nil
}

func (m *MemStore) ListCoValues(_ context.Context) ([]id.CoValueID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]id.CoValueID, 0, len(m.headers))
	for coID := range m.headers {
		out = append(out, coID)
	}
	return out, nil
}
