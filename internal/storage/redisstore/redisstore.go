// Package redisstore wraps another Storage with a write-through
// known-state cache, generalizing a SaveState/GetState ratchet-state
// pattern from one session's ratchet counters to every loaded
// CoValue's per-session lastIndex summary — the same shape the sync
// engine needs for KNOWN messages, fetchable without touching the
// slower backend.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/storage"
)

// RedisStore is itself a storage.Storage: reads and writes pass
// through to backend, and WriteTransactions additionally refreshes
// the cached known-state summary so KnownState can skip the backend
// entirely on the common path.
type RedisStore struct {
	backend storage.Storage
	client  *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

// New wraps backend with a Redis-backed known-state cache. ttl of 0
// means entries never expire (the cache is then as fresh as the last
// successful write-through; a failed bump is only logged, so an entry
// can lag behind the backend). logger may be nil.
func New(backend storage.Storage, client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{backend: backend, client: client, ttl: ttl, logger: logger}
}

var _ storage.Storage = (*RedisStore)(nil)

func knownStateKey(coID id.CoValueID) string {
	return "cojson:known:" + string(coID)
}

func (r *RedisStore) WriteHeader(ctx context.Context, coID id.CoValueID, header coval.Header) error {
	return r.backend.WriteHeader(ctx, coID, header)
}

func (r *RedisStore) WriteTransactions(ctx context.Context, coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, lastSignature crypto.Signature) error {
	if err := r.backend.WriteTransactions(ctx, coID, sessionID, afterIndex, txs, lastSignature); err != nil {
		return err
	}
	lastIndex := afterIndex + len(txs)
	if err := r.bumpKnownState(ctx, coID, sessionID, lastIndex); err != nil {
		// The cache is an optimization, not a source of truth: the
		// backend write above already succeeded and is durable, so a
		// failed bump is only logged here, not surfaced as a write
		// failure. KnownState falls back to the backend only when the
		// cache entry is missing or unreadable; an existing older entry
		// is returned as is until a later bump replaces it.
		r.logger.Warn("redisstore: known-state cache bump failed", zap.String("coValueID", string(coID)), zap.String("session", string(sessionID)), zap.Error(err))
	}
	return nil
}

func (r *RedisStore) bumpKnownState(ctx context.Context, coID id.CoValueID, sessionID id.SessionID, lastIndex int) error {
	known, err := r.readKnownState(ctx, coID)
	if err != nil {
		known = map[id.SessionID]int{}
	}
	known[sessionID] = lastIndex
	encoded, err := json.Marshal(known)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, knownStateKey(coID), encoded, r.ttl).Err()
}

func (r *RedisStore) readKnownState(ctx context.Context, coID id.CoValueID) (map[id.SessionID]int, error) {
	raw, err := r.client.Get(ctx, knownStateKey(coID)).Bytes()
	if err != nil {
		return nil, err
	}
	var known map[id.SessionID]int
	if err := json.Unmarshal(raw, &known); err != nil {
		return nil, err
	}
	return known, nil
}

// KnownState returns coID's per-session lastIndex summary, preferring
// the cache and falling back to (and repopulating from) the backend's
// full record on a miss.
func (r *RedisStore) KnownState(ctx context.Context, coID id.CoValueID) (map[id.SessionID]int, error) {
	if known, err := r.readKnownState(ctx, coID); err == nil {
		return known, nil
	}
	record, err := r.backend.ReadCoValue(ctx, coID)
	if err != nil {
		return nil, err
	}
	known := make(map[id.SessionID]int, len(record.Sessions))
	for sessionID, rec := range record.Sessions {
		known[sessionID] = len(rec.Transactions) - 1
	}
	encoded, err := json.Marshal(known)
	if err == nil {
		r.client.Set(ctx, knownStateKey(coID), encoded, r.ttl)
	}
	return known, nil
}

func (r *RedisStore) ReadCoValue(ctx context.Context, coID id.CoValueID) (storage.Record, error) {
	return r.backend.ReadCoValue(ctx, coID)
}

func (r *RedisStore) ListCoValues(ctx context.Context) ([]id.CoValueID, error) {
	return r.backend.ListCoValues(ctx)
}
