// Package node implements the process-wide registry of CoValueCores
// (§4.7): loading, creating and subscribing to CoValues, dispatching
// sync traffic, and owning the local account's key material so it can
// satisfy coval.Resolver for every core it registers.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cojson/internal/coval"
	"cojson/internal/crdt"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/storage"
	"cojson/internal/storage/memstore"
)

// Account is the local identity a Node acts as: the keys needed to
// sign new transactions and unseal group keys sealed to us.
type Account struct {
	ID           id.AccountID
	SigningPriv  crypto.SigningPrivateKey
	SigningPub   crypto.SigningPublicKey
	SealingPriv  crypto.SealingPrivateKey
	SealingPub   crypto.SealingPublicKey
}

// Config carries Node's optional dependencies, following the
// functional-options shape the rest of this codebase uses for
// constructors with more than a couple of knobs.
type Config struct {
	storage storage.Storage
	logger  *zap.Logger
}

type Option func(*Config)

func WithStorage(s storage.Storage) Option { return func(c *Config) { c.storage = s } }
func WithLogger(l *zap.Logger) Option      { return func(c *Config) { c.logger = l } }

// Handle is a thin typed wrapper over a loaded core (§9's "the public
// handle is a thin typed wrapper" note), returned by Load/Create.
type Handle struct {
	ID   id.CoValueID
	core *coval.Core
}

func (h *Handle) MapView() (*crdt.Map, error)       { return h.core.MapView() }
func (h *Handle) ListView() (*crdt.List, error)      { return h.core.ListView() }
func (h *Handle) StreamView() (*crdt.Stream, error)  { return h.core.StreamView() }
func (h *Handle) TextView() (*crdt.PlainText, error) { return h.core.TextView() }

func (h *Handle) AtTime(t int64) (coval.TimeView, error) { return h.core.AtTime(t) }

func (h *Handle) Subscribe(fn func()) (unsubscribe func()) { return h.core.Subscribe(fn) }

// Write appends a locally-authored transaction in the given session
// (which must belong to the node's own account for the signature to
// verify).
func (h *Handle) Write(sessionID id.SessionID, signingPriv crypto.SigningPrivateKey, madeAt int64, privacy coval.Privacy, changes []byte, keyUsed id.KeyID) error {
	return h.core.Write(sessionID, signingPriv, madeAt, privacy, changes, keyUsed)
}

// Node is the process-wide registry described in §4.7. A weak-style
// cache is approximated with a plain map plus Evict: loaded CoValues
// are held by strong references, so idle reclamation is explicit
// through Evict rather than GC-driven.
type Node struct {
	account Account
	crypto  crypto.Provider
	storage storage.Storage
	logger  *zap.Logger

	mu       sync.Mutex
	cores    map[id.CoValueID]*coval.Core
	headers  map[id.CoValueID]coval.Header
	peerKeys map[id.AccountID]crypto.SigningPublicKey

	group singleflight.Group
}

// Open starts a Node for account, per §4.7's open(account, crypto,
// storage, peers[]) lifecycle (peer wiring itself lives in the sync
// package, which holds a *Node).
func Open(account Account, provider crypto.Provider, opts ...Option) *Node {
	cfg := Config{storage: memstore.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	n := &Node{
		account:  account,
		crypto:   provider,
		storage:  cfg.storage,
		logger:   cfg.logger,
		cores:    map[id.CoValueID]*coval.Core{},
		headers:  map[id.CoValueID]coval.Header{},
		peerKeys: map[id.AccountID]crypto.SigningPublicKey{account.ID: account.SigningPub},
	}
	return n
}

// Close releases the node's in-memory state. Storage is not closed
// here — its lifetime is owned by whoever constructed it.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cores = map[id.CoValueID]*coval.Core{}
}

// TrustSigningKey registers the verifying key for an account the node
// will need to validate sessions for (normally learned from that
// account's own CoValue content, bootstrapped here for tests and
// initial peer handshakes).
func (n *Node) TrustSigningKey(account id.AccountID, pub crypto.SigningPublicKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peerKeys[account] = pub
}

// Create mints a new CoValue, persists its header and initial
// transactions, and registers a core for it.
func (n *Node) Create(ctx context.Context, header coval.Header, sessionID id.SessionID, signingPriv crypto.SigningPrivateKey, madeAt int64, privacy coval.Privacy, changes []byte, keyUsed id.KeyID) (*Handle, error) {
	coID, err := header.ID(n.crypto)
	if err != nil {
		return nil, fmt.Errorf("node: derive header id: %w", err)
	}

	n.mu.Lock()
	core, err := coval.NewCore(coID, header, n.crypto, n)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	n.cores[coID] = core
	n.headers[coID] = header
	n.mu.Unlock()

	if err := n.storage.WriteHeader(ctx, coID, header); err != nil {
		n.logger.Warn("create: header persist failed", zap.String("coValueID", string(coID)), zap.Error(err))
	}
	if err := core.Write(sessionID, signingPriv, madeAt, privacy, changes, keyUsed); err != nil {
		return nil, fmt.Errorf("node: initial write: %w", err)
	}
	if err := n.persist(ctx, coID); err != nil {
		n.logger.Warn("create: storage write failed", zap.String("coValueID", string(coID)), zap.Error(err))
	}
	return &Handle{ID: coID, core: core}, nil
}

// Load returns a handle for an already-known CoValue, reading it from
// storage on first access and registering a core. Concurrent Load
// calls for the same ID are deduplicated via singleflight so a burst
// of subscribers triggers exactly one storage read.
func (n *Node) Load(ctx context.Context, coID id.CoValueID, header coval.Header) (*Handle, error) {
	n.mu.Lock()
	if core, ok := n.cores[coID]; ok {
		n.mu.Unlock()
		return &Handle{ID: coID, core: core}, nil
	}
	n.mu.Unlock()

	_, err, _ := n.group.Do(string(coID), func() (interface{}, error) {
		n.mu.Lock()
		if _, ok := n.cores[coID]; ok {
			n.mu.Unlock()
			return nil, nil
		}
		core, err := coval.NewCore(coID, header, n.crypto, n)
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		n.cores[coID] = core
		n.headers[coID] = header
		n.mu.Unlock()

		record, err := n.storage.ReadCoValue(ctx, coID)
		if err != nil {
			n.logger.Debug("load: no stored state", zap.String("coValueID", string(coID)), zap.Error(err))
			return nil, nil
		}
		for sessionID, sess := range record.Sessions {
			if err := core.Ingest(sessionID, -1, sess.Transactions, sess.LastSignature); err != nil {
				n.logger.Warn("load: stored session failed to ingest", zap.String("coValueID", string(coID)), zap.String("session", string(sessionID)), zap.Error(err))
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	core := n.cores[coID]
	n.mu.Unlock()
	return &Handle{ID: coID, core: core}, nil
}

// Evict drops the core for id from the registry so it can be garbage
// collected, approximating the weak-reference cache of §9.
func (n *Node) Evict(coID id.CoValueID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cores, coID)
}

// IngestRemote applies a peer-delivered batch to the named CoValue's
// session, used by the sync engine when a CONTENT message lands.
func (n *Node) IngestRemote(coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, signatureAfter crypto.Signature) error {
	n.mu.Lock()
	core, ok := n.cores[coID]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: %s not loaded", coID)
	}
	if err := core.Ingest(sessionID, afterIndex, txs, signatureAfter); err != nil {
		return err
	}
	return n.persist(context.Background(), coID)
}

func (n *Node) persist(ctx context.Context, coID id.CoValueID) error {
	n.mu.Lock()
	core, ok := n.cores[coID]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	for sessionID := range core.KnownState() {
		txs, sig, hasSig := core.TransactionsAfter(sessionID, -1)
		if !hasSig || len(txs) == 0 {
			continue
		}
		if err := n.storage.WriteTransactions(ctx, coID, sessionID, -1, txs, sig); err != nil {
			return err
		}
	}
	return nil
}

// KnownState reports a loaded CoValue's per-session last index, or
// false if it is not registered.
func (n *Node) KnownState(coID id.CoValueID) (map[id.SessionID]int, bool) {
	n.mu.Lock()
	core, ok := n.cores[coID]
	n.mu.Unlock()
	if !ok {
		return nil, false
	}
	return core.KnownState(), true
}

// TransactionsAfter exposes a loaded core's session delta for the sync
// engine's CONTENT construction.
func (n *Node) TransactionsAfter(coID id.CoValueID, sessionID id.SessionID, index int) ([]coval.Transaction, crypto.Signature, bool) {
	n.mu.Lock()
	core, ok := n.cores[coID]
	n.mu.Unlock()
	if !ok {
		return nil, crypto.Signature{}, false
	}
	return core.TransactionsAfter(sessionID, index)
}

// Header returns a registered CoValue's header, used by sync to
// answer KNOWN with header metadata.
func (n *Node) Header(coID id.CoValueID) (coval.Header, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.headers[coID]
	return h, ok
}

// OpenCoValueIDs lists every CoValue currently registered, the
// "bounded by open set, not storage set" scope §4.8 names for the
// initial KNOWN exchange on peer connect.
func (n *Node) OpenCoValueIDs() []id.CoValueID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]id.CoValueID, 0, len(n.cores))
	for coID := range n.cores {
		out = append(out, coID)
	}
	return out
}

// EnsureLoaded registers a core for coID using header if it is not
// already registered, without touching storage — used by the sync
// engine when a CONTENT/LOAD message names a CoValue it has not
// opened yet.
func (n *Node) EnsureLoaded(coID id.CoValueID, header coval.Header) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.cores[coID]; ok {
		return nil
	}
	core, err := coval.NewCore(coID, header, n.crypto, n)
	if err != nil {
		return err
	}
	n.cores[coID] = core
	n.headers[coID] = header
	return nil
}

// ---- coval.Resolver ----

var _ coval.Resolver = (*Node)(nil)

func (n *Node) ResolveGroupContent(group id.CoValueID) (*crdt.Map, bool) {
	n.mu.Lock()
	core, ok := n.cores[group]
	n.mu.Unlock()
	if !ok {
		return nil, false
	}
	view, err := core.MapView()
	if err != nil {
		return nil, false
	}
	return view, true
}

func (n *Node) ResolveSigningKey(account id.AccountID) (crypto.SigningPublicKey, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pub, ok := n.peerKeys[account]
	return pub, ok
}

func (n *Node) UnsealGroupKey(group id.CoValueID, epoch id.KeyID) (crypto.SymmetricKey, bool) {
	content, ok := n.ResolveGroupContent(group)
	if !ok {
		return crypto.SymmetricKey{}, false
	}
	blob, ok := content.Get(string(n.account.ID) + "_" + string(epoch))
	if !ok {
		return crypto.SymmetricKey{}, false
	}
	var sealed struct {
		From  crypto.SealingPublicKey `json:"from"`
		Nonce crypto.SealNonce        `json:"nonce"`
		Box   []byte                  `json:"box"`
	}
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return crypto.SymmetricKey{}, false
	}
	plain, err := n.crypto.Unseal(sealed.From, n.account.SealingPriv, sealed.Nonce, sealed.Box)
	if err != nil || len(plain) != crypto.SymmetricKeySize {
		return crypto.SymmetricKey{}, false
	}
	var key crypto.SymmetricKey
	copy(key[:], plain)
	return key, true
}
