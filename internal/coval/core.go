package coval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cojson/internal/causal"
	"cojson/internal/crdt"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/perm"
)

// Resolver is the core's window onto the rest of the registry (§4.7's
// node owns the real implementation): resolving another CoValue's
// group content for permission checks and parent inheritance,
// locating an account's verifying key from its ID, and unsealing a
// group's symmetric key for an epoch the local account has been
// granted. A core never reaches into another core directly — it asks
// the resolver, which is free to trigger a load.
type Resolver interface {
	ResolveGroupContent(group id.CoValueID) (*crdt.Map, bool)
	ResolveSigningKey(account id.AccountID) (crypto.SigningPublicKey, bool)
	UnsealGroupKey(group id.CoValueID, epoch id.KeyID) (crypto.SymmetricKey, bool)
}

// Core owns one CoValue's complete state (§4.4): its session logs, a
// lazily-recomputed materialized view, and the bookkeeping needed to
// retry permission-denied and key-unavailable transactions correctly
// as new information arrives.
type Core struct {
	ID       id.CoValueID
	Header   Header
	crypto   crypto.Provider
	resolver Resolver

	sessions map[id.SessionID]*SessionLog

	dirty bool

	mapView    *crdt.Map
	listView   *crdt.List
	streamView *crdt.Stream
	textView   *crdt.PlainText

	// denied holds, for the current Recompute pass only, transactions
	// whose signer's effective role at their causal position was
	// insufficient (§7's PermissionDenied disposition). It is rebuilt
	// from scratch at the top of every Recompute rather than carried
	// over: a transaction denied because a causally-earlier group grant
	// had not arrived yet is re-evaluated, and may be let in, the next
	// time this core is marked dirty and recomputes.
	denied map[id.TransactionID]bool

	subscribers []subscription
	nextSubID   int
}

type subscription struct {
	id int
	fn func()
}

// NewCore creates an empty core for a just-resolved header. The caller
// (the node) is responsible for having already validated the header's
// ID against its canonical hash.
func NewCore(coID id.CoValueID, header Header, provider crypto.Provider, resolver Resolver) (*Core, error) {
	c := &Core{
		ID:       coID,
		Header:   header,
		crypto:   provider,
		resolver: resolver,
		sessions: map[id.SessionID]*SessionLog{},
		denied:   map[id.TransactionID]bool{},
	}
	if err := c.resetViews(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) resetViews() error {
	switch c.Header.Type {
	case KindComap, KindGroup, KindAccount:
		c.mapView = crdt.NewMap()
	case KindColist:
		c.listView = crdt.NewList()
	case KindCostream:
		c.streamView = crdt.NewStream()
	case KindCoplaintext:
		c.textView = crdt.NewPlainText()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, c.Header.Type)
	}
	return nil
}

// sessionLog returns (creating if absent) the session log for
// sessionID, resolving its verifying key from the embedded account ID.
func (c *Core) sessionLog(sessionID id.SessionID) (*SessionLog, error) {
	if log, ok := c.sessions[sessionID]; ok {
		return log, nil
	}
	account, ok := sessionID.Account()
	if !ok {
		return nil, fmt.Errorf("coval: malformed session id %q", sessionID)
	}
	pub, ok := c.resolver.ResolveSigningKey(account)
	if !ok {
		return nil, fmt.Errorf("%w: signing key for %s", ErrUnknownDependency, account)
	}
	log := NewSessionLog(c.crypto, sessionID, pub)
	c.sessions[sessionID] = log
	return log, nil
}

// Ingest applies a batch of transactions arriving for one session,
// all-or-nothing: the batch is committed only if the chain extends
// cleanly from afterIndex and the trailing signature verifies (§4.4.1,
// §4.8.3). On success the materialized view is marked dirty and
// subscribers are notified exactly once.
func (c *Core) Ingest(sessionID id.SessionID, afterIndex int, txs []Transaction, signatureAfter crypto.Signature) error {
	log, err := c.sessionLog(sessionID)
	if err != nil {
		return err
	}
	if log.LastIndex() != afterIndex {
		return fmt.Errorf("%w: session %s has lastIndex %d, batch expects %d", ErrChainBroken, sessionID, log.LastIndex(), afterIndex)
	}
	if err := log.Append(txs, signatureAfter); err != nil {
		return err
	}
	c.dirty = true
	c.notify()
	return nil
}

// Write appends one locally-authored transaction, signing it fresh
// over the post-append chain hash, after a best-effort permission
// pre-check against the view as last computed. The authoritative
// check happens again in Recompute; this one exists so a local caller
// gets an error back immediately instead of discovering the write was
// silently dropped from the view.
func (c *Core) Write(sessionID id.SessionID, signingKey crypto.SigningPrivateKey, madeAt int64, privacy Privacy, changes json.RawMessage, keyUsed id.KeyID) error {
	account, ok := sessionID.Account()
	if !ok {
		return fmt.Errorf("coval: malformed session id %q", sessionID)
	}
	log, err := c.sessionLog(sessionID)
	if err != nil {
		return err
	}
	at := causal.CausalKey{MadeAt: madeAt, Session: sessionID, Index: log.LastIndex() + 1}
	if err := c.checkWritable(account, at, changes); err != nil {
		return err
	}

	tx := Transaction{MadeAt: madeAt, Privacy: privacy, Changes: changes, KeyUsed: string(keyUsed)}
	hashes, err := log.stageAppend([]Transaction{tx})
	if err != nil {
		return err
	}
	sig := c.crypto.Sign(signingKey, hashes[len(hashes)-1][:])
	log.commit([]Transaction{tx}, hashes, sig)
	c.dirty = true
	c.notify()
	return nil
}

// checkWritable evaluates whether account may make the given
// (plaintext-shaped) change as of at, per §4.4.2's role requirements.
func (c *Core) checkWritable(account id.AccountID, at causal.CausalKey, changes json.RawMessage) error {
	role, err := c.roleAt(account, at)
	if err != nil {
		return err
	}
	if c.isSelfGroup() {
		keys, err := changedMapKeys(changes)
		if err == nil {
			for _, key := range keys {
				if perm.IsMembershipKey(key) && !perm.CanAdmin(role) {
					if c.inviteSelfInsertion(account, at, changes) {
						return nil
					}
					return fmt.Errorf("%w: %s needs admin to change %q", ErrPermissionDenied, account, key)
				}
			}
		}
	}
	if !perm.CanWrite(role) {
		if c.inviteSelfInsertion(account, at, changes) {
			return nil
		}
		return fmt.Errorf("%w: %s has role %q", ErrPermissionDenied, account, role)
	}
	return nil
}

func (c *Core) isSelfGroup() bool {
	return c.Header.Ruleset.Type == RulesetGroup && (c.Header.Type == KindGroup || c.Header.Type == KindAccount)
}

// governingGroupID returns the CoValue whose content governs writes
// to this one, and whether one exists at all (unsafeAllowAll has
// none).
func (c *Core) governingGroupID() (id.CoValueID, bool) {
	switch c.Header.Ruleset.Type {
	case RulesetGroup:
		return c.ID, true
	case RulesetOwnedByGroup:
		return c.Header.Ruleset.Group, true
	default:
		return "", false
	}
}

// groupContent resolves the governing group's CoMap view. For a
// self-group it is this core's own (progressively built) mapView;
// otherwise it goes through the resolver.
func (c *Core) groupContent(gid id.CoValueID) (*crdt.Map, bool) {
	if gid == c.ID && c.isSelfGroup() {
		return c.mapView, true
	}
	return c.resolver.ResolveGroupContent(gid)
}

func (c *Core) resolveParentFunc() perm.ResolveParent {
	return func(g id.CoValueID) (*crdt.Map, bool) { return c.resolver.ResolveGroupContent(g) }
}

// roleAt computes account's effective role as of causal position at,
// per §4.5. unsafeAllowAll rulesets report RoleAdmin unconditionally.
func (c *Core) roleAt(account id.AccountID, at causal.CausalKey) (perm.Role, error) {
	gid, governed := c.governingGroupID()
	if !governed {
		return perm.RoleAdmin, nil
	}
	content, ok := c.groupContent(gid)
	if !ok {
		return perm.RoleNone, fmt.Errorf("%w: group %s", ErrUnknownDependency, gid)
	}
	return perm.RoleAt(content, account, at, c.resolveParentFunc()), nil
}

// orderedTx is one transaction located by its causal position, used
// to fold every session's log in deterministic order during
// Recompute.
type orderedTx struct {
	txID id.TransactionID
	at   causal.CausalKey
	tx   Transaction
}

func (c *Core) allTransactionsByCausalOrder() []orderedTx {
	var all []orderedTx
	for sessionID, log := range c.sessions {
		for i := 0; i < log.Len(); i++ {
			tx, _ := log.Transaction(i)
			all = append(all, orderedTx{
				txID: id.TransactionID{Session: sessionID, Index: i},
				at:   causal.CausalKey{MadeAt: tx.MadeAt, Session: sessionID, Index: i},
				tx:   tx,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].at, all[j].at
		if a.MadeAt != b.MadeAt {
			return a.MadeAt < b.MadeAt
		}
		if a.Session != b.Session {
			return a.Session < b.Session
		}
		return a.Index < b.Index
	})
	return all
}

// Recompute re-derives the materialized view from scratch over every
// validated, decrypted transaction, in causal order (§4.4.4). It is
// the single place permission and decryption gating happens; Ingest
// never filters anything, so a later-arriving group transaction or
// key seal can unlock previously-pending transactions just by calling
// this again. Returns ErrUnknownDependency, leaving the view stale,
// if the governing group itself cannot be resolved yet.
func (c *Core) Recompute() error {
	if !c.dirty {
		return nil
	}
	if gid, governed := c.governingGroupID(); governed {
		if _, ok := c.groupContent(gid); !ok {
			return fmt.Errorf("%w: governing group for %s", ErrUnknownDependency, c.ID)
		}
	}

	if err := c.resetViews(); err != nil {
		return err
	}
	// denied is rebuilt from scratch every pass rather than carried over:
	// a transaction denied here because a causally-earlier group grant
	// had not arrived yet must be re-evaluated (and possibly let in) once
	// that grant lands and marks this core dirty again.
	c.denied = map[id.TransactionID]bool{}

	for _, o := range c.allTransactionsByCausalOrder() {
		account, ok := o.txID.Session.Account()
		if !ok {
			continue
		}
		role, err := c.roleAt(account, o.at)
		if err != nil {
			return err
		}
		plaintext, decrypted, err := c.plaintextChanges(o.tx)
		if err != nil {
			return err
		}
		if !c.checkRoleForApply(account, o.at, role, plaintext, decrypted) {
			c.denied[o.txID] = true
			continue
		}
		if !decrypted {
			continue // KeyUnavailable: retained, retried on next Recompute
		}
		if err := c.apply(o.txID, o.at, plaintext); err != nil {
			return fmt.Errorf("coval: apply %s: %w", o.txID, err)
		}
	}
	c.dirty = false
	return nil
}

func (c *Core) checkRoleForApply(account id.AccountID, at causal.CausalKey, role perm.Role, changes json.RawMessage, decrypted bool) bool {
	if !perm.CanWrite(role) {
		return decrypted && c.inviteSelfInsertion(account, at, changes)
	}
	if !decrypted || !c.isSelfGroup() {
		return true
	}
	keys, err := changedMapKeys(changes)
	if err != nil {
		return true
	}
	for _, key := range keys {
		if perm.IsMembershipKey(key) && !perm.CanAdmin(role) {
			return c.inviteSelfInsertion(account, at, changes)
		}
	}
	return true
}

// inviteSelfInsertion reports whether changes is a valid invite
// self-insertion swap (§4.5): the signer, not yet a member, grants
// itself exactly the role named by a live inviteSecret_<secret>_<role>
// entry, optionally removing that invite entry in the same change
// list. The core cannot verify secret possession (that lives outside
// the CRDT); it only checks that the self-granted role matches a live
// invite of that role, which is the "admin-equivalent operation scoped
// to self-insertion only" the spec describes.
func (c *Core) inviteSelfInsertion(account id.AccountID, at causal.CausalKey, changes json.RawMessage) bool {
	if !c.isSelfGroup() {
		return false
	}
	gid, governed := c.governingGroupID()
	if !governed {
		return false
	}
	content, ok := c.groupContent(gid)
	if !ok {
		return false
	}
	changeList, err := unmarshalChanges(changes)
	if err != nil {
		return false
	}

	var grantedRole perm.Role
	grantsSelf := false
	for _, ch := range changeList {
		switch {
		case ch.Key == string(account):
			if ch.Op != "set" {
				return false
			}
			if err := json.Unmarshal(ch.Value, &grantedRole); err != nil {
				return false
			}
			grantsSelf = true
		case strings.HasPrefix(ch.Key, "inviteSecret_"):
			if ch.Op != "del" {
				return false
			}
		default:
			return false
		}
	}
	if !grantsSelf {
		return false
	}
	return perm.AnyInviteRole(content, grantedRole, at)
}

// plaintextChanges returns the decrypted (or already-plaintext)
// change list for tx, and whether decryption succeeded. A private
// transaction under an epoch not sealed to us comes back as
// (nil, false, nil) — not an error, per §4.4.3's KeyUnavailable
// disposition.
func (c *Core) plaintextChanges(tx Transaction) (json.RawMessage, bool, error) {
	if tx.Privacy == PrivacyTrusting {
		return tx.Changes, true, nil
	}
	gid, governed := c.governingGroupID()
	if !governed {
		return nil, false, fmt.Errorf("coval: private transaction on ungoverned CoValue")
	}
	key, ok := c.resolver.UnsealGroupKey(gid, id.KeyID(tx.KeyUsed))
	if !ok {
		return nil, false, nil
	}
	var payload struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := json.Unmarshal(tx.Changes, &payload); err != nil {
		return nil, false, fmt.Errorf("coval: decode sealed payload: %w", err)
	}
	var nonce crypto.SymmetricNonce
	copy(nonce[:], payload.Nonce)
	plain, err := c.crypto.Decrypt(key, nonce, payload.Ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("%w", err)
	}
	return json.RawMessage(plain), true, nil
}

// EncryptPrivate seals changes under key for the caller to hand to
// Write with PrivacyPrivate.
func (c *Core) EncryptPrivate(key crypto.SymmetricKey, changes json.RawMessage) (json.RawMessage, error) {
	nonceBytes, err := c.crypto.RandomBytes(crypto.SymmetricNonceSize)
	if err != nil {
		return nil, err
	}
	var nonce crypto.SymmetricNonce
	copy(nonce[:], nonceBytes)
	ciphertext := c.crypto.Encrypt(key, nonce, changes)
	return json.Marshal(struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}{nonce[:], ciphertext})
}

func (c *Core) apply(txID id.TransactionID, at causal.CausalKey, changes json.RawMessage) error {
	switch c.Header.Type {
	case KindComap, KindGroup, KindAccount:
		ops, err := decodeMapOps(txID, at, changes)
		if err != nil {
			return err
		}
		for _, op := range ops {
			c.mapView.Apply(op)
		}
	case KindColist:
		ops, err := decodeListOps(txID, at, changes)
		if err != nil {
			return err
		}
		for _, op := range ops {
			c.listView.Apply(op)
		}
	case KindCostream:
		ops, err := decodeStreamOps(at, changes)
		if err != nil {
			return err
		}
		for _, op := range ops {
			c.streamView.Apply(txID.Session, op)
		}
	case KindCoplaintext:
		ops, err := decodePlainTextOps(txID, at, changes)
		if err != nil {
			return err
		}
		for _, op := range ops {
			c.textView.Apply(op)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, c.Header.Type)
	}
	return nil
}

// MapView, ListView, StreamView, TextView return the live materialized
// view, recomputing first if stale. The returned pointer is owned by
// the core; callers must not mutate it directly.
func (c *Core) MapView() (*crdt.Map, error) {
	if err := c.Recompute(); err != nil {
		return nil, err
	}
	return c.mapView, nil
}

func (c *Core) ListView() (*crdt.List, error) {
	if err := c.Recompute(); err != nil {
		return nil, err
	}
	return c.listView, nil
}

func (c *Core) StreamView() (*crdt.Stream, error) {
	if err := c.Recompute(); err != nil {
		return nil, err
	}
	return c.streamView, nil
}

func (c *Core) TextView() (*crdt.PlainText, error) {
	if err := c.Recompute(); err != nil {
		return nil, err
	}
	return c.textView, nil
}

// KnownState summarizes what this core has for sync's KNOWN message
// (§4.8): each session's last committed index.
func (c *Core) KnownState() map[id.SessionID]int {
	out := make(map[id.SessionID]int, len(c.sessions))
	for sessionID, log := range c.sessions {
		out[sessionID] = log.LastIndex()
	}
	return out
}

// TransactionsAfter returns a session's transactions strictly after
// index, for building a CONTENT delta.
func (c *Core) TransactionsAfter(sessionID id.SessionID, index int) ([]Transaction, crypto.Signature, bool) {
	log, ok := c.sessions[sessionID]
	if !ok {
		return nil, crypto.Signature{}, false
	}
	sig, hasSig := log.LastSignature()
	return log.TransactionsAfter(index), sig, hasSig
}

// Subscribe registers fn to be called synchronously, in registration
// order, after each committed ingest batch (§4.4.5). The returned
// function unsubscribes; calling it during delivery only stops future
// notifications, it never interrupts the in-flight one.
func (c *Core) Subscribe(fn func()) (unsubscribe func()) {
	subID := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscription{id: subID, fn: fn})
	return func() {
		for i, s := range c.subscribers {
			if s.id == subID {
				c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (c *Core) notify() {
	for _, s := range append([]subscription(nil), c.subscribers...) {
		s.fn()
	}
}

// AtTime returns a read-only snapshot that ignores transactions with
// MadeAt after t (§4.4.6); it is computed independently of the live
// view and carries no subscription or further-mutation surface.
type TimeView struct {
	MapView    *crdt.Map
	ListView   *crdt.List
	StreamView *crdt.Stream
	TextView   *crdt.PlainText
}

func (c *Core) AtTime(t int64) (TimeView, error) {
	snap, err := NewCore(c.ID, c.Header, c.crypto, c.resolver)
	if err != nil {
		return TimeView{}, err
	}
	for sessionID, log := range c.sessions {
		clone := NewSessionLog(c.crypto, sessionID, log.SignerPub)
		for i := 0; i < log.Len(); i++ {
			tx, _ := log.Transaction(i)
			if tx.MadeAt > t {
				break
			}
			clone.transactions = append(clone.transactions, tx)
			clone.hashes = append(clone.hashes, log.hashes[i])
		}
		if lastSig, ok := log.LastSignature(); ok {
			clone.lastSignature = lastSig
			clone.hasSignature = ok
		}
		snap.sessions[sessionID] = clone
	}
	snap.dirty = true
	if err := snap.Recompute(); err != nil {
		return TimeView{}, err
	}
	return TimeView{MapView: snap.mapView, ListView: snap.listView, StreamView: snap.streamView, TextView: snap.textView}, nil
}
