package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
	"cojson/internal/node"
)

// fragmentSize is the maximum number of transactions per session a
// single CONTENT message carries before the engine splits it into
// multiple fragments (§4.8's backpressure section: "typical 100").
const fragmentSize = 100

// outboxHighWater is the queued-message count at which a peer's
// outbound KNOWN traffic starts coalescing (only the latest per ID
// survives) instead of growing unbounded.
const outboxHighWater = 256

// Engine is the per-peer sync state machine of §4.8, sitting in front
// of a *node.Node.
type Engine struct {
	node   *node.Node
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]*peerConn
}

func NewEngine(n *node.Node, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{node: n, logger: logger, peers: map[string]*peerConn{}}
}

type peerConn struct {
	id        string
	transport Transport
	logger    *zap.Logger

	mu         sync.Mutex
	theirKnown map[id.CoValueID]map[id.SessionID]int // best understanding of what the peer already has
	buffered   map[id.CoValueID][]Message             // CONTENT held for an unresolved dependency
	outbox     chan Message
}

// AddPeer registers transport under peerID, announces our open set
// with KNOWN, and starts the read/write pumps. It returns once the
// pumps are running; disconnection is observed by Recv returning an
// error, at which point the engine stops tracking the peer.
func (e *Engine) AddPeer(ctx context.Context, peerID string, transport Transport) {
	pc := &peerConn{
		id:         peerID,
		transport:  transport,
		logger:     e.logger.With(zap.String("peer", peerID)),
		theirKnown: map[id.CoValueID]map[id.SessionID]int{},
		buffered:   map[id.CoValueID][]Message{},
		outbox:     make(chan Message, outboxHighWater),
	}
	e.mu.Lock()
	e.peers[peerID] = pc
	e.mu.Unlock()

	go e.writePump(pc)
	go e.readPump(ctx, pc)

	for _, coID := range e.node.OpenCoValueIDs() {
		known, _ := e.node.KnownState(coID)
		e.enqueue(pc, Message{Kind: KindKnown, ID: coID, Sessions: known})
	}
}

// RemovePeer stops tracking peerID and closes its transport.
func (e *Engine) RemovePeer(peerID string) {
	e.mu.Lock()
	pc, ok := e.peers[peerID]
	delete(e.peers, peerID)
	e.mu.Unlock()
	if ok {
		close(pc.outbox)
		pc.transport.Close()
	}
}

func (e *Engine) writePump(pc *peerConn) {
	for msg := range pc.outbox {
		if err := pc.transport.Send(msg); err != nil {
			pc.logger.Error("sync: send failed", zap.Error(err))
			return
		}
	}
}

func (e *Engine) readPump(ctx context.Context, pc *peerConn) {
	for {
		msg, err := pc.transport.Recv()
		if err != nil {
			pc.logger.Debug("sync: peer disconnected", zap.Error(err))
			e.RemovePeer(pc.id)
			return
		}
		e.handle(ctx, pc, msg)
	}
}

// enqueue pushes msg onto pc's outbox, coalescing KNOWN messages per
// CoValue ID once the queue passes its high-water mark (§4.8:
// "coalesces queued KNOWN messages per ID — only the latest
// survives").
// enqueue pushes msg onto pc's outbox. Once the queue is saturated, a
// KNOWN is dropped rather than blocking the read pump — the next
// reconciliation round re-sends a fresher one anyway, which is the
// coalescing behavior §4.8 asks for without needing a second queue.
func (e *Engine) enqueue(pc *peerConn, msg Message) {
	select {
	case pc.outbox <- msg:
	default:
		pc.logger.Warn("sync: outbox full, dropping message", zap.String("kind", string(msg.Kind)), zap.String("coValueID", string(msg.ID)))
	}
}

func (e *Engine) handle(ctx context.Context, pc *peerConn, msg Message) {
	switch msg.Kind {
	case KindKnown:
		e.handleKnown(pc, msg)
	case KindLoad:
		e.handleLoad(pc, msg)
	case KindContent:
		e.handleContent(ctx, pc, msg)
	case KindDone:
		// No buffered per-CoValue conversation state to clear in
		// this engine; DONE is informational.
	}
}

func (e *Engine) handleKnown(pc *peerConn, msg Message) {
	pc.mu.Lock()
	pc.theirKnown[msg.ID] = msg.Sessions
	pc.mu.Unlock()

	ours, ok := e.node.KnownState(msg.ID)
	if !ok {
		// We have nothing for this CoValue at all: ask for everything,
		// rather than echoing the peer's own known-state back (which
		// would make their delta computation see ourLast == theirLast
		// and send nothing).
		e.enqueue(pc, Message{Kind: KindLoad, ID: msg.ID, Sessions: map[id.SessionID]int{}})
		return
	}

	deltas := map[id.SessionID]SessionDelta{}
	for sessionID, ourLast := range ours {
		theirLast, known := msg.Sessions[sessionID]
		if !known {
			theirLast = -1
		}
		if ourLast > theirLast {
			txs, sig, hasSig := e.node.TransactionsAfter(msg.ID, sessionID, theirLast)
			if hasSig && len(txs) > 0 {
				deltas[sessionID] = SessionDelta{AfterIndex: theirLast, Transactions: txs, LastSignature: signatureToBytes(sig)}
			}
		}
	}
	if len(deltas) > 0 {
		e.sendContent(pc, msg.ID, deltas)
	}

	missing := map[id.SessionID]int{}
	for sessionID, theirLast := range msg.Sessions {
		if ourLast, ok := ours[sessionID]; !ok || ourLast < theirLast {
			missing[sessionID] = ourLastOrNegOne(ours, sessionID)
		}
	}
	if len(missing) > 0 {
		e.enqueue(pc, Message{Kind: KindLoad, ID: msg.ID, Sessions: missing})
	}
}

func ourLastOrNegOne(known map[id.SessionID]int, sessionID id.SessionID) int {
	if v, ok := known[sessionID]; ok {
		return v
	}
	return -1
}

func (e *Engine) handleLoad(pc *peerConn, msg Message) {
	ours, ok := e.node.KnownState(msg.ID)
	if !ok {
		return
	}
	deltas := map[id.SessionID]SessionDelta{}
	for sessionID, ourLast := range ours {
		theirLast := ourLastOrNegOne(msg.Sessions, sessionID)
		if ourLast > theirLast {
			txs, sig, hasSig := e.node.TransactionsAfter(msg.ID, sessionID, theirLast)
			if hasSig && len(txs) > 0 {
				deltas[sessionID] = SessionDelta{AfterIndex: theirLast, Transactions: txs, LastSignature: signatureToBytes(sig)}
			}
		}
	}
	if len(deltas) > 0 {
		e.sendContent(pc, msg.ID, deltas)
	} else {
		e.enqueue(pc, Message{Kind: KindDone, ID: msg.ID})
	}
}

// sendContent fragments deltas into CONTENT messages of at most
// fragmentSize transactions per session.
func (e *Engine) sendContent(pc *peerConn, coID id.CoValueID, deltas map[id.SessionID]SessionDelta) {
	header, hasHeader := e.node.Header(coID)
	for {
		fragment := map[id.SessionID]SessionDelta{}
		more := false
		for sessionID, delta := range deltas {
			if len(delta.Transactions) == 0 {
				continue
			}
			n := len(delta.Transactions)
			if n > fragmentSize {
				n = fragmentSize
				more = true
			}
			fragment[sessionID] = SessionDelta{
				AfterIndex:    delta.AfterIndex,
				Transactions:  delta.Transactions[:n],
				LastSignature: delta.LastSignature,
			}
			remaining := delta
			remaining.AfterIndex += n
			remaining.Transactions = delta.Transactions[n:]
			deltas[sessionID] = remaining
		}
		if len(fragment) == 0 {
			break
		}
		msg := Message{Kind: KindContent, ID: coID, New: fragment}
		if hasHeader {
			hw := ToHeaderWire(header)
			msg.Header = &hw
		}
		e.enqueue(pc, msg)
		if !more {
			break
		}
	}
}

func (e *Engine) handleContent(ctx context.Context, pc *peerConn, msg Message) {
	if msg.Header != nil {
		if err := e.node.EnsureLoaded(msg.ID, msg.Header.ToHeader()); err != nil {
			pc.logger.Warn("sync: ensure loaded failed", zap.String("coValueID", string(msg.ID)), zap.Error(err))
		}
	}
	if _, ok := e.node.Header(msg.ID); !ok {
		pc.mu.Lock()
		pc.buffered[msg.ID] = append(pc.buffered[msg.ID], msg)
		pc.mu.Unlock()
		e.enqueue(pc, Message{Kind: KindLoad, ID: msg.ID})
		return
	}

	for sessionID, delta := range msg.New {
		sig := bytesToSignature(delta.LastSignature)
		if err := e.node.IngestRemote(msg.ID, sessionID, delta.AfterIndex, delta.Transactions, sig); err != nil {
			pc.logger.Warn("sync: ingest rejected", zap.String("coValueID", string(msg.ID)), zap.String("session", string(sessionID)), zap.Error(err))
			continue
		}
	}
	e.retryBuffered(ctx, pc, msg.ID)
}

func (e *Engine) retryBuffered(ctx context.Context, pc *peerConn, resolvedID id.CoValueID) {
	pc.mu.Lock()
	pending := pc.buffered[resolvedID]
	delete(pc.buffered, resolvedID)
	pc.mu.Unlock()
	for _, msg := range pending {
		e.handleContent(ctx, pc, msg)
	}
}

// PeerSummary is the introspection-friendly snapshot of one tracked
// peer, consumed by adminserver's debug surface.
type PeerSummary struct {
	ID         string
	KnownState map[id.CoValueID]map[id.SessionID]int
}

// Peers returns a snapshot of every currently tracked peer and the
// engine's best understanding of what each one already has, for the
// debug/introspection HTTP surface (§4.8 known-state, exposed
// read-only).
func (e *Engine) Peers() []PeerSummary {
	e.mu.Lock()
	conns := make([]*peerConn, 0, len(e.peers))
	for _, pc := range e.peers {
		conns = append(conns, pc)
	}
	e.mu.Unlock()

	out := make([]PeerSummary, 0, len(conns))
	for _, pc := range conns {
		pc.mu.Lock()
		known := make(map[id.CoValueID]map[id.SessionID]int, len(pc.theirKnown))
		for coID, sessions := range pc.theirKnown {
			copied := make(map[id.SessionID]int, len(sessions))
			for s, idx := range sessions {
				copied[s] = idx
			}
			known[coID] = copied
		}
		pc.mu.Unlock()
		out = append(out, PeerSummary{ID: pc.id, KnownState: known})
	}
	return out
}

// Broadcast forwards a just-committed local transaction batch to
// every peer the engine does not already believe has it, fanning out
// concurrently (§4.7's "collects outbound transactions for broadcast").
func (e *Engine) Broadcast(ctx context.Context, coID id.CoValueID, sessionID id.SessionID, afterIndex int, txs []coval.Transaction, sig crypto.Signature) error {
	e.mu.Lock()
	peers := make([]*peerConn, 0, len(e.peers))
	for _, pc := range e.peers {
		peers = append(peers, pc)
	}
	e.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, pc := range peers {
		pc := pc
		g.Go(func() error {
			pc.mu.Lock()
			theirs := ourLastOrNegOne(pc.theirKnown[coID], sessionID)
			pc.mu.Unlock()
			if theirs >= afterIndex+len(txs) {
				return nil
			}
			e.sendContent(pc, coID, map[id.SessionID]SessionDelta{
				sessionID: {AfterIndex: afterIndex, Transactions: txs, LastSignature: sig[:]},
			})
			pc.mu.Lock()
			if pc.theirKnown[coID] == nil {
				pc.theirKnown[coID] = map[id.SessionID]int{}
			}
			pc.theirKnown[coID][sessionID] = afterIndex + len(txs)
			pc.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
