// Package adminserver is a debug/introspection HTTP surface over a
// running node and sync engine: the loaded CoValue set and per-peer
// known-state, for operators — not the core's wire protocol, which has
// no CLI/HTTP surface of its own. New builds the server and Router
// returns its github.com/gorilla/mux handler; serving it is left to
// the caller.
package adminserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cojson/internal/id"
	"cojson/internal/node"
	"cojson/internal/sync"
)

// Server exposes read-only introspection endpoints over a *node.Node
// and *sync.Engine. It never mutates either — every handler is a GET.
type Server struct {
	node   *node.Node
	engine *sync.Engine
	logger *zap.Logger
}

func New(n *node.Node, engine *sync.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{node: n, engine: engine, logger: logger}
}

// Router builds the mux.Router serving this node's debug endpoints.
// The caller owns ListenAndServe (or wraps it behind TLS, auth,
// whatever the deployment needs) — Server only constructs routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/covalues", s.handleListCoValues()).Methods(http.MethodGet)
	r.HandleFunc("/covalues/{id}/known", s.handleCoValueKnownState()).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers()).Methods(http.MethodGet)
	return r
}

type coValueSummary struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	KnownState map[string]int `json:"knownState"`
}

func (s *Server) handleListCoValues() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := s.node.OpenCoValueIDs()
		out := make([]coValueSummary, 0, len(ids))
		for _, coID := range ids {
			out = append(out, s.summarize(coID))
		}
		writeJSON(w, s.logger, out)
	}
}

func (s *Server) handleCoValueKnownState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		coID := id.CoValueID(mux.Vars(r)["id"])
		known, ok := s.node.KnownState(coID)
		if !ok {
			http.Error(w, "covalue not loaded", http.StatusNotFound)
			return
		}
		writeJSON(w, s.logger, stringifyKnown(known))
	}
}

type peerSummary struct {
	ID         string                    `json:"id"`
	KnownState map[string]map[string]int `json:"knownState"`
}

func (s *Server) handlePeers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers := s.engine.Peers()
		out := make([]peerSummary, 0, len(peers))
		for _, p := range peers {
			known := make(map[string]map[string]int, len(p.KnownState))
			for coID, sessions := range p.KnownState {
				known[string(coID)] = stringifyKnown(sessions)
			}
			out = append(out, peerSummary{ID: p.ID, KnownState: known})
		}
		writeJSON(w, s.logger, out)
	}
}

func (s *Server) summarize(coID id.CoValueID) coValueSummary {
	header, _ := s.node.Header(coID)
	known, _ := s.node.KnownState(coID)
	return coValueSummary{ID: string(coID), Type: string(header.Type), KnownState: stringifyKnown(known)}
}

func stringifyKnown(known map[id.SessionID]int) map[string]int {
	out := make(map[string]int, len(known))
	for sessionID, idx := range known {
		out[string(sessionID)] = idx
	}
	return out
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("adminserver: encode response failed", zap.Error(err))
	}
}
