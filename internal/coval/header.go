// Package coval implements the per-CoValue core: headers, the
// hash-chained session log, and CoValueCore's ingest/validate/decrypt/
// materialize/subscribe pipeline (§3, §4.3, §4.4).
package coval

import (
	"encoding/json"
	"fmt"
	"time"

	"cojson/internal/canon"
	"cojson/internal/crypto"
	"cojson/internal/id"
)

// Kind is the header's `type` field.
type Kind string

const (
	KindComap       Kind = "comap"
	KindColist      Kind = "colist"
	KindCostream    Kind = "costream"
	KindCoplaintext Kind = "coplaintext"
	KindAccount     Kind = "account"
	KindGroup       Kind = "group"
)

// RulesetType selects how permissions are evaluated for a CoValue.
type RulesetType string

const (
	RulesetGroup          RulesetType = "group"
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

// Ruleset is the header field selecting the permission root.
type Ruleset struct {
	Type  RulesetType  `json:"type"`
	Group id.CoValueID `json:"group,omitempty"`
}

// Header is the CoValue's immutable, hashed identity.
type Header struct {
	Type       Kind            `json:"type"`
	Ruleset    Ruleset         `json:"ruleset"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Uniqueness string          `json:"uniqueness"`
}

// ID derives the CoValue's content-hash identity from its canonical
// encoding. The ID never changes once computed: it IS the header hash.
func (h Header) ID(provider crypto.Provider) (id.CoValueID, error) {
	encoded, err := canon.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("coval: canonicalize header: %w", err)
	}
	return id.NewCoValueID(provider.Hash(encoded)), nil
}

// NewUniqueness mints a random nonce so structurally-identical headers
// created independently get distinct IDs.
func NewUniqueness(provider crypto.Provider) (string, error) {
	b, err := provider.RandomBytes(16)
	if err != nil {
		return "", err
	}
	return id.EncodeBase58(b), nil
}
