// Package perm implements the Group/Account permission model of §4.5:
// role resolution over a group's CoMap content, key-epoch lookups, and
// parent-group inheritance.
package perm

import (
	"encoding/json"
	"strings"

	"cojson/internal/causal"
	"cojson/internal/crdt"
	"cojson/internal/id"
)

// Role is one of the five grants §3/§4.5 define.
type Role string

const (
	RoleReader    Role = "reader"
	RoleWriter    Role = "writer"
	RoleAdmin     Role = "admin"
	RoleWriteOnly Role = "writeOnly"
	RoleRevoked   Role = "revoked"
	RoleNone      Role = ""
)

// rank gives the relation used only to combine (min/max) a child
// override with an inherited parent role per §4.5's "effective role =
// min(parent role, child override)" rule. It is not used to gate
// writes/reads — those go through CanWrite/CanReadPrivate/CanAdmin,
// which are not totally ordered (writeOnly and reader are
// incomparable on read/write axes).
var rank = map[Role]int{
	RoleNone:      0,
	RoleRevoked:   0,
	RoleReader:    1,
	RoleWriteOnly: 2,
	RoleWriter:    3,
	RoleAdmin:     4,
}

func minRole(a, b Role) Role {
	if rank[a] <= rank[b] {
		return a
	}
	return b
}

func maxRole(a, b Role) Role {
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// CanWrite reports whether role may append ordinary changes.
func CanWrite(r Role) bool { return r == RoleWriter || r == RoleWriteOnly || r == RoleAdmin }

// CanReadPrivate reports whether role may read others' private
// (encrypted) transactions. writeOnly is explicitly excluded (§4.4.2).
func CanReadPrivate(r Role) bool { return r == RoleWriter || r == RoleReader || r == RoleAdmin }

// CanAdmin reports whether role may change group membership.
func CanAdmin(r Role) bool { return r == RoleAdmin }

func parseRole(raw json.RawMessage) Role {
	var r Role
	if err := json.Unmarshal(raw, &r); err != nil {
		return RoleNone
	}
	return r
}

// isAccountGrantKey reports whether key is a pure account-role grant
// ("<accountID>" or "everyone"), as opposed to a sealed-key blob
// ("<accountID>_<epochID>"), the readKey pointer, a parentGroup_ marker
// or an inviteSecret_ grant.
func isAccountGrantKey(key string) bool {
	if key == "everyone" {
		return true
	}
	return strings.HasPrefix(key, "co_z") && !strings.Contains(key, "_key_z")
}

// IsMembershipKey reports whether key is shaped like a group-membership
// mutation (role grant, key epoch, sealed key, parent link or invite) —
// the set of keys that require CanAdmin rather than CanWrite (§4.4.2).
func IsMembershipKey(key string) bool {
	if isAccountGrantKey(key) {
		return true
	}
	return key == "readKey" ||
		strings.HasPrefix(key, "parentGroup_") ||
		strings.HasPrefix(key, "inviteSecret_") ||
		(strings.HasPrefix(key, "co_z") && strings.Contains(key, "_key_z"))
}

// ResolveParent looks up another group's content by ID, used to follow
// parentGroup_<id> inheritance markers. It is supplied by whatever owns
// the registry of loaded CoValues (the node).
type ResolveParent func(group id.CoValueID) (*crdt.Map, bool)

// RoleAt folds content (a group's or account's CoMap view) to compute
// account's effective role as of causal position at, per §4.5's
// algorithm plus the bootstrap rule: a group with no role-grant entries
// at all as of at implicitly treats every signer as admin, which is
// what lets the CoValue's very first (creating) transaction succeed
// before any grant exists to authorize it.
func RoleAt(content *crdt.Map, account id.AccountID, at causal.CausalKey, resolveParent ResolveParent) Role {
	base := RoleNone
	if v, ok := content.GetAt(string(account), at); ok {
		base = parseRole(v)
	}
	if base == RoleNone {
		if v, ok := content.GetAt("everyone", at); ok {
			base = parseRole(v)
		}
	}
	if base == RoleNone && !hasAnyGrantAt(content, at) {
		return RoleAdmin
	}

	parentBase := RoleNone
	if resolveParent != nil {
		for _, key := range content.KeysAt(at) {
			gid, ok := parseParentGroupKey(key)
			if !ok {
				continue
			}
			parentContent, found := resolveParent(gid)
			if !found {
				continue
			}
			parentBase = maxRole(parentBase, RoleAt(parentContent, account, at, resolveParent))
		}
	}

	if base != RoleNone && parentBase != RoleNone {
		return minRole(base, parentBase)
	}
	if base != RoleNone {
		return base
	}
	return parentBase
}

func hasAnyGrantAt(content *crdt.Map, at causal.CausalKey) bool {
	for _, key := range content.KeysAt(at) {
		if isAccountGrantKey(key) {
			return true
		}
	}
	return false
}

func parseParentGroupKey(key string) (id.CoValueID, bool) {
	const prefix = "parentGroup_"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return id.CoValueID(key[len(prefix):]), true
}

// ReadKeyAt returns the currently active key epoch as of at.
func ReadKeyAt(content *crdt.Map, at causal.CausalKey) (id.KeyID, bool) {
	v, ok := content.GetAt("readKey", at)
	if !ok {
		return "", false
	}
	var k id.KeyID
	if err := json.Unmarshal(v, &k); err != nil {
		return "", false
	}
	return k, true
}

// SealedKeyAt returns the sealed symmetric-key blob for (account,
// epoch) as of at.
func SealedKeyAt(content *crdt.Map, account id.AccountID, epoch id.KeyID, at causal.CausalKey) ([]byte, bool) {
	v, ok := content.GetAt(string(account)+"_"+string(epoch), at)
	if !ok {
		return nil, false
	}
	var blob []byte
	if err := json.Unmarshal(v, &blob); err != nil {
		return nil, false
	}
	return blob, true
}

// InviteRole reports the role granted by an inviteSecret_<secret>_<role>
// entry matching secret, if present as of at.
func InviteRole(content *crdt.Map, secret string, at causal.CausalKey) (Role, bool) {
	prefix := "inviteSecret_" + secret + "_"
	for _, key := range content.KeysAt(at) {
		if strings.HasPrefix(key, prefix) {
			return Role(strings.TrimPrefix(key, prefix)), true
		}
	}
	return RoleNone, false
}

// AnyInviteRole reports whether some invite entry (of any secret) grants
// role, as of at. The core uses this to validate an invite
// self-insertion transaction: it cannot check secret possession (that
// lives outside the CRDT), only that the role being self-granted
// matches a live invite of that role.
func AnyInviteRole(content *crdt.Map, role Role, at causal.CausalKey) bool {
	want := "inviteSecret_"
	suffix := "_" + string(role)
	for _, key := range content.KeysAt(at) {
		if strings.HasPrefix(key, want) && strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}
