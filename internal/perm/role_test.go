package perm

import (
	"encoding/json"
	"testing"

	"cojson/internal/causal"
	"cojson/internal/crdt"
	"cojson/internal/id"
)

func setRole(m *crdt.Map, key string, role Role, at causal.CausalKey) {
	v, _ := json.Marshal(role)
	m.Apply(crdt.MapOp{Op: "set", Key: key, Value: v, At: at})
}

func TestRoleAtBootstrapAdmin(t *testing.T) {
	// A group with no grants at all treats any signer as admin, which
	// is what lets the very first (creating) transaction succeed.
	content := crdt.NewMap()
	role := RoleAt(content, "co_zAccountA", causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}, nil)
	if role != RoleAdmin {
		t.Errorf("RoleAt on empty group = %q, want admin", role)
	}
}

func TestRoleAtExplicitGrant(t *testing.T) {
	content := crdt.NewMap()
	setRole(content, "co_zAccountA", RoleWriter, causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})

	role := RoleAt(content, "co_zAccountA", causal.MaxCausalKey, nil)
	if role != RoleWriter {
		t.Errorf("RoleAt = %q, want writer", role)
	}

	// Once any grant exists, an un-granted account is RoleNone (not
	// bootstrap-admin) rather than falling through to admin.
	role = RoleAt(content, "co_zAccountB", causal.MaxCausalKey, nil)
	if role != RoleNone {
		t.Errorf("RoleAt for ungranted account = %q, want none", role)
	}
}

func TestRoleAtEveryoneFallback(t *testing.T) {
	content := crdt.NewMap()
	setRole(content, "everyone", RoleReader, causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})

	role := RoleAt(content, "co_zAccountA", causal.MaxCausalKey, nil)
	if role != RoleReader {
		t.Errorf("RoleAt via everyone = %q, want reader", role)
	}
}

func TestRoleAtCausalPosition(t *testing.T) {
	content := crdt.NewMap()
	at1 := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	at2 := causal.CausalKey{MadeAt: 5, Session: "s", Index: 1}
	setRole(content, "co_zAccountA", RoleWriter, at1)
	setRole(content, "co_zAccountA", RoleRevoked, at2)

	roleBefore := RoleAt(content, "co_zAccountA", at1, nil)
	if roleBefore != RoleWriter {
		t.Errorf("RoleAt(at1) = %q, want writer", roleBefore)
	}
	roleAfter := RoleAt(content, "co_zAccountA", causal.MaxCausalKey, nil)
	if roleAfter != RoleRevoked {
		t.Errorf("RoleAt(live) = %q, want revoked", roleAfter)
	}
}

func TestRoleAtParentInheritanceIntersection(t *testing.T) {
	parent := crdt.NewMap()
	setRole(parent, "co_zAccountA", RoleAdmin, causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})

	child := crdt.NewMap()
	setRole(child, "co_zAccountA", RoleReader, causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})
	setRole(child, "parentGroup_co_zParent", "linked", causal.CausalKey{MadeAt: 1, Session: "s", Index: 1})

	resolve := func(g id.CoValueID) (*crdt.Map, bool) {
		if g == "co_zParent" {
			return parent, true
		}
		return nil, false
	}

	role := RoleAt(child, "co_zAccountA", causal.MaxCausalKey, resolve)
	// effective role = min(parent admin, child reader) = reader
	if role != RoleReader {
		t.Errorf("RoleAt with parent inheritance = %q, want reader (min of admin, reader)", role)
	}
}

func TestRoleAtParentOnlyGrant(t *testing.T) {
	parent := crdt.NewMap()
	setRole(parent, "co_zAccountA", RoleWriter, causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})

	child := crdt.NewMap()
	setRole(child, "parentGroup_co_zParent", "linked", causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})
	// some other account has a direct grant, so bootstrap-admin does
	// not kick in for accountA
	setRole(child, "co_zAccountOther", RoleReader, causal.CausalKey{MadeAt: 1, Session: "s", Index: 1})

	resolve := func(g id.CoValueID) (*crdt.Map, bool) {
		if g == "co_zParent" {
			return parent, true
		}
		return nil, false
	}

	role := RoleAt(child, "co_zAccountA", causal.MaxCausalKey, resolve)
	if role != RoleWriter {
		t.Errorf("RoleAt inherited-only = %q, want writer", role)
	}
}

func TestCanWriteCanAdminCanReadPrivate(t *testing.T) {
	cases := []struct {
		role             Role
		write, admin, rd bool
	}{
		{RoleReader, false, false, true},
		{RoleWriter, true, false, true},
		{RoleAdmin, true, true, true},
		{RoleWriteOnly, true, false, false},
		{RoleRevoked, false, false, false},
		{RoleNone, false, false, false},
	}
	for _, c := range cases {
		if got := CanWrite(c.role); got != c.write {
			t.Errorf("CanWrite(%s) = %v, want %v", c.role, got, c.write)
		}
		if got := CanAdmin(c.role); got != c.admin {
			t.Errorf("CanAdmin(%s) = %v, want %v", c.role, got, c.admin)
		}
		if got := CanReadPrivate(c.role); got != c.rd {
			t.Errorf("CanReadPrivate(%s) = %v, want %v", c.role, got, c.rd)
		}
	}
}

func TestIsMembershipKey(t *testing.T) {
	cases := map[string]bool{
		"co_zAccountA":             true,
		"everyone":                 true,
		"readKey":                  true,
		"parentGroup_co_zParent":   true,
		"inviteSecret_abc_reader":  true,
		"co_zAccountA_key_zEpoch1": true,
		"title":                    false,
		"description":              false,
	}
	for key, want := range cases {
		if got := IsMembershipKey(key); got != want {
			t.Errorf("IsMembershipKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestReadKeyAndSealedKeyAt(t *testing.T) {
	content := crdt.NewMap()
	at := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	keyJSON, _ := json.Marshal(id.KeyID("key_zEpoch1"))
	content.Apply(crdt.MapOp{Op: "set", Key: "readKey", Value: keyJSON, At: at})

	blob := []byte{1, 2, 3}
	blobJSON, _ := json.Marshal(blob)
	content.Apply(crdt.MapOp{Op: "set", Key: "co_zAccountA_key_zEpoch1", Value: blobJSON, At: at})

	epoch, ok := ReadKeyAt(content, causal.MaxCausalKey)
	if !ok || epoch != "key_zEpoch1" {
		t.Errorf("ReadKeyAt = %q, %v, want key_zEpoch1, true", epoch, ok)
	}

	sealed, ok := SealedKeyAt(content, "co_zAccountA", "key_zEpoch1", causal.MaxCausalKey)
	if !ok || len(sealed) != 3 {
		t.Errorf("SealedKeyAt = %v, %v", sealed, ok)
	}
}

func TestInviteRoleAndAnyInviteRole(t *testing.T) {
	content := crdt.NewMap()
	at := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	marker, _ := json.Marshal("present")
	content.Apply(crdt.MapOp{Op: "set", Key: "inviteSecret_topsecret_writer", Value: marker, At: at})

	role, ok := InviteRole(content, "topsecret", causal.MaxCausalKey)
	if !ok || role != RoleWriter {
		t.Errorf("InviteRole = %q, %v, want writer, true", role, ok)
	}

	if !AnyInviteRole(content, RoleWriter, causal.MaxCausalKey) {
		t.Error("expected AnyInviteRole(writer) to find the invite")
	}
	if AnyInviteRole(content, RoleAdmin, causal.MaxCausalKey) {
		t.Error("expected AnyInviteRole(admin) to find nothing")
	}
}
