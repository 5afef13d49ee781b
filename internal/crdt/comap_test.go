package crdt

import (
	"encoding/json"
	"testing"

	"cojson/internal/causal"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

// TestMapLWWScenarioS1 exercises spec §8 scenario S1: two writers set
// the same key, later madeAt wins; a madeAt tie breaks on the greater
// session ID, and both orders of application agree.
func TestMapLWWScenarioS1(t *testing.T) {
	run := func(applyOrder []MapOp) string {
		m := NewMap()
		for _, op := range applyOrder {
			m.Apply(op)
		}
		v, ok := m.Get("k")
		if !ok {
			t.Fatal("expected key k to be set")
		}
		var s string
		json.Unmarshal(v, &s)
		return s
	}

	opA := MapOp{Op: "set", Key: "k", Value: mustJSON(t, "x"), At: causal.CausalKey{MadeAt: 1, Session: "sessionA", Index: 0}}
	opB := MapOp{Op: "set", Key: "k", Value: mustJSON(t, "y"), At: causal.CausalKey{MadeAt: 2, Session: "sessionB", Index: 0}}

	if got := run([]MapOp{opA, opB}); got != "y" {
		t.Errorf("A-then-B order: got %q, want y", got)
	}
	if got := run([]MapOp{opB, opA}); got != "y" {
		t.Errorf("B-then-A order: got %q, want y (convergence, §8 invariant 1)", got)
	}
}

func TestMapLWWTieBreakOnSessionID(t *testing.T) {
	// B's clock is skewed and reports the same madeAt as A; tie breaks
	// on the lexicographically greater session ID.
	opA := MapOp{Op: "set", Key: "k", Value: mustJSON(t, "x"), At: causal.CausalKey{MadeAt: 0, Session: "sessionA", Index: 0}}
	opB := MapOp{Op: "set", Key: "k", Value: mustJSON(t, "y"), At: causal.CausalKey{MadeAt: 0, Session: "sessionB", Index: 0}}

	m := NewMap()
	m.Apply(opA)
	m.Apply(opB)
	v, _ := m.Get("k")
	var s string
	json.Unmarshal(v, &s)
	if s != "y" {
		t.Errorf("got %q, want y (sessionB > sessionA)", s)
	}
}

func TestMapDeleteTombstones(t *testing.T) {
	m := NewMap()
	m.Apply(MapOp{Op: "set", Key: "k", Value: mustJSON(t, "x"), At: causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}})
	m.Apply(MapOp{Op: "del", Key: "k", At: causal.CausalKey{MadeAt: 2, Session: "s", Index: 1}})

	if _, ok := m.Get("k"); ok {
		t.Error("expected key to be tombstoned")
	}
}

func TestMapGetAtHistoricalPosition(t *testing.T) {
	m := NewMap()
	at1 := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	at2 := causal.CausalKey{MadeAt: 2, Session: "s", Index: 1}
	m.Apply(MapOp{Op: "set", Key: "k", Value: mustJSON(t, "first"), At: at1})
	m.Apply(MapOp{Op: "set", Key: "k", Value: mustJSON(t, "second"), At: at2})

	v, ok := m.GetAt("k", at1)
	if !ok {
		t.Fatal("expected a value visible at at1")
	}
	var s string
	json.Unmarshal(v, &s)
	if s != "first" {
		t.Errorf("GetAt(at1) = %q, want first", s)
	}

	live, _ := m.Get("k")
	json.Unmarshal(live, &s)
	if s != "second" {
		t.Errorf("live Get() = %q, want second", s)
	}
}

func TestMapHistoryRecoversAllWrites(t *testing.T) {
	m := NewMap()
	m.Apply(MapOp{Op: "set", Key: "k", Value: mustJSON(t, "a"), At: causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}})
	m.Apply(MapOp{Op: "set", Key: "k", Value: mustJSON(t, "b"), At: causal.CausalKey{MadeAt: 2, Session: "s", Index: 1}})
	m.Apply(MapOp{Op: "del", Key: "k", At: causal.CausalKey{MadeAt: 3, Session: "s", Index: 2}})

	hist := m.History("k")
	if len(hist) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(hist))
	}
}

func TestMapKeysSortedAndTombstonesExcluded(t *testing.T) {
	m := NewMap()
	m.Apply(MapOp{Op: "set", Key: "zeta", Value: mustJSON(t, 1), At: causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}})
	m.Apply(MapOp{Op: "set", Key: "alpha", Value: mustJSON(t, 2), At: causal.CausalKey{MadeAt: 1, Session: "s", Index: 1}})
	m.Apply(MapOp{Op: "set", Key: "gone", Value: mustJSON(t, 3), At: causal.CausalKey{MadeAt: 1, Session: "s", Index: 2}})
	m.Apply(MapOp{Op: "del", Key: "gone", At: causal.CausalKey{MadeAt: 2, Session: "s", Index: 3}})

	keys := m.Keys()
	want := []string{"alpha", "zeta"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
