package crdt

import (
	"encoding/json"
	"testing"

	"cojson/internal/causal"
)

// applyInsertPlan mirrors what coval.decodePlainTextOps does on the
// wire: expand a contiguous character run sharing one anchor parent
// into individual ListOps. It lives in the test because the real
// expansion needs a transaction ID, which is coval's concern, not
// crdt's — PlainText itself only ever sees already-expanded ListOps.
func applyInsertPlan(pt *PlainText, plan InsertPlan, txID string, at causal.CausalKey) {
	anchor := plan.Anchor
	op := "app"
	if plan.Side == "before" {
		op = "pre"
	}
	for i, ch := range plan.Text {
		posID := txID + "#" + string(rune('a'+i))
		v, _ := json.Marshal(string(ch))
		pt.Apply(ListOp{Op: op, ID: posID, Anchor: anchor, Value: v, At: at})
		anchor = posID
		op = "app"
	}
}

func applyDeletePlan(pt *PlainText, plan DeletePlan, at causal.CausalKey) {
	for _, target := range plan.Targets {
		pt.Apply(ListOp{Op: "del", Target: target, At: at})
	}
}

func TestPlainTextInsertAndRender(t *testing.T) {
	pt := NewPlainText()
	at := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	plan := pt.InsertBefore(AnchorStart, "hello")
	applyInsertPlan(pt, plan, "tx0", at)

	if got := pt.Render(); got != "hello" {
		t.Errorf("Render() = %q, want hello", got)
	}
}

func TestPlainTextDeleteRange(t *testing.T) {
	pt := NewPlainText()
	at1 := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	applyInsertPlan(pt, pt.InsertBefore(AnchorStart, "hello world"), "tx0", at1)

	plan, err := pt.DeleteRange(5, 11) // delete " world"
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	applyDeletePlan(pt, plan, causal.CausalKey{MadeAt: 2, Session: "s", Index: 1})

	if got := pt.Render(); got != "hello" {
		t.Errorf("Render() after delete = %q, want hello", got)
	}
}

// TestPlainTextApplyDiffScenarioS6 exercises spec §8 scenario S6:
// applying "Meeting weekly notes" over "Meeting notes" produces
// exactly one insertion of "weekly " after "Meeting "; applying
// "Meeting notes" back produces exactly one deletion, and the pair is
// an identity on the materialized text.
func TestPlainTextApplyDiffScenarioS6(t *testing.T) {
	pt := NewPlainText()
	at0 := causal.CausalKey{MadeAt: 1, Session: "s", Index: 0}
	applyInsertPlan(pt, pt.InsertBefore(AnchorStart, "Meeting notes"), "tx0", at0)

	edits := pt.ApplyDiff("Meeting weekly notes")
	if len(edits) != 1 || edits[0].Insert == nil {
		t.Fatalf("expected exactly one insertion edit, got %+v", edits)
	}
	if edits[0].Insert.Text != "weekly " {
		t.Errorf("insert text = %q, want %q", edits[0].Insert.Text, "weekly ")
	}

	applyInsertPlan(pt, *edits[0].Insert, "tx1", causal.CausalKey{MadeAt: 2, Session: "s", Index: 1})
	if got := pt.Render(); got != "Meeting weekly notes" {
		t.Fatalf("Render() after insert diff = %q", got)
	}

	backEdits := pt.ApplyDiff("Meeting notes")
	if len(backEdits) != 1 || backEdits[0].Delete == nil {
		t.Fatalf("expected exactly one deletion edit, got %+v", backEdits)
	}
	applyDeletePlan(pt, *backEdits[0].Delete, causal.CausalKey{MadeAt: 3, Session: "s", Index: 2})

	if got := pt.Render(); got != "Meeting notes" {
		t.Errorf("Render() after round-trip diff = %q, want %q (identity, §8 scenario S6)", got, "Meeting notes")
	}
}

func TestPlainTextApplyDiffNoChange(t *testing.T) {
	pt := NewPlainText()
	applyInsertPlan(pt, pt.InsertBefore(AnchorStart, "same"), "tx0", causal.CausalKey{MadeAt: 1, Session: "s", Index: 0})

	edits := pt.ApplyDiff("same")
	if len(edits) != 0 {
		t.Errorf("expected no edits for an unchanged string, got %+v", edits)
	}
}
