package memstore

import (
	"context"
	"testing"

	"cojson/internal/coval"
	"cojson/internal/crypto"
	"cojson/internal/id"
)

func TestMemStoreWriteHeaderAndReadCoValue(t *testing.T) {
	m := New()
	ctx := context.Background()
	coID := id.CoValueID("co_zDoc1")
	header := coval.Header{Type: coval.KindComap, Ruleset: coval.Ruleset{Type: coval.RulesetUnsafeAllowAll}, Uniqueness: "u1"}

	if err := m.WriteHeader(ctx, coID, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	session := id.NewSessionID("co_zAlice", 1)
	txs := []coval.Transaction{{MadeAt: 1, Privacy: coval.PrivacyTrusting, Changes: []byte(`[{"op":"set","key":"k","value":1}]`)}}
	var sig crypto.Signature
	sig[0] = 7
	if err := m.WriteTransactions(ctx, coID, session, -1, txs, sig); err != nil {
		t.Fatalf("WriteTransactions: %v", err)
	}

	record, err := m.ReadCoValue(ctx, coID)
	if err != nil {
		t.Fatalf("ReadCoValue: %v", err)
	}
	if record.Header.Uniqueness != "u1" {
		t.Errorf("record.Header.Uniqueness = %q, want u1", record.Header.Uniqueness)
	}
	sess, ok := record.Sessions[session]
	if !ok || len(sess.Transactions) != 1 {
		t.Fatalf("record.Sessions[%s] = %+v, want one transaction", session, sess)
	}
	if sess.LastSignature != sig {
		t.Error("LastSignature not preserved across WriteTransactions/ReadCoValue")
	}
}

func TestMemStoreReadCoValueUnknownErrors(t *testing.T) {
	m := New()
	if _, err := m.ReadCoValue(context.Background(), "co_zMissing"); err == nil {
		t.Error("expected ReadCoValue to error for a CoValue that was never written")
	}
}

// TestMemStoreWriteTransactionsUpsertsWholeSession documents the
// whole-session-replacement semantics: a second WriteTransactions call
// with afterIndex=-1 replaces the stored batch rather than appending
// to it, matching how Node.persist always sends a session's complete
// known transaction set.
func TestMemStoreWriteTransactionsUpsertsWholeSession(t *testing.T) {
	m := New()
	ctx := context.Background()
	coID := id.CoValueID("co_zDoc1")
	session := id.NewSessionID("co_zAlice", 1)
	m.WriteHeader(ctx, coID, coval.Header{Uniqueness: "u1"})

	first := []coval.Transaction{{MadeAt: 1, Changes: []byte(`[]`)}}
	m.WriteTransactions(ctx, coID, session, -1, first, crypto.Signature{})

	full := []coval.Transaction{
		{MadeAt: 1, Changes: []byte(`[]`)},
		{MadeAt: 2, Changes: []byte(`[]`)},
	}
	m.WriteTransactions(ctx, coID, session, -1, full, crypto.Signature{})

	record, err := m.ReadCoValue(ctx, coID)
	if err != nil {
		t.Fatalf("ReadCoValue: %v", err)
	}
	if got := len(record.Sessions[session].Transactions); got != 2 {
		t.Errorf("transactions after upsert = %d, want 2 (replaced, not appended)", got)
	}
}

func TestMemStoreListCoValues(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.WriteHeader(ctx, "co_zA", coval.Header{Uniqueness: "a"})
	m.WriteHeader(ctx, "co_zB", coval.Header{Uniqueness: "b"})

	ids, err := m.ListCoValues(ctx)
	if err != nil {
		t.Fatalf("ListCoValues: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ListCoValues = %v, want 2 entries", ids)
	}
}
