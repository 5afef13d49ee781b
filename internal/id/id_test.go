package id

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestBase58RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0},
		{0, 0, 1},
		[]byte("hello world"),
		{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa},
	}
	for _, c := range cases {
		enc := EncodeBase58(c)
		dec, err := DecodeBase58(enc)
		if err != nil {
			t.Fatalf("DecodeBase58(%x) = %q: %v", c, enc, err)
		}
		if !bytes.Equal(dec, c) {
			t.Errorf("round trip %x -> %q -> %x", c, enc, dec)
		}
	}
}

func TestBase58RandomRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		buf := make([]byte, 1+r.Intn(32))
		r.Read(buf)
		enc := EncodeBase58(buf)
		dec, err := DecodeBase58(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(dec, buf) {
			t.Errorf("round trip mismatch for %x", buf)
		}
	}
}

func TestSessionIDAccountAndCounter(t *testing.T) {
	account := AccountID("co_zABC123")
	sess := NewSessionID(account, 42)

	gotAccount, ok := sess.Account()
	if !ok || gotAccount != account {
		t.Errorf("Account() = %q, %v, want %q, true", gotAccount, ok, account)
	}

	gotCounter, ok := sess.Counter()
	if !ok || gotCounter != 42 {
		t.Errorf("Counter() = %d, %v, want 42, true", gotCounter, ok)
	}
}

func TestSessionIDMalformed(t *testing.T) {
	s := SessionID("not-a-session-id")
	if _, ok := s.Account(); ok {
		t.Error("expected Account() to fail on malformed session id")
	}
	if _, ok := s.Counter(); ok {
		t.Error("expected Counter() to fail on malformed session id")
	}
}

func TestCoValueIDValid(t *testing.T) {
	if !CoValueID("co_zABC").Valid() {
		t.Error("expected co_zABC to be valid")
	}
	if CoValueID("co_z").Valid() {
		t.Error("expected bare prefix to be invalid")
	}
	if CoValueID("garbage").Valid() {
		t.Error("expected non-prefixed id to be invalid")
	}
}

func TestTransactionIDLess(t *testing.T) {
	a := TransactionID{Session: "sessionA", Index: 0}
	b := TransactionID{Session: "sessionA", Index: 1}
	c := TransactionID{Session: "sessionB", Index: 0}

	if !a.Less(b) {
		t.Error("expected a < b by index")
	}
	if !a.Less(c) {
		t.Error("expected a < c by session")
	}
	if b.Less(a) {
		t.Error("expected b not < a")
	}
}
