package core

import (
	"crypto/ecdsa"
	"testing"
	"time"
)

func signedTx(t *testing.T, key *ecdsa.PrivateKey, pub PublicKey, typ TxType, ts time.Time) Transaction {
	t.Helper()
	tx := Transaction{Type: typ, Sender: pub, Timestamp: ts.Unix()}
	h, err := HashTransaction(tx)
	if err != nil {
		t.Fatalf("HashTransaction: %v", err)
	}
	tx.Hash = h
	msg, err := CanonicalJSON(tx)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Signature = sig
	return tx
}

func TestMempoolAddAcceptsValidTransaction(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	tx := signedTx(t, key, pub, TxRegister, time.Now())
	if err := m.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	// Re-adding the same hash is a no-op, not an error.
	if err := m.Add(tx); err != nil {
		t.Fatalf("Add (resubmit): %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() after resubmit = %d, want 1", m.Len())
	}
}

func TestMempoolAddRejectsBadSignature(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	tx := signedTx(t, key, pub, TxRegister, time.Now())
	tx.Payload.Domain = "tampered.example" // invalidates the signed hash
	if err := m.Add(tx); err == nil {
		t.Fatalf("Add accepted a transaction mutated after signing")
	}
}

func TestMempoolAddRejectsStaleTimestamp(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	tx := signedTx(t, key, pub, TxRegister, time.Now().Add(-time.Hour))
	if err := m.Add(tx); err == nil {
		t.Fatalf("Add accepted a transaction far outside the clock skew window")
	}
}

func TestMempoolDrainIsStableAndClears(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	order := []TxType{TxRegister, TxRenew, TxRevoke}
	var inserted []Transaction
	for _, typ := range order {
		tx := signedTx(t, key, pub, typ, time.Now())
		if err := m.Add(tx); err != nil {
			t.Fatalf("Add: %v", err)
		}
		inserted = append(inserted, tx)
	}
	first := m.Drain()
	if len(first) != 3 {
		t.Fatalf("Drain() returned %d tx, want 3", len(first))
	}
	for i := range first {
		if first[i].Hash != inserted[i].Hash {
			t.Fatalf("Drain()[%d] = %s, want insertion-order %s (stable insertion order, not hash order)", i, first[i].Hash.Short(), inserted[i].Hash.Short())
		}
	}
	if m.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", m.Len())
	}
	second := m.Drain()
	if len(second) != 0 {
		t.Fatalf("second Drain() returned %d tx, want 0", len(second))
	}
}

func TestMempoolRemoveDeletesFromOrderAndSet(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	a := signedTx(t, key, pub, TxRegister, time.Now())
	b := signedTx(t, key, pub, TxRenew, time.Now())
	if err := m.Add(a); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if err := m.Add(b); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	m.Remove(a.Hash)
	if m.Len() != 1 {
		t.Fatalf("Len() after Remove = %d, want 1", m.Len())
	}
	drained := m.Drain()
	if len(drained) != 1 || drained[0].Hash != b.Hash {
		t.Fatalf("Drain() after Remove = %+v, want only b", drained)
	}
}

func TestMempoolRequeueRestoresWithoutValidation(t *testing.T) {
	key, _ := GenerateKey()
	pub, _ := EncodePublicKey(&key.PublicKey)
	m := NewMempool()
	tx := signedTx(t, key, pub, TxRegister, time.Now())
	m.Requeue([]Transaction{tx})
	if m.Len() != 1 {
		t.Fatalf("Len() after Requeue = %d, want 1", m.Len())
	}
}
