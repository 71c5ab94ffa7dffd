package core

import (
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("hello dnsledger")
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(&key.PublicKey, msg, sig) {
		t.Fatalf("Verify: expected valid signature")
	}
	if Verify(&key.PublicKey, []byte("tampered"), sig) {
		t.Fatalf("Verify: accepted signature over different message")
	}
}

func TestEncodeDecodePublicKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	dec, err := DecodePublicKey(enc)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if dec.X.Cmp(key.PublicKey.X) != 0 || dec.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatalf("decoded key does not match original")
	}
}

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"y": 1, "x": 2}}
	b := map[string]interface{}{"c": map[string]interface{}{"x": 2, "y": 1}, "a": 2, "b": 1}

	encA, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON(a): %v", err)
	}
	encB, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON(b): %v", err)
	}
	if string(encA) != string(encB) {
		t.Fatalf("canonical encodings differ:\n%s\n%s", encA, encB)
	}
	want := `{"a":2,"b":1,"c":{"x":2,"y":1}}`
	if string(encA) != want {
		t.Fatalf("encoding = %s, want %s", encA, want)
	}
}

func TestHashTransactionExcludesHashAndSignature(t *testing.T) {
	tx := Transaction{Type: TxRegister, Sender: "alice", Timestamp: 100}
	h1, err := HashTransaction(tx)
	if err != nil {
		t.Fatalf("HashTransaction: %v", err)
	}
	tx.Hash = h1
	tx.Signature = []byte("whatever")
	h2, err := HashTransaction(tx)
	if err != nil {
		t.Fatalf("HashTransaction: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash changed when only Hash/Signature fields were populated")
	}
}

func TestHashBlockHeaderDeterministic(t *testing.T) {
	h := BlockHeader{PreviousHash: Hash{1}, MerkleRoot: Hash{2}, Timestamp: 12345}
	a := HashBlockHeader(h)
	b := HashBlockHeader(h)
	if a != b {
		t.Fatalf("HashBlockHeader is not deterministic")
	}
	h.Timestamp = 12346
	c := HashBlockHeader(h)
	if a == c {
		t.Fatalf("HashBlockHeader did not change with timestamp")
	}
}
