// Package core – shared identity and hashing primitives for the dnsledger
// node stack.
//
// Exposes:
//   - GenerateKey / Sign / Verify     – ECDSA P-256 over SHA-256 digests.
//   - EncodePublicKey / DecodePublicKey – base64 X.509 SPKI round-trip.
//   - CanonicalJSON / HashTransaction / HashBlockHeader – deterministic
//     hashing inputs (sorted keys, no insignificant whitespace).
//
// The spec fixes ECDSA P-256 + SHA-256 as the signature algorithm; this
// supersedes the teacher's Ed25519/BLS12-381 stack (see DESIGN.md).
package core

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sort"
)

var secLogger = log.New(io.Discard, "[identity] ", log.LstdFlags)

func SetSecurityLogger(l *log.Logger) { secLogger = l }

// GenerateKey creates a new ECDSA P-256 key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// EncodePublicKey serializes an ECDSA public key as base64(X.509 SPKI),
// matching the identity representation used throughout the ledger.
func EncodePublicKey(pub *ecdsa.PublicKey) (PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return PublicKey(base64.StdEncoding.EncodeToString(der)), nil
}

// DecodePublicKey parses a PublicKey back into an ECDSA public key.
func DecodePublicKey(pk PublicKey) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(string(pk))
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("identity: key is not ECDSA")
	}
	return ecKey, nil
}

// Sign produces an ASN.1 DER ECDSA signature over SHA-256(msg).
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

// Verify checks an ASN.1 DER ECDSA signature over SHA-256(msg).
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// CanonicalJSON marshals v with lexicographically sorted object keys and no
// insignificant whitespace, so that hashing and signing are reproducible
// across peers regardless of map iteration order or struct field order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// HashTransaction computes the canonical hash of a transaction, excluding
// its own Hash and Signature fields.
func HashTransaction(tx Transaction) (Hash, error) {
	unsigned := tx
	unsigned.Hash = Hash{}
	unsigned.Signature = nil
	raw, err := CanonicalJSON(unsigned)
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(raw), nil
}

// HashBlockHeader computes Hash = SHA-256(PreviousHash || MerkleRoot ||
// Timestamp), deliberately independent of the transaction payload beyond
// what the Merkle root already commits to.
func HashBlockHeader(h BlockHeader) Hash {
	buf := make([]byte, 0, 32+32+8)
	buf = append(buf, h.PreviousHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	ts := make([]byte, 8)
	for i := 0; i < 8; i++ {
		ts[i] = byte(h.Timestamp >> (56 - 8*i))
	}
	buf = append(buf, ts...)
	return sha256.Sum256(buf)
}
