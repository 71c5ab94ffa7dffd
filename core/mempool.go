package core

import (
	"errors"
	"sync"
	"time"
)

// MaxTxClockSkew bounds how far a transaction's timestamp may drift from the
// local clock before Mempool.Add rejects it.
const MaxTxClockSkew = 2 * time.Minute

// Mempool is the concurrency-safe set of transactions waiting to be sealed
// into the next block, keyed by transaction hash so resubmission is a no-op.
// order records insertion order so Drain preserves it (spec §4.5/§4.6:
// transactions seal in stable insertion order, not hash order).
type Mempool struct {
	mu    sync.Mutex
	order []Hash
	set   map[Hash]Transaction
}

// NewMempool returns an empty mempool.
func NewMempool() *Mempool {
	return &Mempool{set: make(map[Hash]Transaction)}
}

// verifyTxSignature checks a transaction's self-reported hash against its
// actual content and its signature against its sender's public key. Shared
// by Mempool.Add and consensus's block-receipt verification so both paths
// apply the same signature rule.
func verifyTxSignature(tx Transaction) error {
	wantHash, err := HashTransaction(tx)
	if err != nil {
		return err
	}
	if wantHash != tx.Hash {
		return errors.New("mempool: hash mismatch")
	}
	pub, err := DecodePublicKey(tx.Sender)
	if err != nil {
		return err
	}
	unsigned := tx
	unsigned.Signature = nil
	msg, err := CanonicalJSON(unsigned)
	if err != nil {
		return err
	}
	if !Verify(pub, msg, tx.Signature) {
		return errors.New("mempool: bad signature")
	}
	return nil
}

// Add validates a transaction's hash, signature and timestamp bounds before
// inserting it. Re-adding an already-present hash is a no-op.
func (m *Mempool) Add(tx Transaction) error {
	if err := verifyTxSignature(tx); err != nil {
		return err
	}
	now := time.Now()
	txTime := time.Unix(tx.Timestamp, 0)
	if txTime.After(now.Add(MaxTxClockSkew)) || txTime.Before(now.Add(-MaxTxClockSkew)) {
		return errors.New("mempool: timestamp outside acceptable skew")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.set[tx.Hash]; !exists {
		m.order = append(m.order, tx.Hash)
	}
	m.set[tx.Hash] = tx
	return nil
}

// Remove discards a transaction by hash, e.g. once it has been committed.
func (m *Mempool) Remove(h Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.set[h]; !exists {
		return
	}
	delete(m.set, h)
	m.order = removeHash(m.order, h)
}

// Len reports how many transactions are pending.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.set)
}

// Drain removes and returns every pending transaction in stable insertion
// order, so independent peers sealing the same mempool content in the same
// order of arrival produce the same transaction ordering.
func (m *Mempool) Drain() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.set[h])
	}
	m.order = nil
	m.set = make(map[Hash]Transaction)
	return out
}

// Requeue reinserts transactions without re-validating them, used when a
// losing block proposal's transactions must go back to the pool. Their
// relative order is appended after whatever is already pending.
func (m *Mempool) Requeue(txs []Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		if _, exists := m.set[tx.Hash]; !exists {
			m.order = append(m.order, tx.Hash)
		}
		m.set[tx.Hash] = tx
	}
}

func removeHash(order []Hash, h Hash) []Hash {
	for i, oh := range order {
		if oh == h {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
