package core

import (
	"errors"
	"sync"
)

var ErrQueueEmpty = errors.New("leaderqueue: empty")

// LeaderQueue is the shared circular rotation of peers eligible to produce
// the next block. It is authoritative on the bootstrap directory node and
// mirrored on every other peer via QUEUE_UPDATE broadcasts (Membership).
type LeaderQueue struct {
	mu      sync.RWMutex
	entries []QueueEntry
	cursor  int
}

// NewLeaderQueue builds a queue from an initial peer ordering.
func NewLeaderQueue(peers []PeerConfig) *LeaderQueue {
	lq := &LeaderQueue{}
	lq.resetWithLocked(peers)
	return lq
}

// Peek returns the peer whose turn it currently is to produce a block.
func (lq *LeaderQueue) Peek() (PeerConfig, error) {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	if len(lq.entries) == 0 {
		return PeerConfig{}, ErrQueueEmpty
	}
	return lq.entries[lq.cursor].Peer, nil
}

// Advance rotates the queue to the next peer and returns it.
func (lq *LeaderQueue) Advance() (PeerConfig, error) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if len(lq.entries) == 0 {
		return PeerConfig{}, ErrQueueEmpty
	}
	lq.cursor = (lq.cursor + 1) % len(lq.entries)
	return lq.entries[lq.cursor].Peer, nil
}

// AddNode appends a peer at the tail of the rotation.
func (lq *LeaderQueue) AddNode(p PeerConfig) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.entries = append(lq.entries, QueueEntry{SequenceNumber: len(lq.entries), Peer: p})
}

// Remove drops a peer from the rotation by public key, renumbering the
// remaining entries and keeping the cursor pointed at a valid leader.
func (lq *LeaderQueue) Remove(pk PublicKey) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	currentPeer := PublicKey("")
	if len(lq.entries) > 0 {
		currentPeer = lq.entries[lq.cursor].Peer.PublicKey
	}
	out := lq.entries[:0]
	for _, e := range lq.entries {
		if e.Peer.PublicKey == pk {
			continue
		}
		out = append(out, e)
	}
	lq.entries = renumber(out)
	lq.cursor = 0
	for i, e := range lq.entries {
		if e.Peer.PublicKey == currentPeer {
			lq.cursor = i
			break
		}
	}
}

// ResetWith replaces the whole rotation, used when applying a QUEUE_UPDATE
// broadcast from the directory node.
func (lq *LeaderQueue) ResetWith(peers []PeerConfig) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.resetWithLocked(peers)
}

func (lq *LeaderQueue) resetWithLocked(peers []PeerConfig) {
	entries := make([]QueueEntry, len(peers))
	for i, p := range peers {
		entries[i] = QueueEntry{SequenceNumber: i, Peer: p}
	}
	lq.entries = entries
	lq.cursor = 0
}

// Size returns the number of peers currently in rotation.
func (lq *LeaderQueue) Size() int {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return len(lq.entries)
}

// Snapshot returns a copy of the current rotation, for QUEUE_UPDATE payloads.
func (lq *LeaderQueue) Snapshot() []PeerConfig {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	out := make([]PeerConfig, len(lq.entries))
	for i, e := range lq.entries {
		out[i] = e.Peer
	}
	return out
}

func renumber(entries []QueueEntry) []QueueEntry {
	for i := range entries {
		entries[i].SequenceNumber = i
	}
	return entries
}
