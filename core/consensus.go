// Consensus subsystem — round-robin leader election with bounded failover,
// adapted from the teacher's ticker-driven Start(ctx) goroutine shape in
// core/consensus.go. The PoH/PoS/PoW hybrid sealing logic of the original is
// dropped entirely; only the slot-loop lifecycle and the ViewChanger naming
// survive into the DNS ledger's much simpler rotation.
package core

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// DefaultBlockInterval (B) is how often the current leader attempts to seal
// a block when the mempool is non-empty, absent a configured override.
const DefaultBlockInterval = 5 * time.Second

// DefaultFailoverTimeout (T) is how long the network waits without observing
// a new block before rotating the LeaderQueue, absent a configured override.
// The spec requires T >= 3*B.
const DefaultFailoverTimeout = 15 * time.Second

// BlockInterval and FailoverTimeout retain their historical package-level
// names for callers that only need the default cadence (NodeOrchestrator's
// join wait polls at BlockInterval).
const (
	BlockInterval   = DefaultBlockInterval
	FailoverTimeout = DefaultFailoverTimeout
)

// ViewChanger is the interface Membership and Sync use to react to and
// trigger leader rotation, matching the teacher's fault_tolerance.go naming.
type ViewChanger interface {
	CurrentLeader() (PeerConfig, error)
	ProposeViewChange(reason string)
}

// BlockApplier is satisfied by the StateMachine; Consensus calls it once a
// block is durably appended.
type BlockApplier interface {
	Apply(b Block) error
}

// Resyncer is satisfied by Sync; Consensus calls it when a received block
// forks from local history in a way a tie-break cannot resolve (spec §4.9
// trigger (b), §7 ForkDetected), so the node catches up to whichever peer
// produced the diverging block instead of just discarding it.
type Resyncer interface {
	BootstrapFromPeer(ctx context.Context, source PublicKey) error
}

// Engine drives the round-robin slot loop: seal when leader and the mempool
// is non-empty, otherwise rotate the queue once the failover timeout elapses.
type Engine struct {
	store     *Store
	mempool   *Mempool
	queue     *LeaderQueue
	transport *Transport
	applier   BlockApplier
	key       *ecdsa.PrivateKey
	selfPub   PublicKey
	log       *logrus.Logger

	blockInterval   time.Duration
	failoverTimeout time.Duration

	mu          sync.Mutex
	lastBlockAt time.Time
	metrics     *Metrics
	resync      Resyncer
	resyncing   bool

	ctx context.Context
	wg  sync.WaitGroup
}

// SetMetrics wires optional prometheus collectors.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// SetResync wires the Sync component so acceptBlock can trigger a bootstrap
// against a peer whose chain has forked away from ours.
func (e *Engine) SetResync(r Resyncer) { e.resync = r }

// NewEngine wires a consensus Engine with the default block interval and
// failover timeout. It panics if the invariant failoverTimeout >=
// 3*blockInterval does not hold.
func NewEngine(store *Store, mempool *Mempool, queue *LeaderQueue, transport *Transport, applier BlockApplier, key *ecdsa.PrivateKey, selfPub PublicKey, log *logrus.Logger) *Engine {
	return NewEngineWithTiming(store, mempool, queue, transport, applier, key, selfPub, log, DefaultBlockInterval, DefaultFailoverTimeout)
}

// NewEngineWithTiming is NewEngine with an explicit block interval and
// failover timeout, used when a deployment's config overrides the defaults.
func NewEngineWithTiming(store *Store, mempool *Mempool, queue *LeaderQueue, transport *Transport, applier BlockApplier, key *ecdsa.PrivateKey, selfPub PublicKey, log *logrus.Logger, blockInterval, failoverTimeout time.Duration) *Engine {
	if blockInterval <= 0 {
		blockInterval = DefaultBlockInterval
	}
	if failoverTimeout <= 0 {
		failoverTimeout = DefaultFailoverTimeout
	}
	if failoverTimeout < 3*blockInterval {
		panic("consensus: failoverTimeout must be at least 3x blockInterval")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:           store,
		mempool:         mempool,
		queue:           queue,
		transport:       transport,
		applier:         applier,
		key:             key,
		selfPub:         selfPub,
		log:             log,
		blockInterval:   blockInterval,
		failoverTimeout: failoverTimeout,
		lastBlockAt:     time.Now(),
	}
}

// Start launches the slot loop. It returns once ctx is cancelled and the
// in-flight tick (if any) has finished.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.transport.Register(MsgBlockPublish, e.handleBlockPublish)
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop waits for the slot loop to finish its current iteration.
func (e *Engine) Stop() { e.wg.Wait() }

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	leader, err := e.queue.Peek()
	if err != nil {
		e.log.Debugf("consensus: empty leader queue: %v", err)
		return
	}
	if leader.PublicKey == e.selfPub {
		if e.mempool.Len() > 0 {
			if err := e.seal(ctx); err != nil {
				e.log.Errorf("consensus: seal failed: %v", err)
			}
		}
		return
	}
	e.mu.Lock()
	silentFor := time.Since(e.lastBlockAt)
	e.mu.Unlock()
	if silentFor > e.failoverTimeout {
		e.ProposeViewChange("leader silent for " + silentFor.String())
	}
}

func (e *Engine) seal(ctx context.Context) error {
	txs := e.mempool.Drain()
	if len(txs) == 0 {
		return nil
	}
	prevHash, err := e.store.Blocks.LatestHash()
	if err != nil {
		return err
	}
	root, err := MerkleRootOfTransactions(txs)
	if err != nil {
		e.mempool.Requeue(txs)
		return err
	}
	header := BlockHeader{
		PreviousHash: prevHash,
		MerkleRoot:   root,
		Timestamp:    time.Now().Unix(),
		Producer:     e.selfPub,
	}
	header.Hash = HashBlockHeader(header)
	sig, err := Sign(e.key, header.Hash[:])
	if err != nil {
		return err
	}
	header.Signature = sig
	block := Block{Header: header, Transactions: txs}

	if err := e.commit(block); err != nil {
		e.mempool.Requeue(txs)
		return err
	}

	peers, err := e.store.Peers.List()
	if err != nil {
		e.log.Warnf("consensus: list peers for broadcast: %v", err)
	} else {
		e.transport.Broadcast(ctx, peers, "", MsgBlockPublish, block)
	}
	e.log.Infof("consensus: sealed block %s with %d tx", header.Hash.Short(), len(txs))
	return nil
}

func (e *Engine) commit(b Block) error {
	if err := e.store.Blocks.Append(b); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		if err := e.store.Transactions.Index(b.Header.Hash, tx); err != nil {
			return err
		}
	}
	if err := e.applier.Apply(b); err != nil {
		return err
	}
	if _, err := e.queue.Advance(); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastBlockAt = time.Now()
	e.mu.Unlock()
	if e.metrics != nil {
		height, err := e.store.Blocks.Height()
		if err == nil {
			e.metrics.BlockHeight.Set(float64(height))
		}
		e.metrics.BlocksSealed.Inc()
		e.metrics.MempoolSize.Set(float64(e.mempool.Len()))
	}
	return nil
}

// handleBlockPublish verifies and commits a block received from a peer,
// enforcing that its producer matches the current LeaderQueue head and
// resolving concurrent proposals by earlier timestamp then lexicographically
// smaller hash (spec §4.6).
func (e *Engine) handleBlockPublish(from peer.ID, env Envelope) {
	var b Block
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		e.log.Warnf("consensus: bad BLOCK_PUBLISH payload from %s: %v", from, err)
		return
	}
	if err := e.acceptBlock(b); err != nil {
		e.log.Warnf("consensus: rejected block %s from %s: %v", b.Header.Hash.Short(), from, err)
	}
}

func (e *Engine) acceptBlock(b Block) error {
	leader, err := e.queue.Peek()
	if err != nil {
		return err
	}
	if b.Header.Producer != leader.PublicKey {
		return errors.New("consensus: producer is not current leader")
	}
	pub, err := DecodePublicKey(b.Header.Producer)
	if err != nil {
		return err
	}
	if !Verify(pub, b.Header.Hash[:], b.Header.Signature) {
		return errors.New("consensus: invalid block signature")
	}
	want := HashBlockHeader(b.Header)
	if want != b.Header.Hash {
		return errors.New("consensus: header hash mismatch")
	}

	root, err := MerkleRootOfTransactions(b.Transactions)
	if err != nil {
		return fmt.Errorf("consensus: recompute merkle root: %w", err)
	}
	if root != b.Header.MerkleRoot {
		return errors.New("consensus: merkle root mismatch")
	}
	for _, tx := range b.Transactions {
		if err := verifyTxSignature(tx); err != nil {
			return fmt.Errorf("consensus: invalid transaction %s: %w", tx.Hash.Short(), err)
		}
	}

	localLatest, err := e.store.Blocks.LatestHash()
	if err != nil {
		return err
	}
	if b.Header.PreviousHash != localLatest {
		existing, err := e.store.Blocks.ByHash(localLatest)
		if err == nil && existing.Header.PreviousHash == b.Header.PreviousHash {
			if !blockWins(b.Header, existing.Header) {
				e.mempool.Requeue(b.Transactions)
				return nil
			}
			e.mempool.Requeue(existing.Transactions)
		} else {
			e.triggerResync(b.Header.Producer)
			return errors.New("consensus: block does not extend local chain")
		}
	}
	return e.commit(b)
}

// triggerResync bootstraps this node from source in the background when a
// received block diverges from local history in a way the sibling tie-break
// cannot resolve (spec §4.9 trigger (b), §7 ForkDetected). It is a no-op if
// no Resyncer is wired or a resync is already in flight.
func (e *Engine) triggerResync(source PublicKey) {
	if e.resync == nil || e.ctx == nil {
		return
	}
	e.mu.Lock()
	if e.resyncing {
		e.mu.Unlock()
		return
	}
	e.resyncing = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.resyncing = false
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(e.ctx, e.failoverTimeout)
		defer cancel()
		if err := e.resync.BootstrapFromPeer(ctx, source); err != nil {
			e.log.Warnf("consensus: resync against %s failed: %v", source.Short(), err)
			return
		}
		e.log.Infof("consensus: resynced against %s after fork detection", source.Short())
	}()
}

// blockWins reports whether a beats b under the spec's tie-break: earlier
// timestamp wins, then lexicographically smaller hash.
func blockWins(a, b BlockHeader) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Hash.Hex() < b.Hash.Hex()
}

// CurrentLeader implements ViewChanger.
func (e *Engine) CurrentLeader() (PeerConfig, error) { return e.queue.Peek() }

// ProposeViewChange implements ViewChanger: it advances the LeaderQueue and
// resets the failover clock.
func (e *Engine) ProposeViewChange(reason string) {
	next, err := e.queue.Advance()
	if err != nil {
		e.log.Warnf("consensus: view change failed: %v", err)
		return
	}
	e.mu.Lock()
	e.lastBlockAt = time.Now()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ViewChanges.Inc()
	}
	e.log.Warnf("consensus: view change (%s), new leader %s", reason, next.PublicKey.Short())
}
