// Membership subsystem — directory-mediated join, leave and leader
// promotion, grounded in the now-superseded core/authority_nodes.go's
// vote-tallying-to-admission pattern (remapped from its six weighted
// authority roles down to the spec's four PeerConfig roles, and from
// RandomElectorate sampling down to "every known peer must vote").
package core

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Membership mediates NODE_JOIN_*/LEADER_PROMOTION_* transactions. Exactly
// one peer in the network — the bootstrap directory — receives the initial
// wire handshake and turns it into a transaction; every peer (directory or
// not) applies the resulting committed transactions identically, which is
// what keeps the roster and LeaderQueue convergent.
type Membership struct {
	store     *Store
	queue     *LeaderQueue
	transport *Transport
	mempool   *Mempool
	key       *ecdsa.PrivateKey
	selfPub   PublicKey
	directory bool
	log       *logrus.Logger

	mu          sync.Mutex
	nominations map[PublicKey]*Nomination
	trackers    map[PublicKey]*QuorumTracker

	ctx context.Context
}

// NewMembership wires a Membership component. directory marks this process
// as the bootstrap node that new peers dial first.
func NewMembership(store *Store, queue *LeaderQueue, transport *Transport, mempool *Mempool, key *ecdsa.PrivateKey, selfPub PublicKey, directory bool, log *logrus.Logger) *Membership {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Membership{
		store:       store,
		queue:       queue,
		transport:   transport,
		mempool:     mempool,
		key:         key,
		selfPub:     selfPub,
		directory:   directory,
		log:         log,
		nominations: make(map[PublicKey]*Nomination),
		trackers:    make(map[PublicKey]*QuorumTracker),
	}
}

// Start registers the wire handlers Membership needs. ctx bounds any
// broadcasts Membership issues as a side effect of applying a transaction.
func (m *Membership) Start(ctx context.Context) {
	m.ctx = ctx
	if m.directory {
		m.transport.Register(MsgNodeJoinRequest, m.handleJoinRequestWire)
	}
	m.transport.Register(MsgAddNode, m.handleAddNodeWire)
	m.transport.Register(MsgDeleteNode, m.handleDeleteNodeWire)
	m.transport.Register(MsgPromoteNode, m.handlePromoteNodeWire)
	m.transport.Register(MsgQueueUpdate, m.handleQueueUpdateWire)
}

//---------------------------------------------------------------------
// Join: candidate -> directory (wire) -> NODE_JOIN_REQUEST tx -> votes
//---------------------------------------------------------------------

// handleJoinRequestWire is the directory-only entry point: a brand-new node
// with no standing in the network yet cannot submit a transaction through
// normal consensus channels, so it dials the directory directly and the
// directory sponsors the request on its behalf.
func (m *Membership) handleJoinRequestWire(from peer.ID, env Envelope) {
	var candidate PeerConfig
	if err := json.Unmarshal(env.Payload, &candidate); err != nil {
		m.log.Warnf("membership: bad NODE_JOIN_REQUEST payload: %v", err)
		return
	}
	m.transport.BindPeerID(candidate.PublicKey, from)
	tx, err := m.buildTx(TxNodeJoinRequest, TxPayload{Candidate: candidate})
	if err != nil {
		m.log.Errorf("membership: sponsor join request: %v", err)
		return
	}
	if err := m.mempool.Add(tx); err != nil {
		m.log.Errorf("membership: queue join request: %v", err)
	}
}

// SubmitJoinVote is called by an existing peer once it has independently
// decided to approve a pending candidate (e.g. immediately, since the spec
// carries no additional admission policy beyond directory sponsorship). The
// resulting transaction is queued locally; it reaches a block once this
// node is leader or forwards it on, same as any other transaction.
func (m *Membership) SubmitJoinVote(candidate PublicKey, approve bool) error {
	tx, err := m.buildTx(TxNodeJoinVote, TxPayload{VoteFor: candidate})
	if err != nil {
		return err
	}
	_ = approve // the spec's vote transaction carries no explicit reject path; submitting a vote is itself the approval
	return m.mempool.Add(tx)
}

//---------------------------------------------------------------------
// Promotion: any current peer -> LEADER_PROMOTION_REQUEST tx -> votes
//---------------------------------------------------------------------

// SubmitPromotionRequest nominates candidate (normally self) for leader role.
func (m *Membership) SubmitPromotionRequest(candidate PeerConfig) error {
	tx, err := m.buildTx(TxLeaderPromoReq, TxPayload{Candidate: candidate})
	if err != nil {
		return err
	}
	return m.mempool.Add(tx)
}

// SubmitPromotionVote casts this peer's ballot on a pending promotion.
func (m *Membership) SubmitPromotionVote(candidate PublicKey) error {
	tx, err := m.buildTx(TxLeaderPromoVote, TxPayload{VoteFor: candidate})
	if err != nil {
		return err
	}
	return m.mempool.Add(tx)
}

//---------------------------------------------------------------------
// ApplyMembershipTx — invoked by StateMachine for every committed
// NODE_JOIN_*/LEADER_PROMOTION_* transaction, identically on every peer.
//---------------------------------------------------------------------

func (m *Membership) ApplyMembershipTx(tx Transaction) error {
	switch tx.Type {
	case TxNodeJoinRequest:
		return m.applyJoinRequest(tx)
	case TxNodeJoinVote:
		return m.applyVote(tx, TxNodeJoinRequest)
	case TxLeaderPromoReq:
		return m.applyPromotionRequest(tx)
	case TxLeaderPromoVote:
		return m.applyVote(tx, TxLeaderPromoReq)
	default:
		return fmt.Errorf("membership: unexpected transaction type %s", tx.Type)
	}
}

func (m *Membership) applyJoinRequest(tx Transaction) error {
	candidate := tx.Payload.Candidate
	if candidate.PublicKey == "" {
		return fmt.Errorf("membership: join request missing candidate")
	}
	total, err := m.store.Peers.Count()
	if err != nil {
		return err
	}
	if total == 0 {
		total = 1 // genesis directory has not persisted itself yet
	}
	m.mu.Lock()
	m.nominations[candidate.PublicKey] = &Nomination{
		ID: string(candidate.PublicKey), Kind: TxNodeJoinRequest,
		Candidate: candidate.PublicKey, CreatedAt: time.Now(),
	}
	m.trackers[candidate.PublicKey] = NewQuorumTracker(total, total)
	m.mu.Unlock()
	m.log.Infof("membership: join request recorded for %s, awaiting %d vote(s)", candidate.PublicKey.Short(), total)

	// Every peer applies this transaction identically (spec §4.8: the
	// directory sponsors the request, but admission itself carries no
	// further policy), so each one casts its own approval automatically
	// instead of waiting on an operator to call SubmitJoinVote. This is
	// what makes the quorum actually reachable, including the
	// single-directory (total==1) case.
	if candidate.PublicKey == m.selfPub {
		return nil // a candidate does not vote on its own admission
	}
	if err := m.SubmitJoinVote(candidate.PublicKey, true); err != nil {
		m.log.Warnf("membership: auto-vote for %s: %v", candidate.PublicKey.Short(), err)
	}
	return nil
}

func (m *Membership) applyPromotionRequest(tx Transaction) error {
	candidate := tx.Payload.Candidate
	if candidate.PublicKey == "" {
		return fmt.Errorf("membership: promotion request missing candidate")
	}
	total, err := m.store.Peers.Count()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nominations[candidate.PublicKey] = &Nomination{
		ID: string(candidate.PublicKey), Kind: TxLeaderPromoReq,
		Candidate: candidate.PublicKey, CreatedAt: time.Now(),
	}
	m.trackers[candidate.PublicKey] = NewQuorumTracker(total, total)
	m.mu.Unlock()
	m.log.Infof("membership: promotion request recorded for %s", candidate.PublicKey.Short())
	return nil
}

func (m *Membership) applyVote(tx Transaction, wantKind TxType) error {
	candidate := tx.Payload.VoteFor
	m.mu.Lock()
	nom, ok := m.nominations[candidate]
	tracker := m.trackers[candidate]
	m.mu.Unlock()
	if !ok || nom.Kind != wantKind || tracker == nil {
		return fmt.Errorf("membership: vote for unknown nomination %s", candidate.Short())
	}
	count := tracker.AddVote(tx.Sender, true)
	if !tracker.HasQuorum() {
		m.log.Debugf("membership: %s has %d vote(s) for %s", wantKind, count, candidate.Short())
		return nil
	}
	m.mu.Lock()
	delete(m.nominations, candidate)
	delete(m.trackers, candidate)
	m.mu.Unlock()

	switch wantKind {
	case TxNodeJoinRequest:
		return m.admit(nom.Candidate, tx)
	case TxLeaderPromoReq:
		return m.promote(nom.Candidate)
	}
	return nil
}

func (m *Membership) admit(candidatePub PublicKey, voteTx Transaction) error {
	nomCandidate := PeerConfig{PublicKey: candidatePub, Role: RoleNormal, JoinedAt: time.Now()}
	if err := m.store.Peers.Upsert(nomCandidate); err != nil {
		return err
	}
	m.queue.AddNode(nomCandidate)
	m.log.Infof("membership: admitted %s", candidatePub.Short())
	if m.directory && m.ctx != nil {
		peers, err := m.store.Peers.List()
		if err == nil {
			m.transport.Broadcast(m.ctx, peers, "", MsgAddNode, nomCandidate)
			m.transport.Broadcast(m.ctx, peers, "", MsgQueueUpdate, m.queue.Snapshot())
		}
	}
	return nil
}

func (m *Membership) promote(candidatePub PublicKey) error {
	peers, err := m.store.Peers.List()
	if err != nil {
		return err
	}
	for _, p := range peers {
		if p.PublicKey == candidatePub {
			p.Role = RoleLeader
		} else if p.Role == RoleLeader {
			p.Role = RoleNormal
		}
		if err := m.store.Peers.Upsert(p); err != nil {
			return err
		}
	}
	m.log.Infof("membership: promoted %s to leader", candidatePub.Short())
	if m.directory && m.ctx != nil {
		updated, err := m.store.Peers.List()
		if err == nil {
			m.transport.Broadcast(m.ctx, updated, "", MsgPromoteNode, candidatePub)
			m.transport.Broadcast(m.ctx, updated, "", MsgQueueUpdate, m.queue.Snapshot())
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Leave — administrative, unilateral (no TxType exists for it; the
// directory removes a peer directly and gossips the change).
//---------------------------------------------------------------------

// Leave removes pk from the roster and rotation and broadcasts the change.
// Only meaningful when called on the directory node.
func (m *Membership) Leave(ctx context.Context, pk PublicKey, reason string) error {
	if err := m.store.Peers.Remove(pk); err != nil {
		return err
	}
	m.queue.Remove(pk)
	m.log.Infof("membership: removed %s (%s)", pk.Short(), reason)
	peers, err := m.store.Peers.List()
	if err != nil {
		return err
	}
	m.transport.Broadcast(ctx, peers, "", MsgDeleteNode, pk)
	m.transport.Broadcast(ctx, peers, "", MsgQueueUpdate, m.queue.Snapshot())
	return nil
}

//---------------------------------------------------------------------
// Non-directory mirrors: apply directory broadcasts to local roster state.
//---------------------------------------------------------------------

func (m *Membership) handleAddNodeWire(from peer.ID, env Envelope) {
	var p PeerConfig
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if err := m.store.Peers.Upsert(p); err != nil {
		m.log.Warnf("membership: mirror add node: %v", err)
	}
}

func (m *Membership) handleDeleteNodeWire(from peer.ID, env Envelope) {
	var pk PublicKey
	if err := json.Unmarshal(env.Payload, &pk); err != nil {
		return
	}
	if err := m.store.Peers.Remove(pk); err != nil {
		m.log.Warnf("membership: mirror delete node: %v", err)
	}
}

func (m *Membership) handlePromoteNodeWire(from peer.ID, env Envelope) {
	var pk PublicKey
	if err := json.Unmarshal(env.Payload, &pk); err != nil {
		return
	}
	peers, err := m.store.Peers.List()
	if err != nil {
		return
	}
	for _, p := range peers {
		if p.PublicKey == pk {
			p.Role = RoleLeader
		} else if p.Role == RoleLeader {
			p.Role = RoleNormal
		}
		_ = m.store.Peers.Upsert(p)
	}
}

func (m *Membership) handleQueueUpdateWire(from peer.ID, env Envelope) {
	var peers []PeerConfig
	if err := json.Unmarshal(env.Payload, &peers); err != nil {
		return
	}
	m.queue.ResetWith(peers)
}

//---------------------------------------------------------------------

// buildTx fills in Hash and Signature the same way Mempool.Add verifies
// them: Hash is SHA-256 of the canonical JSON with Hash/Signature zeroed,
// and Signature covers the canonical JSON with Hash present and Signature
// zeroed.
func (m *Membership) buildTx(typ TxType, payload TxPayload) (Transaction, error) {
	tx := Transaction{Type: typ, Sender: m.selfPub, Payload: payload, Timestamp: time.Now().Unix()}
	hash, err := HashTransaction(tx)
	if err != nil {
		return Transaction{}, err
	}
	tx.Hash = hash
	msg, err := CanonicalJSON(tx)
	if err != nil {
		return Transaction{}, err
	}
	sig, err := Sign(m.key, msg)
	if err != nil {
		return Transaction{}, err
	}
	tx.Signature = sig
	return tx, nil
}
