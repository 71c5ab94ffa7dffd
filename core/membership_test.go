package core

import (
	"testing"
)

func newTestMembership(t *testing.T, store *Store, queue *LeaderQueue, directory bool) (*Membership, PublicKey) {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	m := NewMembership(store, queue, nil, NewMempool(), key, pub, directory, nil)
	return m, pub
}

func TestMembershipJoinRequestReachesQuorumAndAdmits(t *testing.T) {
	store := openTestStore(t)
	queue := NewLeaderQueue(nil)
	m, _ := newTestMembership(t, store, queue, false)

	candidateKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	candidatePub, err := EncodePublicKey(&candidateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	candidate := PeerConfig{PublicKey: candidatePub, IP: "10.0.0.9"}

	joinTx := Transaction{Type: TxNodeJoinRequest, Payload: TxPayload{Candidate: candidate}}
	if err := m.ApplyMembershipTx(joinTx); err != nil {
		t.Fatalf("ApplyMembershipTx(join request): %v", err)
	}

	// No peers persisted yet: applyJoinRequest floors total to 1, so a
	// single vote reaches quorum.
	voteTx := Transaction{Type: TxNodeJoinVote, Sender: "some-existing-peer", Payload: TxPayload{VoteFor: candidatePub}}
	if err := m.ApplyMembershipTx(voteTx); err != nil {
		t.Fatalf("ApplyMembershipTx(vote): %v", err)
	}

	peers, err := store.Peers.List()
	if err != nil {
		t.Fatalf("Peers.List: %v", err)
	}
	if len(peers) != 1 || peers[0].PublicKey != candidatePub {
		t.Fatalf("Peers.List() = %+v, want admitted candidate %s", peers, candidatePub.Short())
	}
	if peers[0].Role != RoleNormal {
		t.Fatalf("admitted peer role = %s, want %s", peers[0].Role, RoleNormal)
	}
	if queue.Size() != 1 {
		t.Fatalf("queue.Size() = %d, want 1 (candidate added to rotation)", queue.Size())
	}
}

func TestMembershipVoteForUnknownNominationErrors(t *testing.T) {
	store := openTestStore(t)
	queue := NewLeaderQueue(nil)
	m, _ := newTestMembership(t, store, queue, false)

	voteTx := Transaction{Type: TxNodeJoinVote, Sender: "voter", Payload: TxPayload{VoteFor: "nobody-nominated"}}
	if err := m.ApplyMembershipTx(voteTx); err == nil {
		t.Fatalf("expected error voting on a nomination that was never recorded")
	}
}

func TestMembershipPromotionFlowDemotesPriorLeader(t *testing.T) {
	store := openTestStore(t)
	queue := NewLeaderQueue(nil)
	m, _ := newTestMembership(t, store, queue, false)

	oldLeaderKey, _ := GenerateKey()
	oldLeaderPub, _ := EncodePublicKey(&oldLeaderKey.PublicKey)
	newLeaderKey, _ := GenerateKey()
	newLeaderPub, _ := EncodePublicKey(&newLeaderKey.PublicKey)

	if err := store.Peers.Upsert(PeerConfig{PublicKey: oldLeaderPub, Role: RoleLeader}); err != nil {
		t.Fatalf("seed old leader: %v", err)
	}
	if err := store.Peers.Upsert(PeerConfig{PublicKey: newLeaderPub, Role: RoleNormal}); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	req := Transaction{Type: TxLeaderPromoReq, Payload: TxPayload{Candidate: PeerConfig{PublicKey: newLeaderPub}}}
	if err := m.ApplyMembershipTx(req); err != nil {
		t.Fatalf("ApplyMembershipTx(promotion request): %v", err)
	}
	vote1 := Transaction{Type: TxLeaderPromoVote, Sender: "voter1", Payload: TxPayload{VoteFor: newLeaderPub}}
	if err := m.ApplyMembershipTx(vote1); err != nil {
		t.Fatalf("ApplyMembershipTx(vote1): %v", err)
	}
	peers, err := store.Peers.List()
	if err != nil {
		t.Fatalf("Peers.List: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("unexpected peer count: %d", len(peers))
	}
	roleOf := func(pk PublicKey) PeerRole {
		for _, p := range peers {
			if p.PublicKey == pk {
				return p.Role
			}
		}
		return RoleNone
	}
	if len(peers) == 2 {
		// total=2, threshold=2: one vote is not yet quorum.
		if roleOf(newLeaderPub) == RoleLeader {
			t.Fatalf("candidate promoted before quorum reached")
		}
	}
	vote2 := Transaction{Type: TxLeaderPromoVote, Sender: "voter2", Payload: TxPayload{VoteFor: newLeaderPub}}
	if err := m.ApplyMembershipTx(vote2); err != nil {
		t.Fatalf("ApplyMembershipTx(vote2): %v", err)
	}
	peers, err = store.Peers.List()
	if err != nil {
		t.Fatalf("Peers.List: %v", err)
	}
	roleOf = func(pk PublicKey) PeerRole {
		for _, p := range peers {
			if p.PublicKey == pk {
				return p.Role
			}
		}
		return RoleNone
	}
	if roleOf(newLeaderPub) != RoleLeader {
		t.Fatalf("candidate role = %s after quorum, want %s", roleOf(newLeaderPub), RoleLeader)
	}
	if roleOf(oldLeaderPub) != RoleNormal {
		t.Fatalf("prior leader role = %s after promotion, want demoted to %s", roleOf(oldLeaderPub), RoleNormal)
	}
}

func TestMembershipBuildTxProducesMempoolVerifiableTransaction(t *testing.T) {
	store := openTestStore(t)
	queue := NewLeaderQueue(nil)
	m, pub := newTestMembership(t, store, queue, false)

	tx, err := m.buildTx(TxNodeJoinVote, TxPayload{VoteFor: "someone"})
	if err != nil {
		t.Fatalf("buildTx: %v", err)
	}
	if tx.Sender != pub {
		t.Fatalf("tx.Sender = %s, want %s", tx.Sender, pub)
	}
	mp := NewMempool()
	if err := mp.Add(tx); err != nil {
		t.Fatalf("Mempool.Add(buildTx result) failed verification: %v", err)
	}
}
