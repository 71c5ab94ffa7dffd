package core

import (
	"context"
	"testing"
	"time"
)

func TestSyncBootstrapFromPeerBackfillsEmptyStore(t *testing.T) {
	directoryTransport, clientTransport, directoryPub, _ := connectedTransportPair(t)

	directoryStore := openTestStore(t)
	directorySM := NewStateMachine(directoryStore, nil)
	directoryQueue := NewLeaderQueue(nil)
	directorySync := NewSync(directoryStore, directoryQueue, directoryTransport, directorySM, nil)

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if err := directoryStore.Peers.Upsert(PeerConfig{PublicKey: pub, Role: RoleGenesis, JoinedAt: time.Now()}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}
	reg := smSignedTx(t, key, pub, TxRegister, TxPayload{
		Domain: "example.ledger",
		Ops:    []DNSOp{{Record: DNSRecord{Name: "www.example.ledger.", Type: RecA, Value: "10.0.0.1", TTL: 300}}},
	})
	var prev Hash
	block := Block{Header: BlockHeader{PreviousHash: prev, Timestamp: 1}, Transactions: []Transaction{reg}}
	block.Header.Hash = HashBlockHeader(block.Header)
	if err := directoryStore.Blocks.Append(block); err != nil {
		t.Fatalf("Blocks.Append: %v", err)
	}
	if err := directorySM.Apply(block); err != nil {
		t.Fatalf("directorySM.Apply: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	directorySync.Start(ctx)

	clientStore := openTestStore(t)
	clientSM := NewStateMachine(clientStore, nil)
	clientQueue := NewLeaderQueue(nil)
	clientSync := NewSync(clientStore, clientQueue, clientTransport, clientSM, nil)
	clientSync.Start(ctx)

	needs, err := clientSync.NeedsBootstrap()
	if err != nil {
		t.Fatalf("NeedsBootstrap: %v", err)
	}
	if !needs {
		t.Fatalf("NeedsBootstrap() = false on an empty store, want true")
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bootstrapCancel()
	if err := clientSync.BootstrapFromPeer(bootstrapCtx, directoryPub); err != nil {
		t.Fatalf("BootstrapFromPeer: %v", err)
	}

	height, err := clientStore.Blocks.Height()
	if err != nil || height != 1 {
		t.Fatalf("client Blocks.Height() = %d, %v; want 1, nil", height, err)
	}
	records, err := clientStore.Zone.All()
	if err != nil || len(records) != 1 {
		t.Fatalf("client Zone.All() = %d, %v; want 1, nil", len(records), err)
	}
	peers, err := clientStore.Peers.List()
	if err != nil || len(peers) != 1 {
		t.Fatalf("client Peers.List() = %d, %v; want 1, nil (from imported snapshot)", len(peers), err)
	}
}
