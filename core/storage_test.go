package core

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dnsledger.db")
	s, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlockStoreAppendAndHeight(t *testing.T) {
	s := openTestStore(t)
	if h, err := s.Blocks.Height(); err != nil || h != 0 {
		t.Fatalf("Height() = %d, %v; want 0, nil", h, err)
	}
	b := Block{Header: BlockHeader{Timestamp: 1}}
	b.Header.Hash = HashBlockHeader(b.Header)
	if err := s.Blocks.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}
	h, err := s.Blocks.Height()
	if err != nil || h != 1 {
		t.Fatalf("Height() = %d, %v; want 1, nil", h, err)
	}
	latest, err := s.Blocks.LatestHash()
	if err != nil {
		t.Fatalf("LatestHash: %v", err)
	}
	if latest != b.Header.Hash {
		t.Fatalf("LatestHash() = %s, want %s", latest.Hex(), b.Header.Hash.Hex())
	}
	// Re-appending the same block (same hash) is insert-or-ignore.
	if err := s.Blocks.Append(b); err != nil {
		t.Fatalf("Append (duplicate): %v", err)
	}
	if h, _ := s.Blocks.Height(); h != 1 {
		t.Fatalf("Height() after duplicate append = %d, want 1", h)
	}
}

func TestBlockStoreRangeAndAll(t *testing.T) {
	s := openTestStore(t)
	prev := Hash{}
	for i := int64(1); i <= 5; i++ {
		b := Block{Header: BlockHeader{PreviousHash: prev, Timestamp: i}}
		b.Header.Hash = HashBlockHeader(b.Header)
		if err := s.Blocks.Append(b); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		prev = b.Header.Hash
	}
	all, err := s.Blocks.All()
	if err != nil || len(all) != 5 {
		t.Fatalf("All() = %d blocks, %v; want 5, nil", len(all), err)
	}
	rng, err := s.Blocks.Range(2, 4)
	if err != nil || len(rng) != 3 {
		t.Fatalf("Range(2,4) = %d blocks, %v; want 3, nil", len(rng), err)
	}
	for i, b := range rng {
		if b.Header.Timestamp != int64(i+2) {
			t.Fatalf("Range()[%d].Timestamp = %d, want %d", i, b.Header.Timestamp, i+2)
		}
	}
}

func TestBlockStorePrune(t *testing.T) {
	s := openTestStore(t)
	for i := int64(1); i <= 5; i++ {
		b := Block{Header: BlockHeader{Timestamp: i}}
		b.Header.Hash = HashBlockHeader(b.Header)
		if err := s.Blocks.Append(b); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if err := s.Blocks.Prune(4); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	all, err := s.Blocks.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(All()) after Prune(4) = %d, want 2 (heights 4,5 retained)", len(all))
	}
	pruned, err := s.Blocks.PrunedHeight()
	if err != nil {
		t.Fatalf("PrunedHeight: %v", err)
	}
	if pruned != 4 {
		t.Fatalf("PrunedHeight() = %d, want 4", pruned)
	}
}

func TestBlockStorePrunedHeightIsZeroBeforeAnyPrune(t *testing.T) {
	s := openTestStore(t)
	pruned, err := s.Blocks.PrunedHeight()
	if err != nil {
		t.Fatalf("PrunedHeight: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("PrunedHeight() on an unpruned store = %d, want 0", pruned)
	}
}

func TestDNSZoneStoreUpsertLookupDelete(t *testing.T) {
	s := openTestStore(t)
	entry := ZoneEntry{
		Domain:    "example.ledger",
		Record:    DNSRecord{Name: "www.example.ledger.", Type: RecA, Value: "10.0.0.1", TTL: 300},
		Owner:     "alice",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.Zone.Upsert(entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	found, err := s.Zone.Lookup("www.example.ledger.", RecA)
	if err != nil || len(found) != 1 {
		t.Fatalf("Lookup = %d entries, %v; want 1, nil", len(found), err)
	}
	owner, ok, err := s.Zone.Owner("example.ledger")
	if err != nil || !ok || owner != "alice" {
		t.Fatalf("Owner = %s, %v, %v; want alice, true, nil", owner, ok, err)
	}
	entry.Record.Value = "10.0.0.2"
	entry.UpdatedAt = time.Now().Unix() + 1
	if err := s.Zone.Upsert(entry); err != nil {
		t.Fatalf("second Upsert (different value = distinct record): %v", err)
	}
	all, err := s.Zone.All()
	if err != nil || len(all) != 2 {
		t.Fatalf("All() = %d entries, %v; want 2 (distinct values), nil", len(all), err)
	}
	if err := s.Zone.DeleteDomain("example.ledger"); err != nil {
		t.Fatalf("DeleteDomain: %v", err)
	}
	all, err = s.Zone.All()
	if err != nil || len(all) != 0 {
		t.Fatalf("All() after DeleteDomain = %d entries, %v; want 0, nil", len(all), err)
	}
}

func TestPeerStoreUpsertRoleChangeAndRemove(t *testing.T) {
	s := openTestStore(t)
	p := PeerConfig{PublicKey: "alice", IP: "10.0.0.1", Role: RoleNormal, JoinedAt: time.Now()}
	if err := s.Peers.Upsert(p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	p.Role = RoleLeader
	if err := s.Peers.Upsert(p); err != nil {
		t.Fatalf("Upsert (role change): %v", err)
	}
	list, err := s.Peers.List()
	if err != nil || len(list) != 1 || list[0].Role != RoleLeader {
		t.Fatalf("List() = %+v, %v; want one peer with RoleLeader", list, err)
	}
	if n, err := s.Peers.Count(); err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v; want 1, nil", n, err)
	}
	if err := s.Peers.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, err := s.Peers.Count(); err != nil || n != 0 {
		t.Fatalf("Count() after Remove = %d, %v; want 0, nil", n, err)
	}
}

func TestStoreExportImportSnapshotRoundTrip(t *testing.T) {
	src := openTestStore(t)
	if err := src.Zone.Upsert(ZoneEntry{Domain: "a.ledger", Record: DNSRecord{Name: "a.ledger.", Type: RecA, Value: "1.2.3.4", TTL: 60}, Owner: "alice"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := src.Peers.Upsert(PeerConfig{PublicKey: "alice", Role: RoleGenesis, JoinedAt: time.Now()}); err != nil {
		t.Fatalf("Upsert peer: %v", err)
	}
	snap, err := src.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	dst := openTestStore(t)
	if err := dst.ImportSnapshot(snap); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	records, err := dst.Zone.All()
	if err != nil || len(records) != 1 {
		t.Fatalf("All() after import = %d, %v; want 1, nil", len(records), err)
	}
	peers, err := dst.Peers.List()
	if err != nil || len(peers) != 1 || peers[0].PublicKey != "alice" {
		t.Fatalf("List() after import = %+v, %v; want one peer alice", peers, err)
	}
}
