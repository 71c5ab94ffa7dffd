// NodeOrchestrator — process lifecycle and component wiring, grounded in the
// now-superseded core/bootstrap_node.go's constructor-wiring shape and
// core/initialization_replication.go's bootstrap-then-start sequencing.
package core

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"dnsledger/pkg/config"
)

// NodeOrchestrator owns every component's lifecycle for one dnsledger
// process: Store, Transport, Mempool, LeaderQueue, Engine, StateMachine,
// Membership, Sync and DNSFrontend.
type NodeOrchestrator struct {
	cfg *config.Config
	log *logrus.Logger

	key *ecdsa.PrivateKey
	pub PublicKey

	Store      *Store
	Transport  *Transport
	Mempool    *Mempool
	Queue      *LeaderQueue
	Engine     *Engine
	StateMach  *StateMachine
	Membership *Membership
	Sync       *Sync
	DNS        *DNSFrontend
	Metrics    *Metrics
}

// NewNodeOrchestrator constructs every component from cfg without starting
// any network listener or goroutine; call Start to bring the node up.
func NewNodeOrchestrator(cfg *config.Config, log *logrus.Logger) (*NodeOrchestrator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	key, pub, err := loadOrCreateKey(cfg.Storage.DBPath + ".key")
	if err != nil {
		return nil, fmt.Errorf("node: identity: %w", err)
	}

	store, err := OpenStore(cfg.Storage.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("node: store: %w", err)
	}

	transport, err := NewTransport(cfg.Network.ListenAddr, pub, cfg.Network.AdvertisedIP, log)
	if err != nil {
		return nil, fmt.Errorf("node: transport: %w", err)
	}

	peers, err := store.Peers.List()
	if err != nil {
		return nil, fmt.Errorf("node: load roster: %w", err)
	}
	if len(peers) == 0 {
		self := PeerConfig{IP: cfg.Network.AdvertisedIP, Role: RoleGenesis, PublicKey: pub, JoinedAt: time.Now()}
		if err := store.Peers.Upsert(self); err != nil {
			return nil, fmt.Errorf("node: seed roster: %w", err)
		}
		peers = []PeerConfig{self}
	}

	mempool := NewMempool()
	queue := NewLeaderQueue(peers)
	metrics := NewMetrics()

	sm := NewStateMachine(store, log)
	blockInterval := time.Duration(cfg.Consensus.BlockIntervalSeconds) * time.Second
	failoverTimeout := time.Duration(cfg.Consensus.FailoverTimeoutSeconds) * time.Second
	engine := NewEngineWithTiming(store, mempool, queue, transport, sm, key, pub, log, blockInterval, failoverTimeout)
	engine.SetMetrics(metrics)

	membership := NewMembership(store, queue, transport, mempool, key, pub, cfg.Network.IsDirectory, log)
	sm.SetMembership(membership)

	syncer := NewSync(store, queue, transport, sm, log)
	engine.SetResync(syncer)

	dnsFront := NewDNSFrontend(store, cfg.DNS.ListenAddr, cfg.DNS.Origin, cfg.DNS.UpstreamAddr, cfg.DNS.WorkerThreads, log)
	dnsFront.SetMetrics(metrics)
	sm.SetCache(dnsFront)

	return &NodeOrchestrator{
		cfg: cfg, log: log, key: key, pub: pub,
		Store: store, Transport: transport, Mempool: mempool, Queue: queue,
		Engine: engine, StateMach: sm, Membership: membership, Sync: syncer,
		DNS: dnsFront, Metrics: metrics,
	}, nil
}

// PublicKey returns this node's identity.
func (n *NodeOrchestrator) PublicKey() PublicKey { return n.pub }

// LoadIdentity loads (creating if absent) the ECDSA identity key at the
// path a node configured with dbPath would use, without opening its store
// or transport. Used by CLI tooling that only needs to report identity.
func LoadIdentity(dbPath string) (PublicKey, error) {
	_, pub, err := loadOrCreateKey(dbPath + ".key")
	return pub, err
}

// Start brings up every component and, for a non-directory node with at
// least one configured bootstrap peer, joins the network via the configured
// bootstrap directory before backfilling chain state.
func (n *NodeOrchestrator) Start(ctx context.Context) error {
	n.Membership.Start(ctx)
	n.Sync.Start(ctx)
	n.Engine.Start(ctx)
	if err := n.DNS.Start(ctx); err != nil {
		return fmt.Errorf("node: dns frontend: %w", err)
	}

	if !n.cfg.Network.IsDirectory && len(n.cfg.Network.BootstrapPeers) > 0 {
		if err := n.joinAndSync(ctx); err != nil {
			n.log.Warnf("node: join/sync on startup failed: %v", err)
		}
	}
	return nil
}

func (n *NodeOrchestrator) joinAndSync(ctx context.Context) error {
	directoryPub := PublicKey(n.cfg.Network.DirectoryPublicKey)
	addr, err := ma.NewMultiaddr(n.cfg.Network.BootstrapPeers[0])
	if err != nil {
		return fmt.Errorf("parse bootstrap multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("resolve bootstrap peer id: %w", err)
	}
	if err := n.Transport.Connect(ctx, *info, directoryPub); err != nil {
		return fmt.Errorf("connect to directory: %w", err)
	}

	self := PeerConfig{IP: n.cfg.Network.AdvertisedIP, Role: RoleNormal, PublicKey: n.pub, JoinedAt: time.Now()}
	if err := n.Transport.SendToPeer(ctx, directoryPub, MsgNodeJoinRequest, self); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		if admitted, err := n.isAdmitted(); err == nil && admitted {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(BlockInterval):
		}
	}

	return n.Sync.BootstrapFromPeer(ctx, directoryPub)
}

func (n *NodeOrchestrator) isAdmitted() (bool, error) {
	peers, err := n.Store.Peers.List()
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.PublicKey == n.pub {
			return true, nil
		}
	}
	return false, nil
}

// Stop shuts down the consensus loop and releases the store and transport.
func (n *NodeOrchestrator) Stop() {
	n.Engine.Stop()
	if err := n.Transport.Close(); err != nil {
		n.log.Warnf("node: close transport: %v", err)
	}
	if err := n.Store.Close(); err != nil {
		n.log.Warnf("node: close store: %v", err)
	}
}

// loadOrCreateKey reads an ECDSA P-256 identity key from path, generating and
// persisting a new one if the file does not exist yet.
func loadOrCreateKey(path string) (*ecdsa.PrivateKey, PublicKey, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", err
		}
	}
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, "", errors.New("node: invalid identity key PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, "", err
		}
		pub, err := EncodePublicKey(&key.PublicKey)
		if err != nil {
			return nil, "", err
		}
		return key, pub, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", err
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, "", err
	}
	pub, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return key, pub, nil
}
