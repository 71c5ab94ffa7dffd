// Sync subsystem — snapshot-accelerated, ordered block backfill for a peer
// that joins (or rejoins) with an empty or stale BlockStore. Grounded in the
// now-superseded core/replication.go's getRange/rangeBlocks protocol (single
// chosen peer instead of gossip fanout) and core/initialization_replication.go's
// bootstrap-then-start sequencing, plus core/high_availability.go's
// snapshot-to-disk concept, folded into Store.ExportSnapshot/ImportSnapshot.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// syncBatchSize bounds how many blocks one SYNC_BLOCKS response carries, so
// a large chain backfills as a sequence of bounded responses rather than one
// unbounded message (matching replication.go's ranged getData contract).
const syncBatchSize = 256

type syncRequest struct {
	RequestID  string `json:"requestId"`
	FromHeight uint64 `json:"fromHeight"`
}

type syncResponse struct {
	RequestID string  `json:"requestId"`
	Blocks    []Block `json:"blocks"`
	Snapshot  []byte  `json:"snapshot,omitempty"`
	Done      bool    `json:"done"`
}

// Sync serves backfill requests from lagging peers and drives this node's
// own catch-up against a chosen directory peer on boot.
type Sync struct {
	store     *Store
	queue     *LeaderQueue
	transport *Transport
	applier   *StateMachine
	log       *logrus.Logger

	pending chan syncResponse

	mu          sync.Mutex
	inFlightReq string
}

// NewSync wires a Sync component.
func NewSync(store *Store, queue *LeaderQueue, transport *Transport, applier *StateMachine, log *logrus.Logger) *Sync {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sync{
		store:     store,
		queue:     queue,
		transport: transport,
		applier:   applier,
		log:       log,
		pending:   make(chan syncResponse, 1),
	}
}

// Start registers the server-side request handler and the client-side
// response handler.
func (s *Sync) Start(ctx context.Context) {
	s.transport.Register(MsgSyncRequest, s.handleSyncRequest)
	s.transport.Register(MsgSyncBlocks, s.handleSyncBlocks)
}

// NeedsBootstrap reports whether this node's BlockStore is empty, the
// trigger condition for a directory-driven catch-up on boot.
func (s *Sync) NeedsBootstrap() (bool, error) {
	h, err := s.store.Blocks.Height()
	if err != nil {
		return false, err
	}
	return h == 0, nil
}

// BootstrapFromPeer drives the client side of the protocol against a single
// chosen peer (normally the bootstrap directory), repeatedly requesting the
// next batch until the peer reports Done.
func (s *Sync) BootstrapFromPeer(ctx context.Context, source PublicKey) error {
	height, err := s.store.Blocks.Height()
	if err != nil {
		return err
	}
	next := height + 1
	for {
		reqID := uuid.New().String()
		s.mu.Lock()
		s.inFlightReq = reqID
		s.mu.Unlock()
		if err := s.transport.SendToPeer(ctx, source, MsgSyncRequest, syncRequest{RequestID: reqID, FromHeight: next}); err != nil {
			return err
		}
		var resp syncResponse
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp = <-s.pending:
		case <-time.After(30 * time.Second):
			return errors.New("sync: timed out waiting for SYNC_BLOCKS")
		}

		if len(resp.Snapshot) > 0 {
			if err := s.store.ImportSnapshot(resp.Snapshot); err != nil {
				return err
			}
			s.log.Info("sync: imported zone snapshot from directory")
		}
		for _, b := range resp.Blocks {
			// InsertRaw relies on ascending insertion order for height
			// assignment; the directory always serves blocks in order.
			if err := s.store.Blocks.InsertRaw(b); err != nil {
				return err
			}
			if err := s.applier.Apply(b); err != nil {
				s.log.Warnf("sync: apply backfilled block %s: %v", b.Header.Hash.Short(), err)
			}
			if _, err := s.queue.Advance(); err != nil {
				s.log.Debugf("sync: queue advance during backfill: %v", err)
			}
		}
		next += uint64(len(resp.Blocks))
		s.log.Infof("sync: backfilled %d block(s), now at height %d", len(resp.Blocks), next-1)
		if resp.Done {
			return nil
		}
	}
}

func (s *Sync) handleSyncRequest(from peer.ID, env Envelope) {
	var req syncRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.log.Warnf("sync: bad SYNC_REQUEST payload: %v", err)
		return
	}
	height, err := s.store.Blocks.Height()
	if err != nil {
		s.log.Errorf("sync: height lookup: %v", err)
		return
	}
	resp := syncResponse{RequestID: req.RequestID, Done: true}
	if req.FromHeight <= height {
		end := req.FromHeight + syncBatchSize - 1
		if end > height {
			end = height
		}
		blocks, err := s.store.Blocks.Range(req.FromHeight, end)
		if err != nil {
			s.log.Errorf("sync: range query: %v", err)
			return
		}
		resp.Blocks = blocks
		resp.Done = end >= height
	}
	if req.FromHeight <= 1 {
		snap, err := s.store.ExportSnapshot()
		if err != nil {
			s.log.Errorf("sync: export snapshot: %v", err)
			return
		}
		resp.Snapshot = snap
	}
	if err := s.transport.SendDirect(context.Background(), from, MsgSyncBlocks, resp); err != nil {
		s.log.Warnf("sync: reply to %s: %v", from, err)
	}
}

func (s *Sync) handleSyncBlocks(from peer.ID, env Envelope) {
	var resp syncResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		s.log.Warnf("sync: bad SYNC_BLOCKS payload: %v", err)
		return
	}
	s.mu.Lock()
	want := s.inFlightReq
	s.mu.Unlock()
	if want == "" || resp.RequestID != want {
		s.log.Debugf("sync: dropped unsolicited or stale SYNC_BLOCKS from %s", from)
		return
	}
	select {
	case s.pending <- resp:
	default:
		s.log.Warnf("sync: dropped unsolicited SYNC_BLOCKS from %s", from)
	}
}
