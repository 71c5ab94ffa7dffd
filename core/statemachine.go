// StateMachine subsystem — deterministic application of committed block
// transactions to the DNS zone. Grounded in core/ledger.go's applyBlock
// (per-transaction state mutation) and RebuildChain (full-replay-from-genesis
// determinism check), adapted from a generic UTXO/contract ledger to a DNS
// zone with ownership and expiry.
package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MembershipApplier is satisfied by the Membership component; StateMachine
// delegates every roster-affecting transaction type to it so that ownership
// of join/leave/promotion logic stays in one place.
type MembershipApplier interface {
	ApplyMembershipTx(tx Transaction) error
}

// CacheInvalidator is satisfied by DNSFrontend; StateMachine notifies it
// after every applied block so cached answers never outlive the zone state
// they were read from.
type CacheInvalidator interface {
	InvalidateCache()
}

// StateMachine applies committed blocks to the zone and peer roster stored
// in a Store, and can rebuild that state from scratch by replaying every
// block in order.
type StateMachine struct {
	store      *Store
	membership MembershipApplier
	cache      CacheInvalidator
	log        *logrus.Logger
}

// NewStateMachine wires a StateMachine over store. membership may be nil
// until Membership has finished constructing itself; SetMembership must be
// called before any NODE_JOIN_* or LEADER_PROMOTION_* transaction is applied.
func NewStateMachine(store *Store, log *logrus.Logger) *StateMachine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateMachine{store: store, log: log}
}

// SetMembership wires the Membership delegate after both components exist.
func (sm *StateMachine) SetMembership(m MembershipApplier) { sm.membership = m }

// SetCache wires the DNSFrontend cache so it invalidates on every block.
func (sm *StateMachine) SetCache(c CacheInvalidator) { sm.cache = c }

// Apply runs every transaction in b through the effects table below, in
// order. It is the incremental path used as each new block is committed.
func (sm *StateMachine) Apply(b Block) error {
	for _, tx := range b.Transactions {
		if err := sm.applyTx(tx); err != nil {
			sm.log.Warnf("statemachine: tx %s rejected: %v", tx.Hash.Short(), err)
		}
	}
	if sm.cache != nil {
		sm.cache.InvalidateCache()
	}
	return nil
}

// normalizePayload case-folds the domain and every record name to lowercase
// before the payload reaches the zone store, so a FQDN's case never affects
// uniqueness or lookup. The zone store keys records by (domain, name, type,
// value), so several values may share one name and type.
func normalizePayload(p TxPayload) TxPayload {
	p.Domain = strings.ToLower(p.Domain)
	if len(p.Ops) > 0 {
		ops := make([]DNSOp, len(p.Ops))
		for i, op := range p.Ops {
			op.Record.Name = strings.ToLower(op.Record.Name)
			ops[i] = op
		}
		p.Ops = ops
	}
	return p
}

func (sm *StateMachine) applyTx(tx Transaction) error {
	tx.Payload = normalizePayload(tx.Payload)
	switch tx.Type {
	case TxRegister:
		return sm.applyRegister(tx)
	case TxUpdateRecords:
		return sm.applyUpdateRecords(tx)
	case TxDeleteRecords:
		return sm.applyDeleteRecords(tx)
	case TxTransferOwnership:
		return sm.applyTransferOwnership(tx)
	case TxRenew:
		return sm.applyRenew(tx)
	case TxRevoke:
		return sm.applyRevoke(tx)
	case TxStateSnapshot:
		return sm.store.ImportSnapshot(tx.Payload.Snapshot)
	case TxNodeJoinRequest, TxNodeJoinVote, TxLeaderPromoReq, TxLeaderPromoVote:
		if sm.membership == nil {
			return errors.New("statemachine: membership delegate not wired")
		}
		return sm.membership.ApplyMembershipTx(tx)
	default:
		return errors.New("statemachine: unknown transaction type " + string(tx.Type))
	}
}

func (sm *StateMachine) applyRegister(tx Transaction) error {
	if tx.Payload.Domain == "" {
		return errors.New("register: domain required")
	}
	if owner, exists, err := sm.store.Zone.Owner(tx.Payload.Domain); err != nil {
		return err
	} else if exists {
		return errors.New("register: domain already owned by " + owner.Short())
	}
	now := time.Now().Unix()
	for _, op := range tx.Payload.Ops {
		if err := sm.store.Zone.Upsert(ZoneEntry{
			Domain:    tx.Payload.Domain,
			Record:    op.Record,
			Owner:     tx.Sender,
			ExpiresAt: tx.Payload.ExpiresAt,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateMachine) applyUpdateRecords(tx Transaction) error {
	if err := sm.requireOwner(tx); err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, op := range tx.Payload.Ops {
		if err := sm.store.Zone.Upsert(ZoneEntry{
			Domain:    tx.Payload.Domain,
			Record:    op.Record,
			Owner:     tx.Sender,
			ExpiresAt: tx.Payload.ExpiresAt,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateMachine) applyDeleteRecords(tx Transaction) error {
	if err := sm.requireOwner(tx); err != nil {
		return err
	}
	for _, op := range tx.Payload.Ops {
		if err := sm.store.Zone.Delete(tx.Payload.Domain, op.Record); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateMachine) applyTransferOwnership(tx Transaction) error {
	if err := sm.requireOwner(tx); err != nil {
		return err
	}
	if tx.Payload.NewOwner == "" {
		return errors.New("transfer: newOwner required")
	}
	records, err := sm.store.Zone.All()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range records {
		if e.Domain != tx.Payload.Domain {
			continue
		}
		e.Owner = tx.Payload.NewOwner
		e.UpdatedAt = now
		if err := sm.store.Zone.Upsert(e); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateMachine) applyRenew(tx Transaction) error {
	if err := sm.requireOwner(tx); err != nil {
		return err
	}
	records, err := sm.store.Zone.All()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range records {
		if e.Domain != tx.Payload.Domain {
			continue
		}
		e.ExpiresAt = tx.Payload.ExpiresAt
		e.UpdatedAt = now
		if err := sm.store.Zone.Upsert(e); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateMachine) applyRevoke(tx Transaction) error {
	if err := sm.requireOwner(tx); err != nil {
		return err
	}
	return sm.store.Zone.DeleteDomain(tx.Payload.Domain)
}

func (sm *StateMachine) requireOwner(tx Transaction) error {
	owner, exists, err := sm.store.Zone.Owner(tx.Payload.Domain)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("domain not registered")
	}
	if owner != tx.Sender {
		return errors.New("sender is not the domain owner")
	}
	return nil
}

// Rebuild truncates the zone (the peer roster is kept) and replays every stored block
// from genesis, used to verify that independently-built state converges
// (the determinism property from the spec's testable-properties section).
// If the block history has been pruned (BlockStore.Prune) and the oldest
// retained block does not itself carry a STATE_SNAPSHOT transaction to seed
// state from, replaying would silently desync rather than rebuild correctly
// (spec §8 "Pruning safety"); Rebuild fails instead of running, leaving the
// current zone state untouched.
func (sm *StateMachine) Rebuild() error {
	blocks, err := sm.store.Blocks.All()
	if err != nil {
		return err
	}
	prunedHeight, err := sm.store.Blocks.PrunedHeight()
	if err != nil {
		return err
	}
	if prunedHeight > 0 && !startsFromSnapshot(blocks) {
		return fmt.Errorf("statemachine: history pruned below height %d with no retained snapshot to rebuild from; resync from a peer instead", prunedHeight)
	}
	if err := sm.store.Zone.Truncate(); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := sm.Apply(b); err != nil {
			return err
		}
	}
	return nil
}

// startsFromSnapshot reports whether the oldest retained block carries a
// STATE_SNAPSHOT transaction, i.e. replaying blocks from here reconstructs
// correct state even if earlier history was pruned away.
func startsFromSnapshot(blocks []Block) bool {
	if len(blocks) == 0 {
		return true
	}
	for _, tx := range blocks[0].Transactions {
		if tx.Type == TxStateSnapshot {
			return true
		}
	}
	return false
}

// ListAllSorted returns every zone record in a deterministic order, used to
// compare two independently-rebuilt states for equality in tests.
func (sm *StateMachine) ListAllSorted() ([]ZoneEntry, error) {
	entries, err := sm.store.Zone.All()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Domain != entries[j].Domain {
			return entries[i].Domain < entries[j].Domain
		}
		if entries[i].Record.Name != entries[j].Record.Name {
			return entries[i].Record.Name < entries[j].Record.Name
		}
		return entries[i].Record.Value < entries[j].Record.Value
	})
	return entries, nil
}
