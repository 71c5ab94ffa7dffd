// Storage subsystem — SQLite-backed durable stores for blocks, transactions,
// DNS zone records and peer roster. Thread-safe and logrus-logged, following
// the teacher's "Storage subsystem" framing (core/storage.go) even though the
// content here is an on-disk SQL schema rather than a content-addressed
// blob gateway, per spec §6.
package core

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	storeRetryBase  = 25 * time.Millisecond
	storeRetryMax   = 5
	busyErrFragment = "database is locked"
)

// Store bundles the four durable stores over a single SQLite database file,
// matching the spec's BlockStore/TransactionStore/DNSZoneStore/PeerStore
// contract (§4.2).
type Store struct {
	db  *sql.DB
	log *logrus.Logger

	Blocks       *BlockStore
	Transactions *TransactionStore
	Zone         *DNSZoneStore
	Peers        *PeerStore
}

// OpenStore opens (creating if necessary) the SQLite database at path and
// migrates its schema.
func OpenStore(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer connection keeps SQLite's WAL mode contention-free;
	// reads still happen over the same pool, serialized behind the driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db, log: log}
	s.Blocks = &BlockStore{s: s}
	s.Transactions = &TransactionStore{s: s}
	s.Zone = &DNSZoneStore{s: s}
	s.Peers = &PeerStore{s: s}
	log.Infof("store: opened %s", path)
	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			height      INTEGER PRIMARY KEY AUTOINCREMENT,
			hash        TEXT UNIQUE NOT NULL,
			prev_hash   TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			raw         BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			hash        TEXT PRIMARY KEY,
			block_hash  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			type        TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			raw         BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dns_records (
			domain      TEXT NOT NULL,
			name        TEXT NOT NULL,
			type        TEXT NOT NULL,
			value       TEXT NOT NULL,
			ttl         INTEGER NOT NULL,
			owner       TEXT NOT NULL,
			expires_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (domain, name, type, value)
		)`,
		`CREATE TABLE IF NOT EXISTS peers (
			public_key  TEXT PRIMARY KEY,
			ip          TEXT NOT NULL,
			role        TEXT NOT NULL,
			joined_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// withRetry retries fn on SQLITE_BUSY with exponential backoff, per the
// spec's retry contract (base 25ms, cap 5 attempts).
func withRetry(fn func() error) error {
	var err error
	delay := storeRetryBase
	for attempt := 0; attempt < storeRetryMax; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), busyErrFragment) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

//---------------------------------------------------------------------
// BlockStore
//---------------------------------------------------------------------

type BlockStore struct{ s *Store }

// Append inserts a block, assigning it the next height. It is insert-or-
// ignore on hash collision (re-delivery of an already-known block).
func (bs *BlockStore) Append(b Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return withRetry(func() error {
		_, err := bs.s.db.Exec(
			`INSERT OR IGNORE INTO blocks (hash, prev_hash, timestamp, raw) VALUES (?, ?, ?, ?)`,
			b.Header.Hash.Hex(), b.Header.PreviousHash.Hex(), b.Header.Timestamp, raw,
		)
		return err
	})
}

// InsertRaw stores a block received during sync without re-deriving its
// height ordering (height is assigned by SQLite autoincrement insertion
// order, which callers must therefore insert in ascending order).
func (bs *BlockStore) InsertRaw(b Block) error { return bs.Append(b) }

// LatestHash returns the hash of the most recently appended block, or the
// zero hash if the store is empty (genesis case).
func (bs *BlockStore) LatestHash() (Hash, error) {
	row := bs.s.db.QueryRow(`SELECT hash FROM blocks ORDER BY height DESC LIMIT 1`)
	var hex string
	if err := row.Scan(&hex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Hash{}, nil
		}
		return Hash{}, err
	}
	return hashFromHex(hex)
}

// Height returns the number of blocks currently stored.
func (bs *BlockStore) Height() (uint64, error) {
	row := bs.s.db.QueryRow(`SELECT COUNT(*) FROM blocks`)
	var n uint64
	err := row.Scan(&n)
	return n, err
}

// ByHash looks up a single block.
func (bs *BlockStore) ByHash(h Hash) (Block, error) {
	row := bs.s.db.QueryRow(`SELECT raw FROM blocks WHERE hash = ?`, h.Hex())
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return Block{}, err
	}
	var b Block
	return b, json.Unmarshal(raw, &b)
}

// Range returns blocks ordered by height in [start, end] inclusive (1-based
// height), used by Sync's backfill protocol.
func (bs *BlockStore) Range(start, end uint64) ([]Block, error) {
	rows, err := bs.s.db.Query(
		`SELECT raw FROM blocks WHERE height BETWEEN ? AND ? ORDER BY height ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// All returns every stored block ordered by height, used by rebuild().
func (bs *BlockStore) All() ([]Block, error) {
	rows, err := bs.s.db.Query(`SELECT raw FROM blocks ORDER BY height ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Truncate removes every block, used before a full rebuild/resync.
func (bs *BlockStore) Truncate() error {
	_, err := bs.s.db.Exec(`DELETE FROM blocks`)
	return err
}

// Prune deletes blocks older than keepFromHeight, leaving enough tail to
// rebuild state from the last retained block plus a fresh STATE_SNAPSHOT
// transaction (the caller is responsible for having committed one first).
// The pruned floor is recorded so StateMachine.Rebuild can detect whether the
// retained history is still safe to replay from scratch (spec §8 "Pruning
// safety").
func (bs *BlockStore) Prune(keepFromHeight uint64) error {
	if _, err := bs.s.db.Exec(`DELETE FROM blocks WHERE height < ?`, keepFromHeight); err != nil {
		return err
	}
	return bs.recordPrunedHeight(keepFromHeight)
}

func (bs *BlockStore) recordPrunedHeight(h uint64) error {
	_, err := bs.s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('pruned_height', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatUint(h, 10),
	)
	return err
}

// PrunedHeight returns the floor height set by the most recent Prune call, or
// 0 if block history has never been pruned.
func (bs *BlockStore) PrunedHeight() (uint64, error) {
	row := bs.s.db.QueryRow(`SELECT value FROM meta WHERE key = 'pruned_height'`)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func hashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

//---------------------------------------------------------------------
// TransactionStore
//---------------------------------------------------------------------

type TransactionStore struct{ s *Store }

// Index records a committed transaction for lookup, independent of the
// block blob it's embedded in.
func (ts *TransactionStore) Index(blockHash Hash, tx Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return withRetry(func() error {
		_, err := ts.s.db.Exec(
			`INSERT OR IGNORE INTO transactions (hash, block_hash, sender, type, timestamp, raw) VALUES (?, ?, ?, ?, ?, ?)`,
			tx.Hash.Hex(), blockHash.Hex(), string(tx.Sender), string(tx.Type), tx.Timestamp, raw,
		)
		return err
	})
}

// ByHash looks up a single transaction by hash.
func (ts *TransactionStore) ByHash(h Hash) (Transaction, error) {
	row := ts.s.db.QueryRow(`SELECT raw FROM transactions WHERE hash = ?`, h.Hex())
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	return tx, json.Unmarshal(raw, &tx)
}

// BySender returns every transaction submitted by sender, most recent first.
func (ts *TransactionStore) BySender(sender PublicKey) ([]Transaction, error) {
	rows, err := ts.s.db.Query(
		`SELECT raw FROM transactions WHERE sender = ? ORDER BY timestamp DESC`, string(sender))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (ts *TransactionStore) Truncate() error {
	_, err := ts.s.db.Exec(`DELETE FROM transactions`)
	return err
}

//---------------------------------------------------------------------
// DNSZoneStore
//---------------------------------------------------------------------

type DNSZoneStore struct{ s *Store }

// ZoneEntry is a persisted record plus its ownership/expiry metadata.
type ZoneEntry struct {
	Domain    string
	Record    DNSRecord
	Owner     PublicKey
	ExpiresAt int64
	UpdatedAt int64
}

// Upsert inserts or replaces a single record under domain. domain and the
// record's name are case-folded to lowercase before storage, since a FQDN is
// case-insensitive. The table's key is (domain, name, type, value), so
// several values may share one name and type.
func (z *DNSZoneStore) Upsert(e ZoneEntry) error {
	domain := strings.ToLower(e.Domain)
	name := strings.ToLower(e.Record.Name)
	return withRetry(func() error {
		_, err := z.s.db.Exec(
			`INSERT INTO dns_records (domain, name, type, value, ttl, owner, expires_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(domain, name, type, value) DO UPDATE SET
			   ttl=excluded.ttl, owner=excluded.owner, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
			domain, name, string(e.Record.Type), e.Record.Value, e.Record.TTL,
			string(e.Owner), e.ExpiresAt, e.UpdatedAt,
		)
		return err
	})
}

// Delete removes a single record.
func (z *DNSZoneStore) Delete(domain string, rec DNSRecord) error {
	_, err := z.s.db.Exec(
		`DELETE FROM dns_records WHERE domain = ? AND name = ? AND type = ? AND value = ?`,
		strings.ToLower(domain), strings.ToLower(rec.Name), string(rec.Type), rec.Value,
	)
	return err
}

// DeleteDomain removes every record for domain, e.g. on REVOKE.
func (z *DNSZoneStore) DeleteDomain(domain string) error {
	_, err := z.s.db.Exec(`DELETE FROM dns_records WHERE domain = ?`, strings.ToLower(domain))
	return err
}

// Lookup returns every record matching name (and type, if non-empty) across
// all domains — used by the DNS frontend at query time. name is case-folded
// to lowercase so a query's case never affects whether a record resolves.
func (z *DNSZoneStore) Lookup(name string, typ RecordType) ([]ZoneEntry, error) {
	name = strings.ToLower(name)
	var rows *sql.Rows
	var err error
	if typ == "" {
		rows, err = z.s.db.Query(`SELECT domain, name, type, value, ttl, owner, expires_at, updated_at FROM dns_records WHERE name = ?`, name)
	} else {
		rows, err = z.s.db.Query(`SELECT domain, name, type, value, ttl, owner, expires_at, updated_at FROM dns_records WHERE name = ? AND type = ?`, name, string(typ))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanZoneEntries(rows)
}

// Owner returns the owner of record under domain if it exists.
func (z *DNSZoneStore) Owner(domain string) (PublicKey, bool, error) {
	row := z.s.db.QueryRow(`SELECT owner FROM dns_records WHERE domain = ? LIMIT 1`, strings.ToLower(domain))
	var owner string
	if err := row.Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return PublicKey(owner), true, nil
}

// All returns every record, ordered by domain then name, for snapshot export
// and determinism checks.
func (z *DNSZoneStore) All() ([]ZoneEntry, error) {
	rows, err := z.s.db.Query(`SELECT domain, name, type, value, ttl, owner, expires_at, updated_at FROM dns_records ORDER BY domain, name, type, value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanZoneEntries(rows)
}

func scanZoneEntries(rows *sql.Rows) ([]ZoneEntry, error) {
	var out []ZoneEntry
	for rows.Next() {
		var e ZoneEntry
		var typ, owner string
		if err := rows.Scan(&e.Domain, &e.Record.Name, &typ, &e.Record.Value, &e.Record.TTL, &owner, &e.ExpiresAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Record.Type = RecordType(typ)
		e.Owner = PublicKey(owner)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (z *DNSZoneStore) Truncate() error {
	_, err := z.s.db.Exec(`DELETE FROM dns_records`)
	return err
}

//---------------------------------------------------------------------
// PeerStore
//---------------------------------------------------------------------

type PeerStore struct{ s *Store }

// Upsert inserts or updates a peer's roster entry.
func (p *PeerStore) Upsert(pc PeerConfig) error {
	_, err := p.s.db.Exec(
		`INSERT INTO peers (public_key, ip, role, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET ip=excluded.ip, role=excluded.role`,
		string(pc.PublicKey), pc.IP, string(pc.Role), pc.JoinedAt.Unix(),
	)
	return err
}

// Remove deletes a peer from the roster, e.g. on LEAVE.
func (p *PeerStore) Remove(pk PublicKey) error {
	_, err := p.s.db.Exec(`DELETE FROM peers WHERE public_key = ?`, string(pk))
	return err
}

// List returns every known peer.
func (p *PeerStore) List() ([]PeerConfig, error) {
	rows, err := p.s.db.Query(`SELECT public_key, ip, role, joined_at FROM peers ORDER BY joined_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerConfig
	for rows.Next() {
		var pc PeerConfig
		var pk, role string
		var joined int64
		if err := rows.Scan(&pk, &pc.IP, &role, &joined); err != nil {
			return nil, err
		}
		pc.PublicKey = PublicKey(pk)
		pc.Role = PeerRole(role)
		pc.JoinedAt = time.Unix(joined, 0)
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (p *PeerStore) Count() (int, error) {
	row := p.s.db.QueryRow(`SELECT COUNT(*) FROM peers`)
	var n int
	err := row.Scan(&n)
	return n, err
}

//---------------------------------------------------------------------
// Snapshot export/import (Sync)
//---------------------------------------------------------------------

// ZoneSnapshot is the full exportable zone and peer state, carried inline in
// Sync's SYNC_BLOCKS replies and in STATE_SNAPSHOT transactions.
type ZoneSnapshot struct {
	Records []ZoneEntry  `json:"records"`
	Peers   []PeerConfig `json:"peers"`
}

// ExportSnapshot serializes the current zone and peer roster.
func (s *Store) ExportSnapshot() ([]byte, error) {
	records, err := s.Zone.All()
	if err != nil {
		return nil, err
	}
	peers, err := s.Peers.List()
	if err != nil {
		return nil, err
	}
	return json.Marshal(ZoneSnapshot{Records: records, Peers: peers})
}

// ImportSnapshot replaces the zone with the records of a previously exported
// snapshot and upserts its peers into the roster; peers not in the snapshot
// are kept.
func (s *Store) ImportSnapshot(raw []byte) error {
	var snap ZoneSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if err := s.Zone.Truncate(); err != nil {
		return err
	}
	for _, e := range snap.Records {
		if err := s.Zone.Upsert(e); err != nil {
			return err
		}
	}
	for _, p := range snap.Peers {
		if err := s.Peers.Upsert(p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
