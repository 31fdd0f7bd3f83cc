package utxo

import (
	"fmt"
	"sync"
	"time"

	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/logging"
)

// pendingLockTTL bounds how long a reserved-for-spend UTXO stays locked
// before the reaper frees it, per spec §4.2.
const pendingLockTTL = 300 * time.Second

// Store is the UTXO ledger. All mutating operations are serialized by a
// single mutex so callers can compose multi-step writes atomically via
// WithLock (e.g. "mark inputs spent then add outputs then advance tip"),
// matching spec §4.2/§5's reentrant-lock composition requirement.
type Store struct {
	mu      sync.Mutex
	backend Backend
	log     *logging.Logger

	// pending tracks (txid,vout) -> lock time for in-flight mempool
	// reservations, preventing two entries from spending the same UTXO.
	pending map[OutPoint]time.Time
}

// NewStore wraps a Backend with locking, pending-lock tracking and the
// Merkle/consistency operations spec §4.2 asks for.
func NewStore(backend Backend, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Global()
	}
	return &Store{
		backend: backend,
		log:     log.WithField("component", "utxo"),
		pending: make(map[OutPoint]time.Time),
	}
}

// WithLock runs fn while holding the store's write lock, giving callers
// an atomic composite operation (spec §4.2/§5). fn must only call the
// *_locked helpers below, never the public Store methods (which would
// deadlock re-acquiring the non-reentrant mutex).
func (s *Store) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) reapExpiredLocked() {
	now := time.Now()
	for op, lockedAt := range s.pending {
		if now.Sub(lockedAt) > pendingLockTTL {
			delete(s.pending, op)
		}
	}
}

// Add is idempotent by (txid, vout); returns false if the key already
// exists, per spec §4.2.
func (s *Store) Add(address, txid string, vout uint32, amt amount.Amount, script string) (bool, error) {
	var added bool
	err := s.WithLock(func() error {
		var e error
		added, e = s.addLocked(address, txid, vout, amt, script)
		return e
	})
	return added, err
}

func (s *Store) addLocked(address, txid string, vout uint32, amt amount.Amount, script string) (bool, error) {
	if err := amount.Validate(amt); err != nil {
		return false, err
	}
	op := OutPoint{TxID: txid, Vout: vout}
	if _, ok, err := s.backend.Get(entryKey(op)); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	e := Entry{OutPoint: op, Address: address, Amount: amt, ScriptPubKey: script}
	raw, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	if err := s.backend.Put(entryKey(op), raw); err != nil {
		return false, err
	}
	return true, nil
}

// AddAtHeight is Add plus the created-height field used by C6 when
// materializing a block's outputs.
func (s *Store) AddAtHeight(address, txid string, vout uint32, amt amount.Amount, script string, height uint64) (bool, error) {
	var added bool
	err := s.WithLock(func() error {
		if err := amount.Validate(amt); err != nil {
			return err
		}
		op := OutPoint{TxID: txid, Vout: vout}
		if _, ok, err := s.backend.Get(entryKey(op)); err != nil {
			return err
		} else if ok {
			added = false
			return nil
		}
		e := Entry{OutPoint: op, Address: address, Amount: amt, ScriptPubKey: script, CreatedHeight: height}
		raw, err := encodeEntry(e)
		if err != nil {
			return err
		}
		added = true
		return s.backend.Put(entryKey(op), raw)
	})
	return added, err
}

// UnsafeAddAtHeight is AddAtHeight without acquiring the lock itself;
// callers must already be inside a WithLock closure on this same store
// (e.g. C6 composing "spend inputs, then add outputs" as one atomic
// step). Calling it outside WithLock races the backend.
func (s *Store) UnsafeAddAtHeight(address, txid string, vout uint32, amt amount.Amount, script string, height uint64) (bool, error) {
	if err := amount.Validate(amt); err != nil {
		return false, err
	}
	op := OutPoint{TxID: txid, Vout: vout}
	if _, ok, err := s.backend.Get(entryKey(op)); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	e := Entry{OutPoint: op, Address: address, Amount: amt, ScriptPubKey: script, CreatedHeight: height}
	raw, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	if err := s.backend.Put(entryKey(op), raw); err != nil {
		return false, err
	}
	return true, nil
}

// UnsafeMarkSpent is MarkSpent without acquiring the lock itself; same
// WithLock-composition contract as UnsafeAddAtHeight.
func (s *Store) UnsafeMarkSpent(txid string, vout uint32, expectedOwner string) (bool, error) {
	return s.markSpentLocked(txid, vout, expectedOwner)
}

// Get returns the UTXO at (txid, vout), if unspent.
func (s *Store) Get(txid string, vout uint32) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.Get(entryKey(OutPoint{TxID: txid, Vout: vout}))
	if err != nil || !ok {
		return nil, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, false
	}
	return &e, true
}

// GetFor returns every unspent output owned by address.
func (s *Store) GetFor(address string) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	_ = s.backend.Iterate(func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return nil
		}
		if e.Address == address {
			cp := e
			out = append(out, &cp)
		}
		return nil
	})
	return out
}

// Balance sums unspent output value for address.
func (s *Store) Balance(address string) amount.Amount {
	var total amount.Amount
	for _, e := range s.GetFor(address) {
		total = amount.Add(total, e.Amount)
	}
	return total
}

// MarkSpent removes the UTXO at (txid, vout) only if it is owned by
// expectedOwner, preventing cross-account spend attacks per spec §4.2.
func (s *Store) MarkSpent(txid string, vout uint32, expectedOwner string) (bool, error) {
	var ok bool
	err := s.WithLock(func() error {
		var e error
		ok, e = s.markSpentLocked(txid, vout, expectedOwner)
		return e
	})
	return ok, err
}

func (s *Store) markSpentLocked(txid string, vout uint32, expectedOwner string) (bool, error) {
	op := OutPoint{TxID: txid, Vout: vout}
	raw, found, err := s.backend.Get(entryKey(op))
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return false, err
	}
	if e.Address != expectedOwner {
		return false, nil
	}
	if err := s.backend.Delete(entryKey(op)); err != nil {
		return false, err
	}
	delete(s.pending, op)
	return true, nil
}

// LockPending reserves a batch of outpoints for an in-flight transaction
// selection; it fails (and reserves nothing) if any ref is already
// locked by another pending entry, per spec §4.2/§5 (a non-blocking
// try-lock: failure means contention, caller defers the transaction).
func (s *Store) LockPending(refs []OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpiredLocked()

	for _, op := range refs {
		if _, locked := s.pending[op]; locked {
			return false
		}
	}
	now := time.Now()
	for _, op := range refs {
		s.pending[op] = now
	}
	return true
}

// Unlock releases previously locked outpoints (normal completion,
// cancellation, or eviction all call this).
func (s *Store) Unlock(refs []OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range refs {
		delete(s.pending, op)
	}
}

// IsLocked reports whether an outpoint currently carries a live pending
// lock, reaping expired entries first.
func (s *Store) IsLocked(op OutPoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapExpiredLocked()
	_, locked := s.pending[op]
	return locked
}

// allEntriesLocked snapshots every live entry; caller must hold s.mu.
func (s *Store) allEntriesLocked() []Entry {
	var entries []Entry
	_ = s.backend.Iterate(func(_, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	return entries
}

// MerkleRoot returns the deterministic digest over the unspent set
// (spec §4.2/§8): sort, then pairwise SHA-256 reduce.
func (s *Store) MerkleRoot() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeMerkleRoot(s.allEntriesLocked())
}

// VerifyConsistency recomputes totals and detects duplicate/out-of-range
// entries, per spec §4.2. Grounded on utxo_manager.py's snapshot_digest
// and stats helpers in original_source.
func (s *Store) VerifyConsistency() *ConsistencyReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ConsistencyReport{}
	seen := make(map[OutPoint]bool)
	for _, e := range s.allEntriesLocked() {
		if seen[e.OutPoint] {
			report.DuplicateOutPoints = append(report.DuplicateOutPoints, e.OutPoint)
			continue
		}
		seen[e.OutPoint] = true
		if err := amount.Validate(e.Amount); err != nil {
			report.OutOfRangeEntries = append(report.OutOfRangeEntries, e.OutPoint)
			continue
		}
		report.TotalUTXOs++
		report.TotalValue = amount.Add(report.TotalValue, e.Amount)
	}
	if report.TotalValue > amount.Max {
		s.log.Warnf("utxo: total value %s exceeds supply cap", report.TotalValue)
	}
	return report
}

// Snapshot is an opaque, restorable copy of the store's entire unspent
// set plus its pending locks, used by C6 for reorg rollback.
type Snapshot struct {
	entries []Entry
	pending map[OutPoint]time.Time
}

// Entries returns a copy of every unspent entry held in the snapshot,
// for callers (e.g. C7) that need to re-encode it in another format.
func (s *Snapshot) Entries() ([]Entry, error) {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Snapshot captures the store's current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pendingCopy := make(map[OutPoint]time.Time, len(s.pending))
	for k, v := range s.pending {
		pendingCopy[k] = v
	}
	return &Snapshot{entries: s.allEntriesLocked(), pending: pendingCopy}
}

// Restore atomically replaces the store's contents with a prior
// snapshot. Used when a block-commit sub-step fails or a reorg
// candidate chain is rejected mid-replay.
func (s *Store) Restore(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear everything currently stored.
	var keys [][]byte
	_ = s.backend.Iterate(func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	for _, k := range keys {
		if err := s.backend.Delete(k); err != nil {
			return fmt.Errorf("utxo: restore: clearing old state: %w", err)
		}
	}
	for _, e := range snap.entries {
		raw, err := encodeEntry(e)
		if err != nil {
			return fmt.Errorf("utxo: restore: encoding entry %s: %w", e.OutPoint, err)
		}
		if err := s.backend.Put(entryKey(e.OutPoint), raw); err != nil {
			return fmt.Errorf("utxo: restore: writing entry %s: %w", e.OutPoint, err)
		}
	}
	s.pending = make(map[OutPoint]time.Time, len(snap.pending))
	for k, v := range snap.pending {
		s.pending[k] = v
	}
	return nil
}

// Close releases the underlying backend's resources.
func (s *Store) Close() error { return s.backend.Close() }
