// Package mempool implements the pending-transaction pool (spec §4.8,
// C8), generalizing the teacher's pkg/mempool (satoshi/byte fee rate,
// RBF replacement, ancestor-fee tracking over Bitcoin script inputs)
// to XAI's sender/nonce/UTXO hybrid transaction model.
package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/tx"
	"github.com/xai-project/xai-core/internal/utxo"
)

// DefaultTTL is spec §4.8's default eviction age (72h).
const DefaultTTL = 72 * time.Hour

// entry wraps a pending transaction with the bookkeeping pick_for_block
// and eviction need.
type entry struct {
	txn       *tx.Transaction
	txid      string
	size      int
	feePerByte float64
	arrivedAt time.Time
	inputs    []utxo.OutPoint
}

// Mempool holds pending, fully validated transactions (spec §4.8).
type Mempool struct {
	mu sync.Mutex

	validator *tx.Validator
	utxoStore *utxo.Store
	log       *logging.Logger

	entries    map[string]*entry
	bySender   map[string][]string // sender -> txids, insertion order
	maxBytes   int
	ttl        time.Duration
	currentSz  int
}

// NonceIndex reports the nonce the chain expects on a sender's next
// transaction, used to seed the validator's nonce check for pool admission. It is
// chain-confirmed only — it has no visibility into what's already
// queued in the pool, so Submit composes it with the count of that
// sender's currently pooled nonces before handing it to the validator
// (see nonceIndexFunc below).
type NonceIndex interface {
	NextNonce(sender string) uint64
}

// nonceIndexFunc adapts a plain function to NonceIndex.
type nonceIndexFunc func(sender string) uint64

func (f nonceIndexFunc) NextNonce(sender string) uint64 { return f(sender) }

// New builds a Mempool bounded by maxBytes total serialized size.
func New(validator *tx.Validator, utxoStore *utxo.Store, maxBytes int, log *logging.Logger) *Mempool {
	if log == nil {
		log = logging.Global()
	}
	return &Mempool{
		validator: validator,
		utxoStore: utxoStore,
		log:       log.WithField("component", "mempool"),
		entries:   make(map[string]*entry),
		bySender:  make(map[string][]string),
		maxBytes:  maxBytes,
		ttl:       DefaultTTL,
	}
}

// Submit runs spec §4.3 validation and, on acceptance, locks inputs via
// the UTXO store's pending-lock mechanism and inserts the transaction.
// Returns a human-readable rejection reason on failure, per spec §4.8's
// `submit(tx) -> accepted | reason`.
func (m *Mempool) Submit(t *tx.Transaction, nonces NonceIndex) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := t.TxID()
	if err != nil {
		return false, fmt.Sprintf("computing txid: %v", err)
	}
	if _, exists := m.entries[id]; exists {
		return false, "transaction already in mempool"
	}

	view := mempoolUTXOView{store: m.utxoStore}
	effectiveNonces := nonceIndexFunc(func(sender string) uint64 {
		return nonces.NextNonce(sender) + uint64(len(m.bySender[sender]))
	})
	if err := m.validator.Validate(t, view, effectiveNonces); err != nil {
		return false, err.Error()
	}

	size, err := t.SerializedSize()
	if err != nil {
		return false, fmt.Sprintf("measuring size: %v", err)
	}

	refs := make([]utxo.OutPoint, len(t.Inputs))
	for i, in := range t.Inputs {
		refs[i] = utxo.OutPoint{TxID: in.TxID, Vout: in.Vout}
	}
	if len(refs) > 0 && !m.utxoStore.LockPending(refs) {
		return false, "one or more inputs are already locked by a pending transaction"
	}

	if m.currentSz+size > m.maxBytes {
		if !m.evictLocked(size) {
			m.utxoStore.Unlock(refs)
			return false, "mempool full and no lower-fee entry could be evicted"
		}
	}

	feePerByte := 0.0
	if size > 0 {
		feePerByte = t.Fee.Float64() / float64(size)
	}

	e := &entry{txn: t, txid: id, size: size, feePerByte: feePerByte, arrivedAt: time.Now(), inputs: refs}
	m.entries[id] = e
	m.bySender[t.Sender] = append(m.bySender[t.Sender], id)
	m.currentSz += size
	return true, ""
}

// evictLocked frees at least `need` bytes by dropping the lowest
// fee-per-byte entries, unless an entry's nonce is required to unblock
// a higher-fee successor from the same sender (spec §4.8 capacity
// policy).
func (m *Mempool) evictLocked(need int) bool {
	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].feePerByte < candidates[j].feePerByte })

	freed := 0
	for _, e := range candidates {
		if freed >= need {
			break
		}
		if m.blocksHigherFeeSuccessorLocked(e) {
			continue
		}
		m.removeLocked(e.txid)
		freed += e.size
	}
	return freed >= need
}

// blocksHigherFeeSuccessorLocked reports whether evicting e would strand
// a later, higher-fee transaction from the same sender on an
// unreachable nonce (spec §4.8: "unless its nonce is needed to unblock
// a higher-fee successor").
func (m *Mempool) blocksHigherFeeSuccessorLocked(e *entry) bool {
	ids := m.bySender[e.txn.Sender]
	for _, id := range ids {
		if id == e.txid {
			continue
		}
		other := m.entries[id]
		if other == nil {
			continue
		}
		if other.txn.Nonce > e.txn.Nonce && other.feePerByte > e.feePerByte {
			return true
		}
	}
	return false
}

func (m *Mempool) removeLocked(txid string) {
	e, ok := m.entries[txid]
	if !ok {
		return
	}
	delete(m.entries, txid)
	m.currentSz -= e.size
	m.utxoStore.Unlock(e.inputs)

	ids := m.bySender[e.txn.Sender]
	for i, id := range ids {
		if id == txid {
			m.bySender[e.txn.Sender] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Evict removes the named transactions, unlocking their inputs.
func (m *Mempool) Evict(txids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range txids {
		m.removeLocked(id)
	}
}

// ClearConfirmed drops every entry whose txid appears in a just-accepted
// block (spec §4.8, invoked after block acceptance).
func (m *Mempool) ClearConfirmed(confirmedTxIDs []string) {
	m.Evict(confirmedTxIDs)
}

// ReapExpired evicts entries older than the configured TTL.
func (m *Mempool) ReapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired []string
	for id, e := range m.entries {
		if now.Sub(e.arrivedAt) > m.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}
}

// PickForBlock implements spec §4.8's pick_for_block: fee-priority
// descending, ties broken on arrival time then txid, respecting each
// sender's nonce order (a transaction is only eligible once every
// earlier nonce from the same sender has already been picked).
func (m *Mempool) PickForBlock(maxBytes int) []*tx.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.feePerByte != b.feePerByte {
			return a.feePerByte > b.feePerByte
		}
		if !a.arrivedAt.Equal(b.arrivedAt) {
			return a.arrivedAt.Before(b.arrivedAt)
		}
		return a.txid < b.txid
	})

	pickedNonce := make(map[string]uint64)
	var picked []*tx.Transaction
	used := 0

	for _, e := range candidates {
		if used+e.size > maxBytes {
			continue
		}
		sender := e.txn.Sender
		if !tx.IsSystemSender(sender) {
			next, seen := pickedNonce[sender]
			minNonce := m.minSenderNonceLocked(sender)
			required := minNonce
			if seen {
				required = next + 1
			}
			if e.txn.Nonce != required {
				continue
			}
		}
		picked = append(picked, e.txn)
		pickedNonce[sender] = e.txn.Nonce
		used += e.size
	}
	return picked
}

func (m *Mempool) minSenderNonceLocked(sender string) uint64 {
	min := ^uint64(0)
	for _, id := range m.bySender[sender] {
		e := m.entries[id]
		if e == nil {
			continue
		}
		if e.txn.Nonce < min {
			min = e.txn.Nonce
		}
	}
	return min
}

// Size returns the current pool size in bytes and entry count.
func (m *Mempool) Size() (entries int, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), m.currentSz
}

// All returns every pending transaction, for gossip iteration.
func (m *Mempool) All() []*tx.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tx.Transaction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.txn)
	}
	return out
}

// mempoolUTXOView adapts *utxo.Store to tx.UTXOView for validator use.
type mempoolUTXOView struct{ store *utxo.Store }

func (v mempoolUTXOView) Get(txid string, vout uint32) (*utxo.Entry, bool) {
	return v.store.Get(txid, vout)
}
func (v mempoolUTXOView) IsLocked(op utxo.OutPoint) bool { return v.store.IsLocked(op) }
