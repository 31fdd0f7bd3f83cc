// Package utxo implements the unspent-output ledger (spec §4.2, C2):
// a persistent map from (txid, vout) to output, with snapshots,
// pending-transaction locks, and a deterministic Merkle digest. It
// generalizes the teacher's pkg/utxo (Bitcoin outpoint/value/script
// model) to the address-keyed amount model spec §3 defines, and adds
// the spec's pending-lock reaper and consistency-report operations
// (grounded on src/xai/core/transactions/utxo_manager.py in
// original_source/, which shipped the same pending-lock/timeout shape).
package utxo

import (
	"fmt"
	"sort"

	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/crypto"
)

// OutPoint identifies a transaction output by its creating txid and
// output index.
type OutPoint struct {
	TxID string
	Vout uint32
}

func (o OutPoint) String() string { return fmt.Sprintf("%s:%d", o.TxID, o.Vout) }

// Entry is a single unspent output: spec §3's (txid, vout) -> (address,
// amount, created_height).
type Entry struct {
	OutPoint      OutPoint
	Address       string
	Amount        amount.Amount
	ScriptPubKey  string
	CreatedHeight uint64
}

// ConsistencyReport is the result of VerifyConsistency: spec §4.2.
type ConsistencyReport struct {
	TotalUTXOs       int
	TotalValue       amount.Amount
	DuplicateOutPoints []OutPoint
	OutOfRangeEntries  []OutPoint
}

func (r *ConsistencyReport) OK() bool {
	return len(r.DuplicateOutPoints) == 0 && len(r.OutOfRangeEntries) == 0
}

func validateEntry(e Entry) error {
	if err := amount.Validate(e.Amount); err != nil {
		return fmt.Errorf("utxo: %s: %w", e.OutPoint, err)
	}
	return nil
}

// merkleLeaf canonicalizes an entry into a 32-byte leaf for MerkleRoot:
// SHA256(txid || vout || address || amount || height), matching the
// "sort unspent entries and SHA-256-reduce pairs" rule of spec §4.2.
func merkleLeaf(e Entry) [32]byte {
	data := fmt.Sprintf("%s|%d|%s|%d|%d", e.OutPoint.TxID, e.OutPoint.Vout, e.Address, int64(e.Amount), e.CreatedHeight)
	return crypto.SHA256([]byte(data))
}

// computeMerkleRoot sorts entries deterministically by outpoint string
// and reduces their leaves, per spec §4.2/§8 (identical sets produce
// identical roots; any single-UTXO change flips the root).
func computeMerkleRoot(entries []Entry) [32]byte {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OutPoint.String() < sorted[j].OutPoint.String()
	})
	leaves := make([][32]byte, len(sorted))
	for i, e := range sorted {
		leaves[i] = merkleLeaf(e)
	}
	return crypto.MerkleRoot(leaves)
}
