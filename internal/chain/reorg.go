package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/block"
	"github.com/xai-project/xai-core/internal/consensus"
	"github.com/xai-project/xai-core/internal/utxo"
)

// Reorg-rejection sentinels (spec §4.6's fork-choice bullet).
var (
	ErrStaleChain       = errors.New("chain: candidate chain is not longer or heavier than current tip")
	ErrBelowHardFinal   = errors.New("chain: reorg would cross the deepest hard-final block")
	ErrMissingHistory   = errors.New("chain: fork point is outside the retained snapshot window")
	ErrUnknownForkPoint = errors.New("chain: candidate chain's parent block is unknown")
)

// TryReorg implements spec §4.6's fork-choice rule: given a competing
// chain `candidate` (ordered from the block immediately after the fork
// point to its new tip), reject if it is not longer or heavier than the
// current chain; otherwise snapshot, rewind to the common ancestor,
// replay through the block validator, and keep the result only if
// every step succeeds. Grounded on the teacher's reorg.ReorgDetector +
// reorg.ReorgHandler pair, generalized to the address-keyed UTXO model
// and to precise rewind via the manager's retained per-height
// snapshots rather than a best-effort partial revert.
func (m *Manager) TryReorg(candidate []*block.Block) error {
	if len(candidate) == 0 {
		return fmt.Errorf("chain: empty candidate chain")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newTip := candidate[len(candidate)-1]
	newHeight := newTip.Header.Index

	if newHeight < m.tipHeight {
		return ErrStaleChain
	}

	forkParentHash := candidate[0].Header.PreviousHash
	forkBlock, ok := m.store.BlockByHash(forkParentHash)
	var forkHeight uint64
	if !ok {
		if forkParentHash != block.GenesisPreviousHash {
			return ErrUnknownForkPoint
		}
		forkHeight = 0
	} else {
		forkHeight = forkBlock.Header.Index
	}

	if forkHeight < m.deepestHardFinalHeight {
		return ErrBelowHardFinal
	}

	var baseWork *big.Int
	var baseMinted amount.Amount
	if w, ok := m.workAt[forkHeight]; ok {
		baseWork = w
		baseMinted = m.mintedAt[forkHeight]
	} else if forkHeight == 0 {
		baseWork = big.NewInt(0)
		baseMinted = 0
	} else {
		return ErrMissingHistory
	}
	newWork := new(big.Int).Set(baseWork)
	for _, b := range candidate {
		newWork.Add(newWork, blockWork(b.Header.Difficulty))
	}

	if newHeight == m.tipHeight && newWork.Cmp(m.tipWork) <= 0 {
		return ErrStaleChain
	}

	forkSnapshot, ok := m.snapshots[forkHeight]
	if !ok && forkHeight != 0 {
		return ErrMissingHistory
	}

	fallback := m.utxo.Snapshot()
	if forkSnapshot != nil {
		if err := m.utxo.Restore(forkSnapshot); err != nil {
			return fmt.Errorf("chain: restoring to fork point: %w", err)
		}
	}

	parent := block.ParentInfo{Index: forkHeight}
	if forkBlock != nil {
		parent.Hash = forkBlock.Hash
		parent.Timestamp = forkBlock.Header.Timestamp
	} else {
		parent.Hash = block.GenesisPreviousHash
	}

	priorNonceIdx := m.nonceIdx
	m.nonceIdx = make(map[string]uint64, len(priorNonceIdx))
	priorMinted := m.mintedSupply
	m.mintedSupply = baseMinted

	for _, b := range candidate {
		chainNonce := func(sender string) uint64 {
			if n, ok := m.nonceIdx[sender]; ok {
				return n + 1
			}
			return 1
		}
		mintedBefore := m.mintedSupply
		if err := m.validator.Validate(b, parent, b.Header.Difficulty, mintedBefore, m.utxo, chainNonce); err != nil {
			m.rollbackReorgLocked(fallback, priorNonceIdx, priorMinted)
			return fmt.Errorf("chain: reorg replay failed at height %d: %w", b.Header.Index, err)
		}
		if err := m.applyTransactionsLocked(b); err != nil {
			m.rollbackReorgLocked(fallback, priorNonceIdx, priorMinted)
			return fmt.Errorf("chain: reorg apply failed at height %d: %w", b.Header.Index, err)
		}
		if err := m.store.SaveBlock(b); err != nil {
			m.rollbackReorgLocked(fallback, priorNonceIdx, priorMinted)
			return fmt.Errorf("chain: reorg save failed at height %d: %w", b.Header.Index, err)
		}
		m.mintedSupply = amount.Add(mintedBefore, consensus.BlockReward(b.Header.Index, mintedBefore))
		parent = block.ParentInfo{Index: b.Header.Index, Hash: b.Hash, Timestamp: b.Header.Timestamp}
		m.recordSnapshotLocked(b.Header.Index)
	}

	m.tipHash = newTip.Hash
	m.tipHeight = newHeight
	m.tipWork = newWork
	return nil
}

func (m *Manager) rollbackReorgLocked(fallback *utxo.Snapshot, priorNonceIdx map[string]uint64, priorMinted amount.Amount) {
	if err := m.utxo.Restore(fallback); err != nil {
		m.log.Err(err).Msg("failed to restore fallback snapshot after aborted reorg")
	}
	m.nonceIdx = priorNonceIdx
	m.mintedSupply = priorMinted
}
