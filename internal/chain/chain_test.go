package chain

import (
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/block"
	"github.com/xai-project/xai-core/internal/consensus"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/tx"
	"github.com/xai-project/xai-core/internal/utxo"
)

func TestClassifyFinalityThresholds(t *testing.T) {
	require.Equal(t, FinalityPending, ClassifyFinality(0))
	require.Equal(t, FinalityPending, ClassifyFinality(5))
	require.Equal(t, FinalitySoft, ClassifyFinality(6))
	require.Equal(t, FinalitySoft, ClassifyFinality(19))
	require.Equal(t, FinalityMedium, ClassifyFinality(20))
	require.Equal(t, FinalityMedium, ClassifyFinality(99))
	require.Equal(t, FinalityHardFinal, ClassifyFinality(100))
}

func TestPeerLatencyEMA(t *testing.T) {
	pl := NewPeerLatency(0.5)
	pl.Observe("peer1", 2*time.Second)
	require.Equal(t, 2.0, pl.EMA("peer1"))
	pl.Observe("peer1", 4*time.Second)
	require.Equal(t, 3.0, pl.EMA("peer1"))
}

func TestBlockWorkIncreasesWithDifficulty(t *testing.T) {
	low := blockWork(1)
	high := blockWork(1000)
	require.Equal(t, 1, high.Cmp(low))
}

func TestBlockWorkZeroForNonPositiveDifficulty(t *testing.T) {
	require.Equal(t, 0, blockWork(0).Sign())
	require.Equal(t, 0, blockWork(-1).Sign())
}

// fakeStore is an in-memory Store, standing in for internal/blockstore
// in tests so the chain manager's append/reorg paths can run without a
// goleveldb file on disk.
type fakeStore struct {
	mu       sync.Mutex
	byHash   map[string]*block.Block
	byHeight map[uint64]*block.Block
	best     uint64
	hasAny   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byHash: map[string]*block.Block{}, byHeight: map[uint64]*block.Block{}}
}

func (s *fakeStore) SaveBlock(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[b.Hash] = b
	s.byHeight[b.Header.Index] = b
	if !s.hasAny || b.Header.Index > s.best {
		s.best = b.Header.Index
		s.hasAny = true
	}
	return nil
}

func (s *fakeStore) BlockByHeight(height uint64) (*block.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHeight[height]
	return b, ok
}

func (s *fakeStore) BlockByHash(hash string) (*block.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[hash]
	return b, ok
}

func (s *fakeStore) BestHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best
}

// testChain wires a Manager over a fake store, a fresh memory UTXO
// store, and the real block/tx validators, and tracks enough local
// bookkeeping (running minted supply, timestamps) to mine a valid
// sequence of coinbase-only blocks the way a real miner would.
type testChain struct {
	t           *testing.T
	mgr         *Manager
	minerAddr   string
	runningMint amount.Amount
	nextTS      int64
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	store := newFakeStore()
	utxoStore := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	txValidator := tx.NewValidator("XAI", 1<<20)
	blkValidator := block.NewValidator(txValidator)
	blkValidator.Now = func() time.Time { return time.Unix(1_000_000, 0) }

	mgr, err := NewManager(store, utxoStore, blkValidator, logging.New("test", "error", nil))
	require.NoError(t, err)
	mgr.tipHash = "genesis"
	mgr.tipHeight = 0

	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	minerAddr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	return &testChain{t: t, mgr: mgr, minerAddr: minerAddr, nextTS: 2000}
}

// mine builds the next block on top of parent (hash, height), with
// extra (already-signed) non-coinbase transactions, at the correct
// reward for the current running minted supply.
func (c *testChain) mine(parentHash string, height uint64, extra []*tx.Transaction) *block.Block {
	c.t.Helper()
	reward := consensus.BlockReward(height, c.runningMint)
	cb := &tx.Transaction{
		Sender:    tx.SenderCoinbase,
		Recipient: c.minerAddr,
		Amount:    reward,
		Timestamp: c.nextTS,
		Inputs:    []tx.Input{{TxID: strings.Repeat("0", 64), Vout: 0}},
		Outputs:   []tx.Output{{Recipient: c.minerAddr, Amount: reward}},
	}
	txs := append([]*tx.Transaction{cb}, extra...)

	b := &block.Block{
		Header: block.Header{
			Index:        height,
			PreviousHash: parentHash,
			Timestamp:    c.nextTS,
			Difficulty:   1,
		},
		Transactions: txs,
	}
	root, err := b.ComputeMerkleRoot()
	require.NoError(c.t, err)
	b.Header.MerkleRoot = root
	hash, err := b.ComputeHash()
	require.NoError(c.t, err)
	b.Hash = hash

	c.nextTS += 1000
	c.runningMint = amount.Add(c.runningMint, reward)
	return b
}

func TestAppendExtendsChainAndCreditsCoinbase(t *testing.T) {
	c := newTestChain(t)
	b1 := c.mine(c.mgr.tipHash, 1, nil)
	require.NoError(t, c.mgr.Append(b1, "", time.Now()))
	require.Equal(t, uint64(1), c.mgr.TipHeight())
	require.Equal(t, b1.Hash, c.mgr.tipHash)

	entry, ok := c.mgr.utxo.Get(mustTxID(t, b1.Transactions[0]), 0)
	require.True(t, ok)
	require.Equal(t, c.minerAddr, entry.Address)
}

func mustTxID(t *testing.T, txn *tx.Transaction) string {
	t.Helper()
	id, err := txn.TxID()
	require.NoError(t, err)
	return id
}

func TestAppendRejectsDoubleSpendWithinBlockAndLeavesTipUnchanged(t *testing.T) {
	c := newTestChain(t)
	b1 := c.mine(c.mgr.tipHash, 1, nil)
	require.NoError(t, c.mgr.Append(b1, "", time.Now()))

	beforeHeight := c.mgr.TipHeight()
	beforeHash := c.mgr.tipHash

	// Fund a spendable address with its own UTXO, then build two
	// transactions that both spend it.
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)
	added, err := c.mgr.utxo.Add(addr, "funding", 0, 10*amount.Scale, "")
	require.NoError(t, err)
	require.True(t, added)
	rootAfterFunding := c.mgr.utxo.MerkleRoot()

	mkSpend := func(nonce uint64) *tx.Transaction {
		recipient := "XAI" + strings.Repeat("2", 40)
		txn := &tx.Transaction{
			Sender:    addr,
			Recipient: recipient,
			Amount:    9 * amount.Scale,
			Fee:       1 * amount.Scale,
			Timestamp: c.nextTS,
			Nonce:     nonce,
			Inputs:    []tx.Input{{TxID: "funding", Vout: 0}},
			Outputs:   []tx.Output{{Recipient: recipient, Amount: 9 * amount.Scale}},
			PublicKey: pk.PublicKeyHex(),
		}
		digest, err := txn.TxID()
		require.NoError(t, err)
		digestBytes, err := hex.DecodeString(digest)
		require.NoError(t, err)
		sig, err := crypto.Sign(pk, digestBytes)
		require.NoError(t, err)
		txn.Signature = sig
		return txn
	}
	spend1 := mkSpend(1)
	spend2 := mkSpend(2)

	b2 := c.mine(beforeHash, beforeHeight+1, []*tx.Transaction{spend1, spend2})
	err = c.mgr.Append(b2, "", time.Now())
	require.Error(t, err)

	require.Equal(t, beforeHeight, c.mgr.TipHeight())
	require.Equal(t, beforeHash, c.mgr.tipHash)
	require.Equal(t, rootAfterFunding, c.mgr.utxo.MerkleRoot())
}

func TestAppendStashesOrphanAndReattachesOnParentArrival(t *testing.T) {
	c := newTestChain(t)
	b1 := c.mine(c.mgr.tipHash, 1, nil)
	b2 := c.mine(b1.Hash, 2, nil)

	// b2 arrives before b1: its previous_hash doesn't match the current
	// tip, so it is stashed rather than rejected outright.
	err := c.mgr.Append(b2, "", time.Now())
	require.Error(t, err)
	require.Equal(t, uint64(0), c.mgr.TipHeight())

	// b1 arrives, extends the tip, and should pull b2 in behind it.
	require.NoError(t, c.mgr.Append(b1, "", time.Now()))
	require.Equal(t, uint64(2), c.mgr.TipHeight())
	require.Equal(t, b2.Hash, c.mgr.tipHash)
}

func TestTryReorgRollsBackOnInvalidBlockInCandidate(t *testing.T) {
	c := newTestChain(t)

	// Build chain A up to height 5.
	parentHash := c.mgr.tipHash
	var height uint64
	for height < 5 {
		height++
		b := c.mine(parentHash, height, nil)
		require.NoError(t, c.mgr.Append(b, "", time.Now()))
		parentHash = b.Hash
	}
	require.Equal(t, uint64(5), c.mgr.TipHeight())
	tipHashAtFive := c.mgr.tipHash
	rootAtFive := c.mgr.utxo.MerkleRoot()
	mintedAtFive := c.mgr.MintedSupply()

	// Candidate chain B: blocks 6 and 7 extending the same tip, but
	// block 6 is tampered so its stored hash no longer matches its
	// recomputed header hash.
	b6 := c.mine(tipHashAtFive, 6, nil)
	b6.Hash = "tampered-hash-does-not-match-header"
	b7 := c.mine(b6.Hash, 7, nil)

	err := c.mgr.TryReorg([]*block.Block{b6, b7})
	require.Error(t, err)

	require.Equal(t, uint64(5), c.mgr.TipHeight())
	require.Equal(t, tipHashAtFive, c.mgr.tipHash)
	require.Equal(t, rootAtFive, c.mgr.utxo.MerkleRoot())
	require.Equal(t, mintedAtFive, c.mgr.MintedSupply())
}
