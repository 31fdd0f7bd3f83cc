package gossip

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/block"
	"github.com/xai-project/xai-core/internal/chain"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/mempool"
	"github.com/xai-project/xai-core/internal/tx"
	"github.com/xai-project/xai-core/internal/utxo"
)

type fakeBlockStore struct {
	blocks map[string]*block.Block
}

func newFakeBlockStore() *fakeBlockStore { return &fakeBlockStore{blocks: map[string]*block.Block{}} }

func (f *fakeBlockStore) SaveBlock(b *block.Block) error {
	f.blocks[b.Hash] = b
	return nil
}
func (f *fakeBlockStore) BlockByHeight(height uint64) (*block.Block, bool) {
	for _, b := range f.blocks {
		if b.Header.Index == height {
			return b, true
		}
	}
	return nil, false
}
func (f *fakeBlockStore) BlockByHash(hash string) (*block.Block, bool) {
	b, ok := f.blocks[hash]
	return b, ok
}
func (f *fakeBlockStore) BestHeight() uint64 { return 0 }

type acceptAllValidator struct{}

func (acceptAllValidator) Validate(*block.Block, block.ParentInfo, float64, amount.Amount, *utxo.Store, func(string) uint64) error {
	return nil
}

func buildSignedTransfer(t *testing.T, store *utxo.Store, pk *crypto.PrivateKey, addr string, nonce uint64) *tx.Transaction {
	t.Helper()
	_, err := store.AddAtHeight(addr, "seed", uint32(nonce), 100*amount.Scale, "", 0)
	require.NoError(t, err)

	fee := amount.Amount(1 * amount.Scale)
	outAmount := amount.Amount(100*amount.Scale) - fee
	txn := &tx.Transaction{
		Sender:    addr,
		Recipient: "XAI0000000000000000000000000000000000000000",
		Amount:    outAmount,
		Fee:       fee,
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
		Inputs:    []tx.Input{{TxID: "seed", Vout: uint32(nonce)}},
		Outputs:   []tx.Output{{Recipient: "XAI0000000000000000000000000000000000000000", Amount: outAmount}},
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

func TestNodeHandleDispatchesTransactionToMempool(t *testing.T) {
	senderPK, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	senderAddr, err := crypto.AddressOf(senderPK.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	validator := tx.NewValidator("XAI", 1<<20)
	pool := mempool.New(validator, store, 1<<20, nil)

	chainMgr, err := chain.NewManager(newFakeBlockStore(), store, acceptAllValidator{}, logging.New("test", "error", nil))
	require.NoError(t, err)

	txn := buildSignedTransfer(t, store, senderPK, senderAddr, 1)

	identity, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	node := NewNode(identity, chainMgr, pool, nil, nil, logging.New("test", "error", nil))

	env, err := NewEnvelope(senderPK, 1, PayloadTransaction, txn)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, node.Handle(context.Background(), "peer1", raw))

	entries, _ := pool.Size()
	require.Equal(t, 1, entries)
}

func TestNodeHandleRejectsUnverifiableEnvelope(t *testing.T) {
	identity, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	node := NewNode(identity, nil, nil, nil, nil, logging.New("test", "error", nil))

	env, err := NewEnvelope(identity, 1, PayloadHello, HelloPayload{NodeID: "x"})
	require.NoError(t, err)
	env.Signature = "00"
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	err = node.Handle(context.Background(), "peer1", raw)
	require.Error(t, err)
}

// TestDedupKeyIgnoresTransportEnvelope ensures the same transaction
// relayed via two different envelopes (different sender/nonce, as two
// peers relaying it independently would produce) dedups to one key,
// while a different transaction gets a different key.
func TestDedupKeyIgnoresTransportEnvelope(t *testing.T) {
	senderPK, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	senderAddr, err := crypto.AddressOf(senderPK.PublicKeyHex(), "XAI")
	require.NoError(t, err)
	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	txn := buildSignedTransfer(t, store, senderPK, senderAddr, 1)

	relay1PK, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	relay2PK, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	env1, err := NewEnvelope(relay1PK, 11, PayloadTransaction, txn)
	require.NoError(t, err)
	env2, err := NewEnvelope(relay2PK, 42, PayloadTransaction, txn)
	require.NoError(t, err)

	require.NotEqual(t, env1.Sender, env2.Sender)
	require.NotEqual(t, env1.Nonce, env2.Nonce)
	require.Equal(t, dedupKey(env1), dedupKey(env2))

	other := buildSignedTransfer(t, store, senderPK, senderAddr, 2)
	env3, err := NewEnvelope(relay1PK, 12, PayloadTransaction, other)
	require.NoError(t, err)
	require.NotEqual(t, dedupKey(env1), dedupKey(env3))
}

func TestNodeHandleAcceptsHelloPayload(t *testing.T) {
	identity, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	node := NewNode(identity, nil, nil, nil, nil, logging.New("test", "error", nil))

	env, err := NewEnvelope(identity, 1, PayloadHello, HelloPayload{NodeID: "x", BestHeight: 3})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, node.Handle(context.Background(), "peer1", raw))
	require.Greater(t, node.PeerRegistry().Get("peer1").Reputation(), reputationInitial-1)
}
