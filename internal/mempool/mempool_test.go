package mempool

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/tx"
	"github.com/xai-project/xai-core/internal/utxo"
)

type fixedNonces struct{ n uint64 }

func (f fixedNonces) NextNonce(string) uint64 { return f.n }

func buildSignedTransfer(t *testing.T, store *utxo.Store, pk *crypto.PrivateKey, addr string, nonce uint64, fee amount.Amount) *tx.Transaction {
	t.Helper()
	inputOp := utxo.OutPoint{TxID: "seed", Vout: uint32(nonce)}
	_, err := store.AddAtHeight(addr, "seed", uint32(nonce), 100*amount.Scale, "", 0)
	require.NoError(t, err)

	outAmount := amount.Amount(100*amount.Scale) - fee
	txn := &tx.Transaction{
		Sender:    addr,
		Recipient: "XAI0000000000000000000000000000000000000000",
		Amount:    outAmount,
		Fee:       fee,
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
		Inputs:    []tx.Input{{TxID: inputOp.TxID, Vout: inputOp.Vout}},
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

func TestSubmitAcceptsValidTransaction(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	validator := tx.NewValidator("XAI", 1<<20)
	mp := New(validator, store, 1<<20, nil)

	txn := buildSignedTransfer(t, store, pk, addr, 1, 1*amount.Scale)
	ok, reason := mp.Submit(txn, fixedNonces{1})
	require.True(t, ok, reason)

	n, sz := mp.Size()
	require.Equal(t, 1, n)
	require.Greater(t, sz, 0)
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	validator := tx.NewValidator("XAI", 1<<20)
	mp := New(validator, store, 1<<20, nil)

	txn := buildSignedTransfer(t, store, pk, addr, 1, 1*amount.Scale)
	ok, _ := mp.Submit(txn, fixedNonces{1})
	require.True(t, ok)

	ok, reason := mp.Submit(txn, fixedNonces{1})
	require.False(t, ok)
	require.Contains(t, reason, "already in mempool")
}

// TestSubmitAdmitsSequentialNoncesAheadOfConfirmation proves the
// mempool-aware nonce index: a sender's second, sequential transaction
// is admissible while the first is still only pooled (not yet
// chain-confirmed), which is what lets blocksHigherFeeSuccessorLocked's
// eviction exemption ever apply in practice.
func TestSubmitAdmitsSequentialNoncesAheadOfConfirmation(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	validator := tx.NewValidator("XAI", 1<<20)
	mp := New(validator, store, 1<<20, nil)

	// The chain has not confirmed anything for this sender yet: its
	// NextNonce always reports 1, same as the teacher's pattern for a
	// chain-confirmed-only index.
	chainConfirmed := fixedNonces{1}

	txn1 := buildSignedTransfer(t, store, pk, addr, 1, 1*amount.Scale)
	ok, reason := mp.Submit(txn1, chainConfirmed)
	require.True(t, ok, reason)

	txn2 := buildSignedTransfer(t, store, pk, addr, 2, 5*amount.Scale)
	ok, reason = mp.Submit(txn2, chainConfirmed)
	require.True(t, ok, reason, "a sequential second nonce must be admissible while the first is only pooled")

	n, _ := mp.Size()
	require.Equal(t, 2, n)

	id1, err := txn1.TxID()
	require.NoError(t, err)
	e1 := mp.entries[id1]
	require.NotNil(t, e1)
	require.True(t, mp.blocksHigherFeeSuccessorLocked(e1), "txn1 must be recognized as blocking its higher-fee successor txn2")
}

func TestPickForBlockOrdersByFeeThenRespectsNonce(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	validator := tx.NewValidator("XAI", 1<<20)
	mp := New(validator, store, 1<<20, nil)

	txn1 := buildSignedTransfer(t, store, pk, addr, 1, 1*amount.Scale)
	ok, reason := mp.Submit(txn1, fixedNonces{1})
	require.True(t, ok, reason)

	picked := mp.PickForBlock(1 << 20)
	require.Len(t, picked, 1)
	require.Equal(t, uint64(1), picked[0].Nonce)
}
