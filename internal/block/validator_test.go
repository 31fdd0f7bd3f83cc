package block

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/consensus"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/tx"
	"github.com/xai-project/xai-core/internal/utxo"
	"github.com/xai-project/xai-core/internal/xerrors"
)

func mustSignTx(t *testing.T, txn *tx.Transaction, pk *crypto.PrivateKey) {
	t.Helper()
	digest, err := txn.TxID()
	require.NoError(t, err)
	digestBytes, err := hex.DecodeString(digest)
	require.NoError(t, err)
	sig, err := crypto.Sign(pk, digestBytes)
	require.NoError(t, err)
	txn.Signature = sig
}

func coinbaseTx(t *testing.T, height uint64, minerAddr string, reward amount.Amount) *tx.Transaction {
	t.Helper()
	return &tx.Transaction{
		Sender:    tx.SenderCoinbase,
		Recipient: minerAddr,
		Amount:    reward,
		Timestamp: time.Now().Unix(),
		Inputs:    []tx.Input{{TxID: strings.Repeat("0", 64), Vout: 0}},
		Outputs:   []tx.Output{{Recipient: minerAddr, Amount: reward}},
	}
}

func TestValidateAcceptsGenesisChildBlock(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	minerAddr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	reward := consensus.BlockReward(1, 0)
	cb := coinbaseTx(t, 1, minerAddr, reward)

	b := &Block{
		Header: Header{
			Index:        1,
			PreviousHash: "parenthash",
			Timestamp:    2000,
			Difficulty:   1,
		},
		Transactions: []*tx.Transaction{cb},
	}
	root, err := b.ComputeMerkleRoot()
	require.NoError(t, err)
	b.Header.MerkleRoot = root
	hash, err := b.ComputeHash()
	require.NoError(t, err)
	b.Hash = hash

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	txValidator := tx.NewValidator("XAI", 1<<20)
	v := NewValidator(txValidator)
	v.Now = func() time.Time { return time.Unix(2000, 0) }

	parent := ParentInfo{Index: 0, Hash: "parenthash", Timestamp: 1000}
	err = v.Validate(b, parent, 1, 0, store, func(string) uint64 { return 0 })
	require.NoError(t, err)
}

func TestValidateRejectsBadPreviousHash(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	minerAddr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	reward := consensus.BlockReward(1, 0)
	cb := coinbaseTx(t, 1, minerAddr, reward)
	b := &Block{
		Header: Header{Index: 1, PreviousHash: "wrong", Timestamp: 2000, Difficulty: 1},
		Transactions: []*tx.Transaction{cb},
	}
	root, _ := b.ComputeMerkleRoot()
	b.Header.MerkleRoot = root
	b.Hash, _ = b.ComputeHash()

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	v := NewValidator(tx.NewValidator("XAI", 1<<20))
	parent := ParentInfo{Index: 0, Hash: "parenthash", Timestamp: 1000}
	err = v.Validate(b, parent, 1, 0, store, func(string) uint64 { return 0 })
	require.Error(t, err)
}

// TestValidateRejectsDoubleSpendWithinBlock is spec §8's concrete
// scenario 2: a block with two transactions both spending (abc, 0) is
// rejected with DuplicateInput, and the parent UTXO view is left
// untouched.
func TestValidateRejectsDoubleSpendWithinBlock(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)
	minerAddr, err := func() (string, error) {
		mk, err := crypto.GenerateKeypair()
		if err != nil {
			return "", err
		}
		return crypto.AddressOf(mk.PublicKeyHex(), "XAI")
	}()
	require.NoError(t, err)

	store := utxo.NewStore(utxo.NewMemoryBackend(), logging.New("test", "error", nil))
	added, err := store.Add(addr, "abc", 0, 10*amount.Scale, "")
	require.NoError(t, err)
	require.True(t, added)
	beforeRoot := store.MerkleRoot()

	recipient := "XAI" + strings.Repeat("1", 40)

	mkSpend := func(nonce uint64) *tx.Transaction {
		txn := &tx.Transaction{
			Sender:    addr,
			Recipient: recipient,
			Amount:    9 * amount.Scale,
			Fee:       1 * amount.Scale,
			Timestamp: time.Now().Unix(),
			Nonce:     nonce,
			Inputs:    []tx.Input{{TxID: "abc", Vout: 0}},
			Outputs:   []tx.Output{{Recipient: recipient, Amount: 9 * amount.Scale}},
			PublicKey: pk.PublicKeyHex(),
		}
		mustSignTx(t, txn, pk)
		return txn
	}

	reward := consensus.BlockReward(1, 0)
	cb := coinbaseTx(t, 1, minerAddr, reward)
	spend1 := mkSpend(1)
	spend2 := mkSpend(2)

	b := &Block{
		Header: Header{
			Index:        1,
			PreviousHash: "parenthash",
			Timestamp:    2000,
			Difficulty:   1,
		},
		Transactions: []*tx.Transaction{cb, spend1, spend2},
	}
	root, err := b.ComputeMerkleRoot()
	require.NoError(t, err)
	b.Header.MerkleRoot = root
	b.Hash, err = b.ComputeHash()
	require.NoError(t, err)

	v := NewValidator(tx.NewValidator("XAI", 1<<20))
	v.Now = func() time.Time { return time.Unix(2000, 0) }
	parent := ParentInfo{Index: 0, Hash: "parenthash", Timestamp: 1000}

	err = v.Validate(b, parent, 1, 0, store, func(string) uint64 { return 1 })
	require.Error(t, err)
	var blockErr *xerrors.BlockError
	require.ErrorAs(t, err, &blockErr)
	require.Equal(t, xerrors.DuplicateInput, blockErr.Failure)

	// The overlay never touched the real store: the UTXO is still there
	// and the Merkle root is unchanged.
	entry, ok := store.Get("abc", 0)
	require.True(t, ok)
	require.Equal(t, addr, entry.Address)
	require.Equal(t, beforeRoot, store.MerkleRoot())
}
