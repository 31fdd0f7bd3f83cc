package tx

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/utxo"
)

type fakeView struct {
	entries map[utxo.OutPoint]*utxo.Entry
	locked  map[utxo.OutPoint]bool
}

func (f *fakeView) Get(txid string, vout uint32) (*utxo.Entry, bool) {
	e, ok := f.entries[utxo.OutPoint{TxID: txid, Vout: vout}]
	return e, ok
}

func (f *fakeView) IsLocked(op utxo.OutPoint) bool { return f.locked[op] }

type fakeNonces struct{ next map[string]uint64 }

func (f *fakeNonces) NextNonce(sender string) uint64 { return f.next[sender] }

func mustSign(t *testing.T, txn *Transaction, pk *crypto.PrivateKey) {
	digest, err := txn.TxID()
	require.NoError(t, err)
	digestBytes, err := hex.DecodeString(digest)
	require.NoError(t, err)
	sig, err := crypto.Sign(pk, digestBytes)
	require.NoError(t, err)
	txn.Signature = sig
}

func TestValidateAcceptsWellFormedTransfer(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	inputOp := utxo.OutPoint{TxID: "abc", Vout: 0}
	view := &fakeView{
		entries: map[utxo.OutPoint]*utxo.Entry{
			inputOp: {OutPoint: inputOp, Address: addr, Amount: 10 * amount.Scale},
		},
		locked: map[utxo.OutPoint]bool{},
	}
	nonces := &fakeNonces{next: map[string]uint64{addr: 1}}

	txn := &Transaction{
		Sender:    addr,
		Recipient: "XAI" + "0000000000000000000000000000000000000000",
		Amount:    9 * amount.Scale,
		Fee:       1 * amount.Scale,
		Timestamp: time.Now().Unix(),
		Nonce:     1,
		Inputs:    []Input{{TxID: "abc", Vout: 0}},
		Outputs:   []Output{{Recipient: "XAI0000000000000000000000000000000000000000", Amount: 9 * amount.Scale}},
		PublicKey: pk.PublicKeyHex(),
	}
	mustSign(t, txn, pk)

	v := NewValidator("XAI", 1<<20)
	require.NoError(t, v.Validate(txn, view, nonces))
}

func TestValidateRejectsDuplicateInputs(t *testing.T) {
	pk, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(pk.PublicKeyHex(), "XAI")
	require.NoError(t, err)

	txn := &Transaction{
		Sender:    addr,
		Recipient: "XAI0000000000000000000000000000000000000000",
		Amount:    1,
		Fee:       0,
		Timestamp: time.Now().Unix(),
		Nonce:     1,
		Inputs:    []Input{{TxID: "abc", Vout: 0}, {TxID: "abc", Vout: 0}},
		Outputs:   []Output{{Recipient: "XAI0000000000000000000000000000000000000000", Amount: 1}},
		PublicKey: pk.PublicKeyHex(),
	}
	mustSign(t, txn, pk)

	v := NewValidator("XAI", 1<<20)
	err = v.Validate(txn, &fakeView{entries: map[utxo.OutPoint]*utxo.Entry{}, locked: map[utxo.OutPoint]bool{}}, &fakeNonces{})
	require.Error(t, err)
}

func TestSystemSenderExemptFromSignature(t *testing.T) {
	txn := &Transaction{
		Sender:    SenderAirdrop,
		Recipient: "XAI0000000000000000000000000000000000000000",
		Amount:    1,
		Fee:       0,
		Timestamp: time.Now().Unix(),
		Nonce:     1,
	}
	v := NewValidator("XAI", 1<<20)
	require.NoError(t, v.Validate(txn, nil, &fakeNonces{next: map[string]uint64{SenderAirdrop: 1}}))
}
