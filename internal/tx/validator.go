package tx

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/utxo"
	"github.com/xai-project/xai-core/internal/xerrors"
)

// maxTimestampSkew bounds how far a transaction's timestamp may drift
// from local clock time, per spec §4.3 step 1.
const maxTimestampSkew = 2 * time.Hour

// UTXOView is the minimal read surface the validator needs from the
// UTXO store (spec §4.3 step 4): look up an input's owner/amount and
// whether it is currently reserved by another pending transaction.
type UTXOView interface {
	Get(txid string, vout uint32) (*utxo.Entry, bool)
	IsLocked(op utxo.OutPoint) bool
}

// NonceSource reports the next nonce a sender's transaction must carry
// (spec §3: next accepted nonce equals last_nonce(S) + 1).
type NonceSource interface {
	NextNonce(sender string) uint64
}

// Validator runs the ordered checks of spec §4.3.
type Validator struct {
	AddressPrefix string
	MaxTxBytes    int
	Now           func() time.Time
}

// NewValidator builds a Validator for the given network prefix and
// size bound (spec §6's max_block_bytes informs per-tx limits too).
func NewValidator(prefix string, maxTxBytes int) *Validator {
	return &Validator{AddressPrefix: prefix, MaxTxBytes: maxTxBytes, Now: time.Now}
}

// ValidateCoinbase applies the special-case rule of spec §4.3: a
// coinbase is only checked for shape here; its reward is checked by C4
// using C5's schedule, not by this validator.
func (v *Validator) ValidateCoinbase(t *Transaction) error {
	if !t.IsCoinbase() {
		return xerrors.New(xerrors.Validation, "not a well-formed coinbase transaction")
	}
	return nil
}

// Validate runs the full ordered check list from spec §4.3 against a
// non-coinbase (or exempt system-sender) transaction.
func (v *Validator) Validate(t *Transaction, view UTXOView, nonces NonceSource) error {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	// 1. Structural.
	if err := v.validateStructural(t, now()); err != nil {
		return err
	}

	exempt := IsSystemSender(t.Sender)

	// 2. Authentication (skipped for system senders).
	if !exempt {
		if err := v.validateAuthentication(t); err != nil {
			return err
		}
	}

	// 3. No duplicate inputs within the transaction.
	if t.HasDuplicateInputs() {
		return xerrors.New(xerrors.Validation, "duplicate input reference within transaction")
	}

	if !exempt {
		// 4 & 5. UTXO ownership/availability and conservation.
		if err := v.validateInputsAndConservation(t, view); err != nil {
			return err
		}
	}

	// 6. Nonce sequencing.
	if nonces != nil {
		next := nonces.NextNonce(t.Sender)
		if t.Nonce != next {
			return xerrors.New(xerrors.Validation,
				fmt.Sprintf("nonce %d does not follow expected %d for sender %s", t.Nonce, next, t.Sender))
		}
	}

	// 7. Size.
	if v.MaxTxBytes > 0 {
		size, err := t.SerializedSize()
		if err != nil {
			return xerrors.Wrap(xerrors.Validation, err, "serializing transaction for size check")
		}
		if size > v.MaxTxBytes {
			return xerrors.New(xerrors.Validation, fmt.Sprintf("transaction size %d exceeds maximum %d", size, v.MaxTxBytes))
		}
	}

	return nil
}

func (v *Validator) validateStructural(t *Transaction, now time.Time) error {
	if !IsSystemSender(t.Sender) && !crypto.ValidAddress(t.Sender, v.AddressPrefix) {
		return xerrors.New(xerrors.Validation, "invalid sender address")
	}
	if !crypto.ValidAddress(t.Recipient, v.AddressPrefix) {
		return xerrors.New(xerrors.Validation, "invalid recipient address")
	}
	if err := amount.Validate(t.Fee); err != nil {
		return xerrors.Wrap(xerrors.Validation, err, "fee out of range")
	}
	if t.Fee < 0 {
		return xerrors.New(xerrors.Validation, "fee must be non-negative")
	}
	if !t.IsCoinbase() {
		if err := amount.Validate(t.Amount); err != nil {
			return xerrors.Wrap(xerrors.Validation, err, "amount out of range")
		}
		if t.Amount <= 0 {
			return xerrors.New(xerrors.Validation, "amount must be positive for a normal transfer")
		}
	}
	txTime := time.Unix(t.Timestamp, 0)
	skew := now.Sub(txTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return xerrors.New(xerrors.Validation, "transaction timestamp outside allowed skew")
	}
	return nil
}

func (v *Validator) validateAuthentication(t *Transaction) error {
	expectedAddr, err := crypto.AddressOf(t.PublicKey, v.AddressPrefix)
	if err != nil {
		return xerrors.Wrap(xerrors.Verification, err, "deriving address from public key")
	}
	if expectedAddr != t.Sender {
		return xerrors.New(xerrors.Verification, "sender address does not match public key")
	}
	digest, err := t.TxID()
	if err != nil {
		return xerrors.Wrap(xerrors.Verification, err, "computing txid for signature check")
	}
	digestBytes, err := hex.DecodeString(digest)
	if err != nil {
		return xerrors.Wrap(xerrors.Verification, err, "decoding txid digest")
	}
	if !crypto.Verify(t.PublicKey, digestBytes, t.Signature) {
		return xerrors.New(xerrors.Verification, "signature verification failed")
	}
	return nil
}

func (v *Validator) validateInputsAndConservation(t *Transaction, view UTXOView) error {
	if view == nil {
		return xerrors.New(xerrors.State, "no UTXO view available to validate inputs")
	}
	var totalIn amount.Amount
	for _, in := range t.Inputs {
		op := utxo.OutPoint{TxID: in.TxID, Vout: in.Vout}
		entry, ok := view.Get(in.TxID, in.Vout)
		if !ok {
			return xerrors.New(xerrors.State, fmt.Sprintf("input %s references an unknown or spent UTXO", op))
		}
		if entry.Address != t.Sender {
			return xerrors.New(xerrors.State, fmt.Sprintf("input %s is not owned by sender", op))
		}
		if view.IsLocked(op) {
			return xerrors.New(xerrors.State, fmt.Sprintf("input %s is locked by another pending transaction", op))
		}
		totalIn = amount.Add(totalIn, entry.Amount)
	}
	outTotal := amount.Add(t.OutputSum(), amount.Zero)
	if totalIn != amount.Add(outTotal, t.Fee) {
		return xerrors.New(xerrors.Validation,
			fmt.Sprintf("conservation violated: inputs=%s outputs+fee=%s", totalIn, amount.Add(outTotal, t.Fee)))
	}
	return nil
}
