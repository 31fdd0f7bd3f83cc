// Package tx implements the transaction model and validator (spec §3,
// §4.3, C3), generalizing the teacher's pkg/types.Transaction /
// pkg/transaction (Bitcoin script-based inputs) to the address-keyed,
// nonce-sequenced model spec.md defines.
package tx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xai-project/xai-core/internal/amount"
	"github.com/xai-project/xai-core/internal/crypto"
)

// Reserved sender addresses exempt from signature/conservation checks
// (spec §4.3).
const (
	SenderCoinbase = "COINBASE"
	SenderSystem   = "SYSTEM"
	SenderAirdrop  = "AIRDROP"
)

// IsSystemSender reports whether addr is one of the reserved senders.
func IsSystemSender(addr string) bool {
	return addr == SenderCoinbase || addr == SenderSystem || addr == SenderAirdrop
}

// Input references a UTXO to spend.
type Input struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Output is a single payment destination.
type Output struct {
	Recipient string        `json:"recipient"`
	Amount    amount.Amount `json:"amount"`
}

// Transaction is spec §3's transaction: a set of UTXO inputs spent, a
// set of outputs created, plus the sender/recipient/amount/fee/nonce
// envelope used for ordering and balance bookkeeping.
type Transaction struct {
	Sender    string        `json:"sender"`
	Recipient string        `json:"recipient"`
	Amount    amount.Amount `json:"amount"`
	Fee       amount.Amount `json:"fee"`
	Timestamp int64         `json:"timestamp"`
	Nonce     uint64        `json:"nonce"`

	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`

	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// canonicalFields is the exact field set that feeds the txid digest
// per spec §3: "sender, recipient, amount, fee, timestamp, nonce
// (excludes signature)". Map keys are emitted in sorted order via
// explicit field ordering below, matching the canonical-JSON rule of
// spec §6 (no map with nondeterministic Go iteration order is used).
type canonicalFields struct {
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// canonicalBytes renders the exact bytes that are hashed to
// produce the txid: a struct whose JSON field order is alphabetical,
// the sorted-keys rule spec §6 specifies for the wire envelope.
func (t *Transaction) canonicalBytes() ([]byte, error) {
	cf := canonicalFields{
		Amount:    int64(t.Amount),
		Fee:       int64(t.Fee),
		Nonce:     t.Nonce,
		Recipient: t.Recipient,
		Sender:    t.Sender,
		Timestamp: t.Timestamp,
	}
	return json.Marshal(cf)
}

// TxID computes spec §3's transaction id: SHA-256 of the canonical
// serialization, excluding signature (and, per spec's literal field
// list, excluding inputs/outputs/public_key too).
func (t *Transaction) TxID() (string, error) {
	b, err := t.canonicalBytes()
	if err != nil {
		return "", fmt.Errorf("tx: canonical encode: %w", err)
	}
	return crypto.SHA256Hex(b), nil
}

// IsCoinbase reports whether tx has the shape spec §3 mandates for a
// coinbase: sender COINBASE, exactly one input of form (zero, 0), and
// exactly one output.
func (t *Transaction) IsCoinbase() bool {
	if t.Sender != SenderCoinbase {
		return false
	}
	if len(t.Inputs) != 1 || len(t.Outputs) != 1 {
		return false
	}
	in := t.Inputs[0]
	return in.TxID == zeroTxID && in.Vout == 0
}

var zeroTxID = strings.Repeat("0", 64)

// InputSum sums Amount over a resolved set of input values (callers
// look these up via a UTXO view and pass the resulting amounts here).
func InputSum(values []amount.Amount) amount.Amount {
	var total amount.Amount
	for _, v := range values {
		total = amount.Add(total, v)
	}
	return total
}

// OutputSum sums the declared outputs.
func (t *Transaction) OutputSum() amount.Amount {
	var total amount.Amount
	for _, o := range t.Outputs {
		total = amount.Add(total, o.Amount)
	}
	return total
}

// HasDuplicateInputs reports duplicate (txid, vout) references within
// the transaction (spec §4.3 step 3, the inflation/double-spend guard
// inside a single transaction).
func (t *Transaction) HasDuplicateInputs() bool {
	seen := make(map[Input]struct{}, len(t.Inputs))
	for _, in := range t.Inputs {
		if _, ok := seen[in]; ok {
			return true
		}
		seen[in] = struct{}{}
	}
	return false
}

// SerializedSize approximates the wire size used by spec §4.3 step 7
// and §8's byte-bounded mempool: the length of the transaction's full
// JSON encoding, which includes the inputs, outputs, signature and
// public key that the txid digest excludes but that occupy space on
// the wire.
func (t *Transaction) SerializedSize() (int, error) {
	full, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	return len(full), nil
}
