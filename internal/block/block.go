// Package block implements the block model and validator (spec §3,
// §4.4, C4), generalizing the teacher's pkg/types.Block/BlockHeader and
// pkg/mining block assembly (Bitcoin header fields, nBits-encoded
// difficulty) to XAI's flat index/previous_hash/difficulty header.
package block

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/tx"
)

// maxFutureSkew bounds how far a block's timestamp may sit ahead of
// local clock time (spec §4.4 step 4: now + 7200).
const maxFutureSkew = 7200 * time.Second

// GenesisPreviousHash is the fixed parent reference for index 0 (spec
// §3: "previous_hash '0'").
const GenesisPreviousHash = "0"

// Header is the part of a block that is hashed to produce B.hash.
type Header struct {
	Index        uint64  `json:"index"`
	PreviousHash string  `json:"previous_hash"`
	Timestamp    int64   `json:"timestamp"`
	Nonce        uint64  `json:"nonce"`
	Difficulty   float64 `json:"difficulty"`
	MerkleRoot   string  `json:"merkle_root"`
}

// Block is spec §3's block: a header plus its ordered transaction set,
// with the header's own hash cached alongside it.
type Block struct {
	Header       Header         `json:"header"`
	Hash         string         `json:"hash"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// canonicalHeaderBytes renders the exact bytes hashed to produce
// B.hash: the header fields in a fixed JSON field order so the digest
// is reproducible across processes (spec §6's canonical-JSON rule).
func canonicalHeaderBytes(h Header) ([]byte, error) {
	return json.Marshal(h)
}

// ComputeHash returns SHA-256(canonical header) (spec §3).
func (b *Block) ComputeHash() (string, error) {
	raw, err := canonicalHeaderBytes(b.Header)
	if err != nil {
		return "", fmt.Errorf("block: canonical header encode: %w", err)
	}
	return crypto.SHA256Hex(raw), nil
}

// ComputeMerkleRoot hashes every transaction's txid into a leaf and
// reduces them with crypto.MerkleRoot (spec §3/§4.4 step 5: duplicate
// last leaf if the count is odd).
func (b *Block) ComputeMerkleRoot() (string, error) {
	leaves := make([][32]byte, len(b.Transactions))
	for i, t := range b.Transactions {
		id, err := t.TxID()
		if err != nil {
			return "", fmt.Errorf("block: hashing tx %d for merkle root: %w", i, err)
		}
		leaves[i] = crypto.SHA256([]byte(id))
	}
	root := crypto.MerkleRoot(leaves)
	return fmt.Sprintf("%x", root), nil
}

// MeetsTarget implements spec §4.4 step 3 / §8: int(hash,16) < 2^256 /
// difficulty. Leading-zero heuristics are deliberately not used; the
// exact big-integer comparison is the only accepted check.
func MeetsTarget(hashHex string, difficulty float64) (bool, error) {
	if difficulty <= 0 {
		return false, fmt.Errorf("block: non-positive difficulty %v", difficulty)
	}
	hashInt, ok := new(big.Int).SetString(hashHex, 16)
	if !ok {
		return false, fmt.Errorf("block: hash %q is not valid hex", hashHex)
	}

	two256 := new(big.Int).Lsh(big.NewInt(1), 256)
	diffRat := new(big.Rat).SetFloat64(difficulty)
	if diffRat == nil {
		return false, fmt.Errorf("block: difficulty %v is not a finite number", difficulty)
	}
	targetRat := new(big.Rat).SetInt(two256)
	targetRat.Quo(targetRat, diffRat)

	hashRat := new(big.Rat).SetInt(hashInt)
	return hashRat.Cmp(targetRat) < 0, nil
}

// NewGenesis builds the fixed genesis block for a network: height 0,
// previous_hash "0", a single fixed coinbase transaction (spec §3,
// §6's Genesis note — the startup validator, C11, recomputes the stored
// hash from the header and flags a mismatch).
func NewGenesis(timestamp int64, difficulty float64, coinbase *tx.Transaction) (*Block, error) {
	b := &Block{
		Header: Header{
			Index:        0,
			PreviousHash: GenesisPreviousHash,
			Timestamp:    timestamp,
			Nonce:        0,
			Difficulty:   difficulty,
		},
		Transactions: []*tx.Transaction{coinbase},
	}
	root, err := b.ComputeMerkleRoot()
	if err != nil {
		return nil, err
	}
	b.Header.MerkleRoot = root
	hash, err := b.ComputeHash()
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	return b, nil
}
