// Package blockstore implements the append-only block log the chain
// manager (C6) persists against, generalizing the teacher's
// pkg/storage.BlockchainStorage (goleveldb, block/height/tx key
// prefixes, chain-state tip pointer) from Bitcoin's wire block format
// to XAI's JSON block model.
package blockstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/xai-project/xai-core/internal/block"
)

const (
	prefixBlock  = 'b' // b|hash -> serialized block
	prefixHeight = 'h' // h|height(BE u64) -> hash
	keyBestHeight = "chainstate:best_height"
)

func blockKey(hash string) []byte {
	return append([]byte{prefixBlock}, []byte(hash)...)
}

func heightKey(height uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = prefixHeight
	binary.BigEndian.PutUint64(buf[1:], height)
	return buf
}

// Store is a goleveldb-backed implementation of chain.Store (and
// startup.ChainReader), the same Database shape the teacher's
// BlockchainStorage wraps, adapted to XAI's block model.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a block log at path.
func Open(path string) (*Store, error) {
	opts := &opt.Options{Compression: opt.SnappyCompression}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// SaveBlock writes b, its height index, and the chain-state tip
// pointer in a single atomic batch.
func (s *Store) SaveBlock(b *block.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockstore: encode block %s: %w", b.Hash, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Hash), raw)
	batch.Put(heightKey(b.Header.Index), []byte(b.Hash))

	best, haveBest := s.bestHeight()
	if !haveBest || b.Header.Index >= best {
		heightBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(heightBytes, b.Header.Index)
		batch.Put([]byte(keyBestHeight), heightBytes)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("blockstore: write batch for block %s: %w", b.Hash, err)
	}
	return nil
}

// BlockByHash returns the block stored under hash, if any.
func (s *Store) BlockByHash(hash string) (*block.Block, bool) {
	raw, err := s.db.Get(blockKey(hash), nil)
	if err != nil {
		return nil, false
	}
	var b block.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false
	}
	return &b, true
}

// BlockByHeight returns the block at height, if any.
func (s *Store) BlockByHeight(height uint64) (*block.Block, bool) {
	hash, err := s.db.Get(heightKey(height), nil)
	if err != nil {
		return nil, false
	}
	return s.BlockByHash(string(hash))
}

// bestHeight reads the chain-state tip pointer directly, distinguishing
// "no blocks yet" from height 0.
func (s *Store) bestHeight() (uint64, bool) {
	raw, err := s.db.Get([]byte(keyBestHeight), nil)
	if err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

// BestHeight implements chain.Store/startup.ChainReader; it returns 0
// for an empty store, matching a fresh genesis-only chain.
func (s *Store) BestHeight() uint64 {
	height, _ := s.bestHeight()
	return height
}

// Count returns the number of stored blocks, scanning the height index.
func (s *Store) Count() int {
	n := 0
	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixHeight}), nil)
	defer iter.Release()
	for iter.Next() {
		n++
	}
	return n
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
