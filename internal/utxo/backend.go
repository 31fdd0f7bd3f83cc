package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Backend is the raw key-value capability a Store is built on. Two
// implementations ship: an in-memory map for tests/development and a
// goleveldb-backed store for production, mirroring the teacher's
// pluggable MemoryUTXOStore/LevelDBUTXOStore split in original_source.
type Backend interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	Iterate(fn func(key, value []byte) error) error
	Close() error
}

// entryKey encodes spec §6's wire key: txid || u32(vout).
func entryKey(op OutPoint) []byte {
	key := make([]byte, len(op.TxID)+4)
	copy(key, op.TxID)
	binary.BigEndian.PutUint32(key[len(op.TxID):], op.Vout)
	return key
}

func encodeEntry(e Entry) ([]byte, error) { return json.Marshal(e) }

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// --- in-memory backend ---

type memoryBackend struct {
	data map[string][]byte
}

// NewMemoryBackend creates the development/test UTXO backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{data: make(map[string][]byte)}
}

func (m *memoryBackend) Put(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Get(key []byte) ([]byte, bool, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryBackend) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memoryBackend) Iterate(fn func(key, value []byte) error) error {
	for k, v := range m.data {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryBackend) Close() error { return nil }

// --- goleveldb-backed production backend ---

type levelDBBackend struct {
	db *leveldb.DB
}

// NewLevelDBBackend opens (creating if absent) a goleveldb database at
// path for the UTXO set, compression enabled — same option shape as the
// teacher's pkg/storage.Database.
func NewLevelDBBackend(path string) (Backend, error) {
	opts := &opt.Options{Compression: opt.SnappyCompression}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("utxo: open leveldb at %s: %w", path, err)
	}
	return &levelDBBackend{db: db}, nil
}

func (l *levelDBBackend) Put(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *levelDBBackend) Get(key []byte) ([]byte, bool, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *levelDBBackend) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *levelDBBackend) Iterate(fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *levelDBBackend) Close() error { return l.db.Close() }
