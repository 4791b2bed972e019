package memorydb

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/consensus-observer/keyvaluedb"
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	// MemoryDB is a map backed keyvaluedb.KeyValueDB, meant for tests and ephemeral nodes.
	MemoryDB struct {
		db      map[string][]byte
		encoder EncodeFn
		decoder DecodeFn
		// when set Write fails with this error
		writeErr error
		lock     sync.RWMutex
	}
)

func New() *MemoryDB {
	return &MemoryDB{
		db:      make(map[string][]byte),
		encoder: cbor.Marshal,
		decoder: cbor.Unmarshal,
	}
}

// MockWriteError makes all following writes fail with "err", nil restores normal behavior.
func (db *MemoryDB) MockWriteError(err error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.writeErr = err
}

func (db *MemoryDB) Read(key []byte, value any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	db.lock.RLock()
	defer db.lock.RUnlock()
	return read(db.db, key, value, db.decoder)
}

func (db *MemoryDB) Write(key []byte, value any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := db.encoder(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.writeErr != nil {
		return db.writeErr
	}
	db.db[string(key)] = b
	return nil
}

func (db *MemoryDB) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	delete(db.db, string(key))
	return nil
}

func (db *MemoryDB) First() keyvaluedb.Iterator {
	it := db.snapshot()
	it.index = min(0, len(it.keys)-1)
	return it
}

func (db *MemoryDB) Last() keyvaluedb.Iterator {
	it := db.snapshot()
	it.index = len(it.keys) - 1
	return it
}

func (db *MemoryDB) Find(key []byte) keyvaluedb.Iterator {
	it := db.snapshot()
	idx, _ := slices.BinarySearchFunc(it.keys, key, bytes.Compare)
	if idx < len(it.keys) {
		it.index = idx
	}
	return it
}

func (db *MemoryDB) StartTx() (keyvaluedb.DBTransaction, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return &Tx{mem: db, db: maps.Clone(db.db)}, nil
}

// snapshot returns iterator over copy of the current content of the DB.
func (db *MemoryDB) snapshot() *Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()
	keys := make([][]byte, 0, len(db.db))
	for k := range db.db {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, bytes.Compare)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = db.db[string(k)]
	}
	return &Iterator{keys: keys, values: values, decoder: db.decoder, index: -1}
}

func read(m map[string][]byte, key []byte, value any, decode DecodeFn) (bool, error) {
	data, ok := m[string(key)]
	if !ok {
		return false, nil
	}
	if err := decode(data, value); err != nil {
		return true, fmt.Errorf("decoding value of key %X: %w", key, err)
	}
	return true, nil
}

type Iterator struct {
	keys    [][]byte
	values  [][]byte
	decoder DecodeFn
	index   int
}

func (it *Iterator) Next() {
	if it.Valid() {
		if it.index++; it.index >= len(it.keys) {
			it.index = -1
		}
	}
}

func (it *Iterator) Prev() {
	if it.Valid() {
		it.index--
	}
}

func (it *Iterator) Valid() bool { return it.index >= 0 }

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.keys[it.index]
}

func (it *Iterator) Value(v any) error {
	if !it.Valid() {
		return errors.New("iterator is not valid")
	}
	return it.decoder(it.values[it.index], v)
}

func (it *Iterator) Close() error { return nil }

// Tx works on a copy of the map which replaces the content of the DB on commit.
type Tx struct {
	mem *MemoryDB
	db  map[string][]byte
	mu  sync.Mutex
}

func (t *Tx) Read(key []byte, value any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return false, keyvaluedb.ErrTxClosed
	}
	return read(t.db, key, value, t.mem.decoder)
}

func (t *Tx) Write(key []byte, value any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	b, err := t.mem.encoder(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return keyvaluedb.ErrTxClosed
	}
	t.db[string(key)] = b
	return nil
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return keyvaluedb.ErrTxClosed
	}
	delete(t.db, string(key))
	return nil
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return keyvaluedb.ErrTxClosed
	}
	t.mem.lock.Lock()
	defer t.mem.lock.Unlock()
	if t.mem.writeErr != nil {
		return t.mem.writeErr
	}
	t.mem.db = t.db
	t.db = nil
	return nil
}

func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = nil
	return nil
}
