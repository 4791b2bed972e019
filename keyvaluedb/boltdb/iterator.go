package boltdb

import (
	"errors"

	bolt "go.etcd.io/bbolt"
)

/*
Iterator holds a read transaction open until Close is called, so writes
from the same goroutine would deadlock while it is open.
*/
type Iterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	decoder DecodeFn
	key     []byte
	value   []byte
	err     error
}

func newIterator(db *bolt.DB, bucket []byte, d DecodeFn) *Iterator {
	tx, err := db.Begin(false)
	if err != nil {
		return &Iterator{err: err}
	}
	return &Iterator{tx: tx, cursor: tx.Bucket(bucket).Cursor(), decoder: d}
}

func (it *Iterator) Next() {
	if it.Valid() {
		it.key, it.value = it.cursor.Next()
	}
}

func (it *Iterator) Prev() {
	if it.Valid() {
		it.key, it.value = it.cursor.Prev()
	}
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.key != nil
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *Iterator) Value(v any) error {
	if !it.Valid() {
		return errors.Join(errors.New("iterator is not valid"), it.err)
	}
	return it.decoder(it.value, v)
}

func (it *Iterator) Close() error {
	if it.tx == nil {
		return it.err
	}
	err := it.tx.Rollback()
	it.tx, it.cursor, it.key, it.value = nil, nil, nil, nil
	return err
}
