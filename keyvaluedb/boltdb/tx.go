package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/alphabill-org/consensus-observer/keyvaluedb"
)

type Tx struct {
	tx      *bolt.Tx
	bucket  *bolt.Bucket
	encoder EncodeFn
	decoder DecodeFn
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if t.tx == nil {
		return false, keyvaluedb.ErrTxClosed
	}
	return readValue(t.bucket, key, v, t.decoder)
}

func (t *Tx) Write(key []byte, v any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return err
	}
	if t.tx == nil {
		return keyvaluedb.ErrTxClosed
	}
	b, err := t.encoder(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return t.bucket.Put(key, b)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if t.tx == nil {
		return keyvaluedb.ErrTxClosed
	}
	return t.bucket.Delete(key)
}

func (t *Tx) Commit() error {
	if t.tx == nil {
		return keyvaluedb.ErrTxClosed
	}
	defer t.close()
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	if t.tx == nil {
		return nil
	}
	defer t.close()
	return t.tx.Rollback()
}

func (t *Tx) close() {
	t.tx, t.bucket = nil, nil
}
