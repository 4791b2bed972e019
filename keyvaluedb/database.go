package keyvaluedb

import (
	"errors"
	"reflect"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrValueIsNil = errors.New("value is nil")
	ErrTxClosed   = errors.New("transaction is closed")
)

type Reader interface {
	// Read decodes the value stored under the key into "value", returns false when key is not present.
	Read(key []byte, value any) (bool, error)
}

type Writer interface {
	Write(key []byte, value any) error
	// Delete removes the key, deleting missing key is not an error.
	Delete(key []byte) error
}

/*
Iterator walks over key-value pairs in binary-alphabetical order of the keys.
Iterator MUST be released with Close, open iterator may hold a read lock of
the database.
*/
type Iterator interface {
	Next()
	Prev()
	// Valid returns false when iterator has moved past either end.
	Valid() bool
	Key() []byte
	Value(value any) error
	Close() error
}

type Iterable interface {
	// First returns iterator positioned at the smallest key.
	First() Iterator
	// Last returns iterator positioned at the greatest key.
	Last() Iterator
	// Find returns iterator positioned at the smallest key greater or equal to "key".
	Find(key []byte) Iterator
}

/*
DBTransaction groups writes so that either all or none of them are persisted.
Transaction must be completed with Commit or Rollback.
*/
type DBTransaction interface {
	Reader
	Writer
	Commit() error
	Rollback() error
}

type DBTx interface {
	StartTx() (DBTransaction, error)
}

type KeyValueDB interface {
	Reader
	Writer
	Iterable
	DBTx
}

// IsEmpty returns true when there are no keys in the database.
func IsEmpty(db Iterable) (bool, error) {
	it := db.First()
	empty := !it.Valid()
	return empty, it.Close()
}

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

func CheckKeyAndValue(key []byte, value any) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if value == nil {
		return ErrValueIsNil
	}
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return ErrValueIsNil
	}
	return nil
}
