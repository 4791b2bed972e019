package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// deterministic encoding, used for everything that is hashed or signed
	detEncMode cbor.EncMode
	decMode    cbor.DecMode
)

func init() {
	var err error
	if detEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Errorf("initializing CBOR encoder: %w", err))
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 20}).DecMode(); err != nil {
		panic(fmt.Errorf("initializing CBOR decoder: %w", err))
	}
}

// Marshal encodes v using deterministic CBOR encoding.
func Marshal(v any) ([]byte, error) {
	return detEncMode.Marshal(v)
}

// Unmarshal decodes CBOR encoded data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// hashOf returns SHA-256 hash of the deterministic CBOR encoding of v.
func hashOf(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	h := sha256.Sum256(data)
	return h[:], nil
}
