package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureMap_cbor(t *testing.T) {
	t.Run("signers are sorted", func(t *testing.T) {
		sigs := SignatureMap{"b": {2}, "a": {1}}
		data, err := Marshal(sigs)
		require.NoError(t, err)

		var decoded SignatureMap
		require.NoError(t, Unmarshal(data, &decoded))
		require.Equal(t, sigs, decoded)
		require.Equal(t, []string{"a", "b"}, decoded.Signers())
	})

	t.Run("duplicate signer", func(t *testing.T) {
		data, err := Marshal(signaturesCBOR{{NodeID: "a", Signature: []byte{1}}, {NodeID: "a", Signature: []byte{2}}})
		require.NoError(t, err)
		var decoded SignatureMap
		require.ErrorContains(t, Unmarshal(data, &decoded), `duplicate signature of "a"`)
		require.Nil(t, decoded)
	})

	cases := []struct {
		name    string
		input   []byte
		wantErr string
	}{
		{name: "nil signature", input: []byte{0x81, 0xf6}, wantErr: "signature 0 is nil"},
		{name: "nil after valid signature", input: []byte{0x82, 0x82, 0x61, 0x61, 0x41, 0x01, 0xf6}, wantErr: "signature 1 is nil"},
		{name: "not an array", input: []byte{0x05}, wantErr: "cbor unmarshal failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var decoded SignatureMap
			require.NotPanics(t, func() {
				require.ErrorContains(t, Unmarshal(tc.input, &decoded), tc.wantErr)
			})
		})
	}

	t.Run("nil signature in ledger info", func(t *testing.T) {
		var lis LedgerInfoWithSignatures
		require.NotPanics(t, func() {
			require.ErrorContains(t, Unmarshal([]byte{0x82, 0xf6, 0x81, 0xf6}, &lis), "signature 0 is nil")
		})
	})
}
