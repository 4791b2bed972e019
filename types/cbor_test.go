package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type customData struct {
	Value int
	Name  string
}

var (
	validInput  = customData{Name: "foo", Value: 30}
	validCbor   = []byte{0xa2, 0x64, 0x4e, 0x61, 0x6d, 0x65, 0x63, 0x66, 0x6f, 0x6f, 0x65, 0x56, 0x61, 0x6c, 0x75, 0x65, 0x18, 0x1e}
	invalidCbor = []byte{0xa2, 0x64, 0x4e, 0x61, 0x6d, 0x65, 0x63, 0x66, 0x6f, 0x6f, 0x65, 0x56, 0x61, 0x6c, 0x75, 0x65, 0x18} // missing final value
)

func TestMarshal(t *testing.T) {
	cases := []struct {
		name     string
		input    any
		expected []byte
		wantErr  string
	}{
		{
			// keys are sorted length first, regardless of the field order
			name:     "struct",
			input:    validInput,
			expected: validCbor,
		},
		{
			name:     "map keys are sorted",
			input:    map[string]int{"bb": 1, "a": 2},
			expected: []byte{0xa2, 0x61, 0x61, 0x02, 0x62, 0x62, 0x62, 0x01},
		},
		{
			name:     "nil",
			input:    nil,
			expected: []byte{0xf6},
		},
		{
			name:    "unsupported type",
			input:   complex(20, 10),
			wantErr: "cbor: unsupported type: complex128",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.input)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestUnmarshal(t *testing.T) {
	t.Run("valid input", func(t *testing.T) {
		var got customData
		require.NoError(t, Unmarshal(validCbor, &got))
		require.Equal(t, validInput, got)
	})

	cases := []struct {
		name    string
		input   []byte
		wantErr string
	}{
		{name: "nil", input: nil, wantErr: "EOF"},
		{name: "empty", input: []byte{}, wantErr: "EOF"},
		{name: "truncated", input: invalidCbor, wantErr: "unexpected EOF"},
		{name: "wrong type", input: []byte{5}, wantErr: "cbor: cannot unmarshal positive integer into Go value of type types.customData"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got customData
			require.ErrorContains(t, Unmarshal(tc.input, &got), tc.wantErr)
			require.Equal(t, customData{}, got)
		})
	}

	t.Run("non-pointer", func(t *testing.T) {
		var got customData
		require.ErrorContains(t, Unmarshal(validCbor, got), "cbor: Unmarshal(non-pointer types.customData)")
	})
}

func TestHashOf(t *testing.T) {
	h1, err := hashOf(validInput)
	require.NoError(t, err)
	require.Len(t, h1, 32)

	h2, err := hashOf(customData{Value: 30, Name: "foo"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := hashOf(customData{Value: 31, Name: "foo"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)

	_, err = hashOf(complex(1, 1))
	require.ErrorContains(t, err, "encoding complex128")
}
