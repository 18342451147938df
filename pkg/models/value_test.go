package models

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "1.5", FormatUnits(big.NewInt(1_500_000), 6))
	require.Equal(t, "0", FormatUnits(nil, 18))
	require.Equal(t, "42", FormatUnits(big.NewInt(42), 0))

	wei, _ := new(big.Int).SetString("1234500000000000000000", 10)
	require.Equal(t, "1234.5", FormatUnits(wei, 18))
}

func TestParseUnits(t *testing.T) {
	n, err := ParseUnits("1.5", 6)
	require.NoError(t, err)
	require.Equal(t, int64(1_500_000), n.Int64())

	n, err = ParseUnits("0.0000001", 6)
	require.NoError(t, err)
	require.Equal(t, int64(0), n.Int64())

	_, err = ParseUnits("abc", 6)
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	require.Equal(t, "18", FormatValue(uint8(18)))
	require.Equal(t, "1000", FormatValue(big.NewInt(1000)))
	require.Equal(t, addr.Hex(), FormatValue(addr))
	require.Equal(t, "true", FormatValue(true))
	require.Equal(t, "0xdead", FormatValue([]byte{0xde, 0xad}))
	require.Equal(t, "", FormatValue(nil))
}

// TestFixedBytes verifies bytesN values display as text when padded text
// and otherwise as hex, and survive persistence with their array type.
func TestFixedBytes(t *testing.T) {
	var symbol [32]byte
	copy(symbol[:], "MKR")
	require.Equal(t, "MKR", FormatValue(symbol))

	hash := [4]byte{0xde, 0xad, 0xbe, 0xef}
	require.Equal(t, "0xdeadbeef", FormatValue(hash))
	require.Equal(t, "0x00000000", FormatValue([4]byte{}))

	tv := EncodeValue(symbol)
	require.Equal(t, KindFixedBytes, tv.Kind)
	got, err := DecodeValue(tv)
	require.NoError(t, err)
	require.Equal(t, symbol, got)

	got, err = DecodeValue(EncodeValue(hash))
	require.NoError(t, err)
	require.Equal(t, hash, got)

	_, err = DecodeValue(TypedValue{Kind: KindFixedBytes, Value: "0x"})
	require.Error(t, err)
}

// TestValueCodec verifies persisted values decode to their canonical types.
func TestValueCodec(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	cases := []struct {
		in   any
		want any
	}{
		{"Hub Token", "Hub Token"},
		{true, true},
		{addr, addr},
		{[]common.Address{addr, addr}, []common.Address{addr, addr}},
		{[]common.Address{}, []common.Address{}},
		{[]byte{1, 2}, []byte{1, 2}},
		{nil, nil},
	}

	for _, tc := range cases {
		got, err := DecodeValue(EncodeValue(tc.in))
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	got, err := DecodeValue(EncodeValue(uint8(6)))
	require.NoError(t, err)
	require.Equal(t, 0, big.NewInt(6).Cmp(got.(*big.Int)))

	_, err = DecodeValue(TypedValue{Kind: "complex"})
	require.Error(t, err)
}
