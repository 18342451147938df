package reader

import (
	"math/big"
	"testing"

	"tokenhub/pkg/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return typ
}

func TestConvertArg(t *testing.T) {
	addr, err := ConvertArg(mustType(t, "address"), "0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xa1"), addr)

	small, err := ConvertArg(mustType(t, "uint8"), "18")
	require.NoError(t, err)
	require.Equal(t, uint8(18), small)

	large, err := ConvertArg(mustType(t, "uint256"), "1000000000000000000000")
	require.NoError(t, err)
	expected, _ := new(big.Int).SetString("1000000000000000000000", 10)
	require.Equal(t, 0, expected.Cmp(large.(*big.Int)))

	hex, err := ConvertArg(mustType(t, "uint64"), "0x10")
	require.NoError(t, err)
	require.Equal(t, uint64(16), hex)

	signed, err := ConvertArg(mustType(t, "int64"), "-1")
	require.NoError(t, err)
	require.Equal(t, int64(-1), signed)

	flag, err := ConvertArg(mustType(t, "bool"), "true")
	require.NoError(t, err)
	require.Equal(t, true, flag)

	str, err := ConvertArg(mustType(t, "string"), "  TKN ")
	require.NoError(t, err)
	require.Equal(t, "TKN", str)

	fixed, err := ConvertArg(mustType(t, "bytes4"), "0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, [4]byte{0xde, 0xad, 0xbe, 0xef}, fixed)
}

func TestConvertArgRejectsInvalid(t *testing.T) {
	cases := []struct {
		typ string
		raw string
	}{
		{"address", "not-an-address"},
		{"uint8", "256"},
		{"uint256", "-5"},
		{"int8", "128"},
		{"uint256", "abc"},
		{"bool", "maybe"},
		{"bytes4", "0xdead"},
	}

	for _, tc := range cases {
		_, err := ConvertArg(mustType(t, tc.typ), tc.raw)
		require.Error(t, err, "%s %q", tc.typ, tc.raw)
	}
}

func TestZeroValue(t *testing.T) {
	zero := ZeroValue(mustType(t, "uint256"))
	require.NotNil(t, zero)
	require.Equal(t, 0, zero.(*big.Int).Sign())

	require.Equal(t, uint8(0), ZeroValue(mustType(t, "uint8")))
	require.Equal(t, common.Address{}, ZeroValue(mustType(t, "address")))
	require.Equal(t, "", ZeroValue(mustType(t, "string")))
	require.Equal(t, false, ZeroValue(mustType(t, "bool")))
	require.Equal(t, []common.Address{}, ZeroValue(mustType(t, "address[]")))
}

func TestOutputType(t *testing.T) {
	typ, err := OutputType(&contracts.ERC20ABI, "decimals", "")
	require.NoError(t, err)
	require.Equal(t, abi.UintTy, typ.T)
	require.Equal(t, 8, typ.Size)

	_, err = OutputType(&contracts.LendingPoolABI, "getUserPosition", "")
	require.Error(t, err)

	typ, err = OutputType(&contracts.LendingPoolABI, "getUserPosition", "collateral")
	require.NoError(t, err)
	require.Equal(t, 256, typ.Size)

	_, err = OutputType(&contracts.ERC20ABI, "missing", "")
	require.ErrorIs(t, err, ErrUnknownMethod)
}
