package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var indexABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"allPools","stateMutability":"view",
		"inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

func TestIsTransientError(t *testing.T) {
	require.True(t, isTransientError(fmt.Errorf("post: %w", io.ErrUnexpectedEOF)))
	require.True(t, isTransientError(errors.New("429 Too Many Requests")))
	require.True(t, isTransientError(errors.New("502 Bad Gateway")))
	require.False(t, isTransientError(errors.New("execution reverted")))
}

func TestRetryCall(t *testing.T) {
	c := &Client{}

	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		err := c.retryCall(context.Background(), func() error {
			attempts++
			if attempts < 2 {
				return errors.New("connection reset by peer")
			}
			return nil
		}, maxBatchRetries)
		require.NoError(t, err)
		require.Equal(t, 2, attempts)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		attempts := 0
		err := c.retryCall(context.Background(), func() error {
			attempts++
			return errors.New("execution reverted")
		}, maxBatchRetries)
		require.EqualError(t, err, "execution reverted")
		require.Equal(t, 1, attempts)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.retryCall(ctx, func() error {
			return errors.New("timeout")
		}, maxBatchRetries)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestBatchCallContractEmpty(t *testing.T) {
	c := &Client{}
	results, err := c.BatchCallContract(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

// TestAggregate3RoundTrip packs a batch and decodes a node reply built from
// the same ABI.
func TestAggregate3RoundTrip(t *testing.T) {
	registry := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	calls, err := PackCalls(registry, &indexABI, "allPools", [][]any{{big.NewInt(0)}, {big.NewInt(1)}})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	require.Equal(t, registry, calls[1].Target)

	payload, err := PackAggregate3(calls)
	require.NoError(t, err)
	require.Equal(t, Multicall3ABI.Methods["aggregate3"].ID, payload[:4])

	pool := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ret, err := indexABI.Methods["allPools"].Outputs.Pack(pool)
	require.NoError(t, err)
	reply, err := Multicall3ABI.Methods["aggregate3"].Outputs.Pack([]result3{
		{Success: true, ReturnData: ret},
		{Success: false},
	})
	require.NoError(t, err)

	results, err := UnpackAggregate3(reply)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.Equal(t, ret, results[0].Data)
	require.False(t, results[1].Success)
	require.Empty(t, results[1].Data)

	_, err = UnpackResults(&indexABI, "allPools", results, 2)
	require.ErrorContains(t, err, "allPools call 1 reverted")

	page, err := UnpackResults(&indexABI, "allPools", results[:1], 1)
	require.NoError(t, err)
	require.Equal(t, pool, page[0][0])

	_, err = UnpackResults(&indexABI, "allPools", results[:1], 2)
	require.ErrorContains(t, err, "1 results for 2 calls")
}

func TestPackCallsRejectsBadArgs(t *testing.T) {
	_, err := PackCalls(common.Address{}, &indexABI, "allPools", [][]any{{"zero"}})
	require.ErrorContains(t, err, "packing allPools call 0")
}
