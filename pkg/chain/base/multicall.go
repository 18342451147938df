package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical Multicall3 deployment, identical on
// every EVM chain.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Multicall3ABIJSON declares only aggregate3, the one entry point used.
const Multicall3ABIJSON = `[{"type":"function","name":"aggregate3","stateMutability":"payable",
"inputs":[{"name":"calls","type":"tuple[]","components":[
	{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],
"outputs":[{"name":"returnData","type":"tuple[]","components":[
	{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}]`

// Multicall3ABI is the parsed form of Multicall3ABIJSON.
var Multicall3ABI abi.ABI

func init() {
	var err error
	Multicall3ABI, err = abi.JSON(strings.NewReader(Multicall3ABIJSON))
	if err != nil {
		panic("failed to parse Multicall3 ABI: " + err.Error())
	}
}

const (
	maxBatchRetries = 3
	baseRetryDelay  = 100 * time.Millisecond
)

// ContractCall is one call inside a Multicall3 batch.
type ContractCall struct {
	Target   common.Address
	CallData []byte
}

// CallResult is the per-call outcome reported by aggregate3.
type CallResult struct {
	Success bool
	Data    []byte
}

// call3 and result3 mirror the aggregate3 tuples; field order must match.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type result3 struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes calls as an aggregate3 payload. Every call is
// allowed to fail on its own.
func PackAggregate3(calls []ContractCall) ([]byte, error) {
	in := make([]call3, len(calls))
	for i, c := range calls {
		in[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}
	data, err := Multicall3ABI.Pack("aggregate3", in)
	if err != nil {
		return nil, fmt.Errorf("packing aggregate3: %w", err)
	}
	return data, nil
}

// UnpackAggregate3 decodes an aggregate3 return payload.
func UnpackAggregate3(data []byte) ([]CallResult, error) {
	var out []result3
	if err := Multicall3ABI.UnpackIntoInterface(&out, "aggregate3", data); err != nil {
		return nil, fmt.Errorf("unpacking aggregate3: %w", err)
	}
	results := make([]CallResult, len(out))
	for i, r := range out {
		results[i] = CallResult{Success: r.Success, Data: r.ReturnData}
	}
	return results, nil
}

// PackCalls builds one call of method on target per argument list.
func PackCalls(target common.Address, contractABI *abi.ABI, method string, argLists [][]any) ([]ContractCall, error) {
	calls := make([]ContractCall, len(argLists))
	for i, args := range argLists {
		data, err := contractABI.Pack(method, args...)
		if err != nil {
			return nil, fmt.Errorf("packing %s call %d: %w", method, i, err)
		}
		calls[i] = ContractCall{Target: target, CallData: data}
	}
	return calls, nil
}

// UnpackResults decodes every result with method's outputs. Unlike the
// batch itself this is all or nothing: a failed or undecodable call fails
// the page, naming its position.
func UnpackResults(contractABI *abi.ABI, method string, results []CallResult, want int) ([][]any, error) {
	if len(results) != want {
		return nil, fmt.Errorf("batch returned %d results for %d calls", len(results), want)
	}
	out := make([][]any, len(results))
	for i, r := range results {
		if !r.Success {
			return nil, fmt.Errorf("%s call %d reverted", method, i)
		}
		values, err := contractABI.Unpack(method, r.Data)
		if err != nil {
			return nil, fmt.Errorf("unpacking %s call %d: %w", method, i, err)
		}
		out[i] = values
	}
	return out, nil
}

// BatchCallContract runs calls in one aggregate3 eth_call. Individual calls
// may fail without failing the batch; the batch fails only when the
// multicall cannot be executed or decoded. Transient RPC errors are retried.
func (c *Client) BatchCallContract(ctx context.Context, calls []ContractCall) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	data, err := PackAggregate3(calls)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.retryCall(ctx, func() error {
		if err := c.rateLimit(ctx); err != nil {
			return err
		}
		var callErr error
		raw, callErr = c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &Multicall3Address, Data: data}, nil)
		return callErr
	}, maxBatchRetries)
	if err != nil {
		return nil, fmt.Errorf("multicall failed: %w", err)
	}

	return UnpackAggregate3(raw)
}

// retryCall runs fn up to maxRetries times, backing off 100ms, 200ms, 400ms
// between transient failures.
func (c *Client) retryCall(ctx context.Context, fn func() error, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientError(lastErr) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseRetryDelay << attempt):
		}
	}
	return lastErr
}

var transientPatterns = []string{
	"eof",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
}

// isTransientError reports whether err looks like a node or network hiccup
// rather than a revert.
func isTransientError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
