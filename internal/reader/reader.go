package reader

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller executes raw eth_call requests.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ContractReader reads fields through an ABI. It is safe for concurrent use.
type ContractReader struct {
	caller  Caller
	abi     *abi.ABI
	timeout time.Duration
}

// NewContractReader creates a reader for instances implementing contractABI.
// A positive timeout bounds every call.
func NewContractReader(caller Caller, contractABI *abi.ABI, timeout time.Duration) *ContractReader {
	return &ContractReader{
		caller:  caller,
		abi:     contractABI,
		timeout: timeout,
	}
}

// ABI returns the ABI the reader packs calls with.
func (r *ContractReader) ABI() *abi.ABI {
	return r.abi
}

// Read performs one call of spec.Method on instance. It never retries.
func (r *ContractReader) Read(ctx context.Context, instance common.Address, spec FieldSpec) FieldResult {
	fail := func(err error) FieldResult {
		return Failed(&ReadError{Instance: instance, Method: spec.Method, Err: err})
	}

	if instance == (common.Address{}) {
		return fail(ErrZeroAddress)
	}

	method, ok := r.abi.Methods[spec.Method]
	if !ok {
		return fail(ErrUnknownMethod)
	}
	if len(method.Outputs) == 0 {
		return fail(ErrNoOutputs)
	}

	callData, err := r.abi.Pack(spec.Method, spec.Args...)
	if err != nil {
		return fail(fmt.Errorf("packing call: %w", err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.caller.CallContract(ctx, instance, callData)
	if err != nil {
		return fail(err)
	}

	values, err := method.Outputs.Unpack(result)
	if err != nil {
		return fail(fmt.Errorf("unpacking result: %w", err))
	}

	value, err := selectOutput(method, values, spec.Output)
	if err != nil {
		return fail(err)
	}
	return Ok(value)
}

// selectOutput picks the field value out of the unpacked outputs.
func selectOutput(method abi.Method, values []any, output string) (any, error) {
	if output != "" {
		for i, arg := range method.Outputs {
			if arg.Name == output && i < len(values) {
				return values[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutput, output)
	}

	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}
