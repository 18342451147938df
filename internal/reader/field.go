package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownMethod is returned when a field names a method missing from the instance ABI.
	ErrUnknownMethod = errors.New("method not found in ABI")
	// ErrNoOutputs is returned when a method declares no return values.
	ErrNoOutputs = errors.New("method has no outputs")
	// ErrUnknownOutput is returned when a field selects an output the method does not declare.
	ErrUnknownOutput = errors.New("output not found in method")
	// ErrZeroAddress is returned when a read targets the zero address.
	ErrZeroAddress = errors.New("instance address is zero")
)

// ReadError describes a failed read of one field on one instance.
type ReadError struct {
	Instance common.Address
	Method   string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s on %s: %v", e.Method, e.Instance.Hex(), e.Err)
}

// Unwrap allows the error to be inspected with errors.Is and errors.As.
func (e *ReadError) Unwrap() error {
	return e.Err
}

// FieldSpec describes one read-only call made against every instance of a dashboard.
type FieldSpec struct {
	// Name is the key the value is stored under in a record.
	Name string
	// Method is the ABI method name.
	Method string
	// Args are ABI-typed call arguments.
	Args []any
	// Output selects one named output of a multi-output method.
	Output string
	// Fallback replaces the value when the read fails.
	Fallback any
	// Mandatory fields exclude the whole instance when they fail.
	Mandatory bool
}

// FieldResult is either a value or a failure, never both.
type FieldResult struct {
	Value any
	Err   error
}

// Ok wraps a successfully read value.
func Ok(value any) FieldResult {
	return FieldResult{Value: value}
}

// Failed wraps a read failure.
func Failed(err error) FieldResult {
	if err == nil {
		err = errors.New("read failed")
	}
	return FieldResult{Err: err}
}

// OK reports whether the read succeeded.
func (r FieldResult) OK() bool {
	return r.Err == nil
}

// Reason returns the failure description, or "" on success.
func (r FieldResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Reader performs single field reads. Implementations must not panic or
// return errors out of band: every failure is reported as a failed FieldResult.
type Reader interface {
	Read(ctx context.Context, instance common.Address, spec FieldSpec) FieldResult
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context, instance common.Address, spec FieldSpec) FieldResult

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context, instance common.Address, spec FieldSpec) FieldResult {
	return f(ctx, instance, spec)
}
