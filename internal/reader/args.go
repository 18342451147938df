package reader

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConvertArg converts a textual configuration value into the Go type the ABI
// packer expects for typ.
func ConvertArg(typ abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(raw), nil

	case abi.UintTy, abi.IntTy:
		return convertInteger(typ, raw)

	case abi.BoolTy:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q", raw)
		}
		return b, nil

	case abi.StringTy:
		return raw, nil

	case abi.BytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes %q: %w", raw, err)
		}
		return b, nil

	case abi.FixedBytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes%d %q: %w", typ.Size, raw, err)
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("bytes%d needs %d bytes, got %d", typ.Size, typ.Size, len(b))
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	}

	return nil, fmt.Errorf("unsupported argument type %s", typ.String())
}

func convertInteger(typ abi.Type, raw string) (any, error) {
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}

	if typ.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for %s", n, typ.String())
		}
		if n.BitLen() > typ.Size {
			return nil, fmt.Errorf("value %s overflows %s", n, typ.String())
		}
		switch typ.Size {
		case 8:
			return uint8(n.Uint64()), nil
		case 16:
			return uint16(n.Uint64()), nil
		case 32:
			return uint32(n.Uint64()), nil
		case 64:
			return n.Uint64(), nil
		}
		return n, nil
	}

	// Signed: one bit is reserved for the sign.
	if n.BitLen() > typ.Size-1 {
		return nil, fmt.Errorf("value %s overflows %s", n, typ.String())
	}
	switch typ.Size {
	case 8:
		return int8(n.Int64()), nil
	case 16:
		return int16(n.Int64()), nil
	case 32:
		return int32(n.Int64()), nil
	case 64:
		return n.Int64(), nil
	}
	return n, nil
}

// ZeroValue returns the zero value of typ as produced by the ABI unpacker.
// Big integers are returned as non-nil zero.
func ZeroValue(typ abi.Type) any {
	if (typ.T == abi.UintTy || typ.T == abi.IntTy) && typ.Size > 64 {
		return new(big.Int)
	}
	goType := typ.GetType()
	if goType.Kind() == reflect.Slice {
		return reflect.MakeSlice(goType, 0, 0).Interface()
	}
	return reflect.Zero(goType).Interface()
}

// OutputType returns the type of the value a FieldSpec with the given method
// and output name yields.
func OutputType(contractABI *abi.ABI, method, output string) (abi.Type, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return abi.Type{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if len(m.Outputs) == 0 {
		return abi.Type{}, fmt.Errorf("%w: %s", ErrNoOutputs, method)
	}
	if output == "" {
		if len(m.Outputs) > 1 {
			return abi.Type{}, fmt.Errorf("method %s has %d outputs, select one with output", method, len(m.Outputs))
		}
		return m.Outputs[0].Type, nil
	}
	for _, arg := range m.Outputs {
		if arg.Name == output {
			return arg.Type, nil
		}
	}
	return abi.Type{}, fmt.Errorf("%w: %s.%s", ErrUnknownOutput, method, output)
}
