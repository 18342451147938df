package models

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Value kinds used by the persisted snapshot codec. KindFixedBytes holds
// bytesN values, which go-ethereum unpacks as [N]byte.
const (
	KindInteger    = "integer"
	KindAddress    = "address"
	KindAddresses  = "address[]"
	KindString     = "string"
	KindBool       = "bool"
	KindBytes      = "bytes"
	KindFixedBytes = "bytesN"
	KindText       = "text"
	KindNull       = "null"
)

// TypedValue is a JSON-safe representation of a contract value.
type TypedValue struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// FormatUnits renders an integer amount with the given number of decimals,
// e.g. 1500000 with 6 decimals is "1.5".
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseUnits is the inverse of FormatUnits. Digits beyond the token's
// precision are truncated.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// AsInteger converts integer-like contract values to a big.Int.
func AsInteger(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Int).Set(n), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case int:
		return big.NewInt(int64(n)), true
	}
	return nil, false
}

// FormatValue renders a contract value for display. Integers are rendered
// in base 10 so they never lose precision in JSON consumers.
func FormatValue(v any) string {
	if n, ok := AsInteger(v); ok {
		return n.String()
	}
	switch x := v.(type) {
	case nil:
		return ""
	case common.Address:
		return x.Hex()
	case []common.Address:
		parts := make([]string, len(x))
		for i, a := range x {
			parts[i] = a.Hex()
		}
		return strings.Join(parts, ",")
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return "0x" + hex.EncodeToString(x)
	}
	if b, ok := fixedBytes(v); ok {
		// Older tokens return name and symbol as zero-padded bytes32.
		if text, ok := paddedText(b); ok {
			return text
		}
		return "0x" + hex.EncodeToString(b)
	}
	return fmt.Sprint(v)
}

// fixedBytes returns the contents of a [N]byte value.
func fixedBytes(v any) ([]byte, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, false
	}
	b := make([]byte, rv.Len())
	reflect.Copy(reflect.ValueOf(b), rv)
	return b, true
}

// paddedText reads b as printable text followed by zero padding.
func paddedText(b []byte) (string, bool) {
	text := strings.TrimRight(string(b), "\x00")
	if text == "" {
		return "", false
	}
	for _, r := range text {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return "", false
		}
	}
	return text, true
}

// EncodeValue converts a contract value into its persisted form.
func EncodeValue(v any) TypedValue {
	if n, ok := AsInteger(v); ok {
		return TypedValue{Kind: KindInteger, Value: n.String()}
	}
	switch x := v.(type) {
	case nil:
		return TypedValue{Kind: KindNull}
	case common.Address:
		return TypedValue{Kind: KindAddress, Value: x.Hex()}
	case []common.Address:
		return TypedValue{Kind: KindAddresses, Value: FormatValue(x)}
	case string:
		return TypedValue{Kind: KindString, Value: x}
	case bool:
		return TypedValue{Kind: KindBool, Value: strconv.FormatBool(x)}
	case []byte:
		return TypedValue{Kind: KindBytes, Value: FormatValue(x)}
	}
	if b, ok := fixedBytes(v); ok {
		return TypedValue{Kind: KindFixedBytes, Value: "0x" + hex.EncodeToString(b)}
	}
	return TypedValue{Kind: KindText, Value: fmt.Sprint(v)}
}

// DecodeValue restores a persisted value. Integers come back as *big.Int
// regardless of their original width.
func DecodeValue(tv TypedValue) (any, error) {
	switch tv.Kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		n, ok := new(big.Int).SetString(tv.Value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", tv.Value)
		}
		return n, nil
	case KindAddress:
		if !common.IsHexAddress(tv.Value) {
			return nil, fmt.Errorf("invalid address %q", tv.Value)
		}
		return common.HexToAddress(tv.Value), nil
	case KindAddresses:
		if tv.Value == "" {
			return []common.Address{}, nil
		}
		parts := strings.Split(tv.Value, ",")
		out := make([]common.Address, len(parts))
		for i, p := range parts {
			if !common.IsHexAddress(p) {
				return nil, fmt.Errorf("invalid address %q", p)
			}
			out[i] = common.HexToAddress(p)
		}
		return out, nil
	case KindString, KindText:
		return tv.Value, nil
	case KindBool:
		return strconv.ParseBool(tv.Value)
	case KindBytes:
		return hex.DecodeString(strings.TrimPrefix(tv.Value, "0x"))
	case KindFixedBytes:
		b, err := hex.DecodeString(strings.TrimPrefix(tv.Value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid fixed bytes %q: %w", tv.Value, err)
		}
		if len(b) == 0 || len(b) > 32 {
			return nil, fmt.Errorf("fixed bytes length %d out of range", len(b))
		}
		arr := reflect.New(reflect.ArrayOf(len(b), reflect.TypeOf(byte(0)))).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	}
	return nil, fmt.Errorf("unknown value kind %q", tv.Kind)
}
