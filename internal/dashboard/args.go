package dashboard

import (
	"fmt"
	"strings"

	"tokenhub/internal/presenter"
	"tokenhub/internal/reader"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Argument placeholders bound from the refresh inputs at load time.
const (
	PlaceholderAccount  = "$account"
	PlaceholderRegistry = "$registry"
)

// argTemplate is one call argument: either a value converted at startup or
// a placeholder bound per load.
type argTemplate struct {
	value       any
	placeholder string
}

// compileArgs converts configured arguments against the method inputs.
func compileArgs(method abi.Method, raw []string) ([]argTemplate, error) {
	if len(raw) != len(method.Inputs) {
		return nil, fmt.Errorf("method %s takes %d arguments, got %d", method.Name, len(method.Inputs), len(raw))
	}
	return compileArgList(method.Name, method.Inputs, raw)
}

func compileArgList(methodName string, inputs abi.Arguments, raw []string) ([]argTemplate, error) {
	out := make([]argTemplate, len(raw))
	for i, s := range raw {
		typ := inputs[i].Type
		s = strings.TrimSpace(s)

		if strings.HasPrefix(s, "$") {
			if s != PlaceholderAccount && s != PlaceholderRegistry {
				return nil, fmt.Errorf("%s argument %d: unknown placeholder %q", methodName, i, s)
			}
			if typ.T != abi.AddressTy {
				return nil, fmt.Errorf("%s argument %d: placeholder %s needs an address parameter, got %s", methodName, i, s, typ.String())
			}
			out[i] = argTemplate{placeholder: s}
			continue
		}

		v, err := reader.ConvertArg(typ, s)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", methodName, i, err)
		}
		out[i] = argTemplate{value: v}
	}
	return out, nil
}

// bindArgs produces call arguments for one load.
func bindArgs(templates []argTemplate, in presenter.Inputs, registry common.Address) []any {
	if len(templates) == 0 {
		return nil
	}
	args := make([]any, len(templates))
	for i, t := range templates {
		switch t.placeholder {
		case PlaceholderAccount:
			args[i] = in.Account
		case PlaceholderRegistry:
			args[i] = registry
		default:
			args[i] = t.value
		}
	}
	return args
}

func usesPlaceholder(templates []argTemplate, placeholder string) bool {
	for _, t := range templates {
		if t.placeholder == placeholder {
			return true
		}
	}
	return false
}
