package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"tokenhub/internal/reader"
	"tokenhub/pkg/chain/base"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize       = 100
	defaultMaxConcurrency = 8

	// maxIndexedInstances caps a length read so a corrupt value cannot
	// schedule an unbounded number of index reads.
	maxIndexedInstances = 1 << 20
)

// ErrNoRegistry is returned when no registry address is available.
var ErrNoRegistry = errors.New("registry address is zero")

// ResolutionError is returned when the registry itself cannot be read.
// It means the whole instance list is unavailable, as opposed to a single
// instance field failing.
type ResolutionError struct {
	Registry common.Address
	Method   string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving instances via %s on %s: %v", e.Method, e.Registry.Hex(), e.Err)
}

// Unwrap allows the error to be inspected with errors.Is and errors.As.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver lists the instances known to a registry, in registry order.
type Resolver interface {
	Resolve(ctx context.Context, registry common.Address, args ...any) ([]common.Address, error)
}

// Batcher executes Multicall3 batches.
type Batcher interface {
	BatchCallContract(ctx context.Context, calls []base.ContractCall) ([]base.CallResult, error)
}

// ListResolver reads the whole instance list with one call returning address[].
type ListResolver struct {
	reader reader.Reader
	method string
}

// NewListResolver creates a resolver calling method on the registry.
func NewListResolver(r reader.Reader, method string) *ListResolver {
	return &ListResolver{reader: r, method: method}
}

// Resolve returns the registry's instances. An empty registry is not an error.
func (l *ListResolver) Resolve(ctx context.Context, registry common.Address, args ...any) ([]common.Address, error) {
	fail := func(err error) ([]common.Address, error) {
		return nil, &ResolutionError{Registry: registry, Method: l.method, Err: err}
	}

	if registry == (common.Address{}) {
		return fail(ErrNoRegistry)
	}

	result := l.reader.Read(ctx, registry, reader.FieldSpec{Name: l.method, Method: l.method, Args: args})
	if !result.OK() {
		return fail(result.Err)
	}

	addresses, ok := result.Value.([]common.Address)
	if !ok {
		return fail(fmt.Errorf("unexpected result type %T, want address[]", result.Value))
	}

	return dropZero(addresses), nil
}

// IndexedResolver enumerates instances with a length method and an index
// method, e.g. allPoolsLength() and allPools(uint256).
type IndexedResolver struct {
	reader       reader.Reader
	abi          *abi.ABI
	lengthMethod string
	indexMethod  string

	batcher        Batcher
	pageSize       int
	maxConcurrency int
}

// IndexedConfig configures an IndexedResolver.
type IndexedConfig struct {
	LengthMethod string
	IndexMethod  string
	// Batcher, when set, reads index pages through Multicall3.
	Batcher Batcher
	// PageSize is the number of index reads per multicall.
	PageSize int
	// MaxConcurrency bounds concurrent index reads without a batcher.
	MaxConcurrency int
}

// NewIndexedResolver creates an enumerating resolver for registries implementing contractABI.
func NewIndexedResolver(r reader.Reader, contractABI *abi.ABI, cfg IndexedConfig) (*IndexedResolver, error) {
	if _, ok := contractABI.Methods[cfg.LengthMethod]; !ok {
		return nil, fmt.Errorf("%w: %s", reader.ErrUnknownMethod, cfg.LengthMethod)
	}
	m, ok := contractABI.Methods[cfg.IndexMethod]
	if !ok {
		return nil, fmt.Errorf("%w: %s", reader.ErrUnknownMethod, cfg.IndexMethod)
	}
	if len(m.Inputs) == 0 {
		return nil, fmt.Errorf("index method %s takes no index argument", cfg.IndexMethod)
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}

	return &IndexedResolver{
		reader:         r,
		abi:            contractABI,
		lengthMethod:   cfg.LengthMethod,
		indexMethod:    cfg.IndexMethod,
		batcher:        cfg.Batcher,
		pageSize:       cfg.PageSize,
		maxConcurrency: cfg.MaxConcurrency,
	}, nil
}

// Resolve reads the length, then every index. args are passed to the length
// method and appended after the index for the index method. Any failed read
// fails the whole resolution.
func (r *IndexedResolver) Resolve(ctx context.Context, registry common.Address, args ...any) ([]common.Address, error) {
	startTime := time.Now()

	if registry == (common.Address{}) {
		return nil, &ResolutionError{Registry: registry, Method: r.lengthMethod, Err: ErrNoRegistry}
	}

	total, err := r.length(ctx, registry, args)
	if err != nil {
		return nil, &ResolutionError{Registry: registry, Method: r.lengthMethod, Err: err}
	}
	if total == 0 {
		return []common.Address{}, nil
	}

	var addresses []common.Address
	if r.batcher != nil {
		addresses, err = r.fetchBatched(ctx, registry, total, args)
	} else {
		addresses, err = r.fetchConcurrent(ctx, registry, total, args)
	}
	if err != nil {
		return nil, &ResolutionError{Registry: registry, Method: r.indexMethod, Err: err}
	}

	log.Debug().
		Str("registry", registry.Hex()).
		Int("total", total).
		Bool("batched", r.batcher != nil).
		Dur("elapsed", time.Since(startTime)).
		Msg("Enumerated registry instances")

	return dropZero(addresses), nil
}

// length returns the number of instances in the registry.
func (r *IndexedResolver) length(ctx context.Context, registry common.Address, args []any) (int, error) {
	result := r.reader.Read(ctx, registry, reader.FieldSpec{
		Name:   r.lengthMethod,
		Method: r.lengthMethod,
		Args:   args,
	})
	if !result.OK() {
		return 0, result.Err
	}

	n, err := toInt(result.Value)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxIndexedInstances {
		return 0, fmt.Errorf("instance count %d out of range", n)
	}
	return n, nil
}

// indexArgs builds the index method arguments for position i.
func (r *IndexedResolver) indexArgs(i int, args []any) ([]any, error) {
	idx, err := reader.ConvertArg(r.abi.Methods[r.indexMethod].Inputs[0].Type, strconv.Itoa(i))
	if err != nil {
		return nil, fmt.Errorf("converting index %d: %w", i, err)
	}
	return append([]any{idx}, args...), nil
}

// fetchBatched reads index pages through Multicall3.
func (r *IndexedResolver) fetchBatched(ctx context.Context, registry common.Address, total int, args []any) ([]common.Address, error) {
	addresses := make([]common.Address, 0, total)

	for start := 0; start < total; start += r.pageSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + r.pageSize
		if end > total {
			end = total
		}

		argLists := make([][]any, end-start)
		for i := start; i < end; i++ {
			callArgs, err := r.indexArgs(i, args)
			if err != nil {
				return nil, err
			}
			argLists[i-start] = callArgs
		}

		calls, err := base.PackCalls(registry, r.abi, r.indexMethod, argLists)
		if err != nil {
			return nil, err
		}
		results, err := r.batcher.BatchCallContract(ctx, calls)
		if err != nil {
			return nil, fmt.Errorf("batch call failed at offset %d: %w", start, err)
		}
		page, err := base.UnpackResults(r.abi, r.indexMethod, results, len(calls))
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", start, err)
		}

		for j, values := range page {
			if len(values) == 0 {
				return nil, fmt.Errorf("index %d: %w", start+j, reader.ErrNoOutputs)
			}
			addr, ok := values[0].(common.Address)
			if !ok {
				return nil, fmt.Errorf("index %d: unexpected result type %T", start+j, values[0])
			}
			addresses = append(addresses, addr)
		}
	}

	return addresses, nil
}

// fetchConcurrent reads every index with individual calls.
func (r *IndexedResolver) fetchConcurrent(ctx context.Context, registry common.Address, total int, args []any) ([]common.Address, error) {
	addresses := make([]common.Address, total)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)

	for i := 0; i < total; i++ {
		i := i
		callArgs, err := r.indexArgs(i, args)
		if err != nil {
			return nil, err
		}

		g.Go(func() error {
			result := r.reader.Read(gCtx, registry, reader.FieldSpec{
				Name:   r.indexMethod,
				Method: r.indexMethod,
				Args:   callArgs,
			})
			if !result.OK() {
				return fmt.Errorf("index %d: %w", i, result.Err)
			}
			addr, ok := result.Value.(common.Address)
			if !ok {
				return fmt.Errorf("index %d: unexpected result type %T", i, result.Value)
			}
			addresses[i] = addr
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return addresses, nil
}

// dropZero removes zero addresses, preserving order.
func dropZero(addresses []common.Address) []common.Address {
	out := make([]common.Address, 0, len(addresses))
	for _, addr := range addresses {
		if addr == (common.Address{}) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil || !n.IsInt64() {
			return 0, fmt.Errorf("length %v does not fit in int64", n)
		}
		return int(n.Int64()), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		if n > maxIndexedInstances {
			return 0, fmt.Errorf("instance count %d out of range", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	}
	return 0, fmt.Errorf("unexpected length type %T", v)
}
