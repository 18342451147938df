package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenhub/internal/aggregator"
	"tokenhub/internal/config"
	"tokenhub/internal/metrics"
	"tokenhub/internal/presenter"
	"tokenhub/internal/reader"
	"tokenhub/internal/resolver"
	"tokenhub/internal/trigger"
	"tokenhub/pkg/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ErrNoAccount fails account-bound fields while no wallet is connected.
var ErrNoAccount = errors.New("no account connected")

// Chain is the RPC surface dashboards read through.
type Chain interface {
	reader.Caller
	resolver.Batcher
}

// Options are the settings shared by every dashboard.
type Options struct {
	CallTimeout    time.Duration
	MaxConcurrency int
	Refresh        trigger.Config
	KV             presenter.KVStore
	Snapshots      presenter.SnapshotStore
	Metrics        *metrics.Metrics
}

// Column describes one field for presentation.
type Column struct {
	Name         string
	Mandatory    bool
	Decimals     *int32
	DecimalsFrom string
}

type field struct {
	spec        reader.FieldSpec
	args        []argTemplate
	usesAccount bool
	column      Column
}

// Dashboard is one configured aggregated view: a registry, the instance
// fields read from every entry, and the presenter state holding the result.
type Dashboard struct {
	name     string
	registry common.Address

	resolver     resolver.Resolver
	resolverArgs []argTemplate
	instances    reader.Reader
	fields       []field

	maxConcurrency int
	metrics        *metrics.Metrics

	state   *presenter.State
	trigger *trigger.Trigger
}

// New builds a dashboard from configuration.
func New(cfg config.DashboardConfig, chain Chain, opts Options) (*Dashboard, error) {
	instanceABI, err := contracts.Lookup(cfg.InstanceABI)
	if err != nil {
		return nil, fmt.Errorf("dashboard %s: instance abi: %w", cfg.Name, err)
	}
	registryABI, err := contracts.Lookup(cfg.Resolver.ABI)
	if err != nil {
		return nil, fmt.Errorf("dashboard %s: resolver abi: %w", cfg.Name, err)
	}

	d := &Dashboard{
		name:           cfg.Name,
		instances:      reader.NewContractReader(chain, instanceABI, opts.CallTimeout),
		maxConcurrency: opts.MaxConcurrency,
		metrics:        opts.Metrics,
	}
	if cfg.Registry != "" {
		d.registry = common.HexToAddress(cfg.Registry)
	}

	if err := d.buildResolver(cfg.Resolver, chain, registryABI, opts.CallTimeout); err != nil {
		return nil, fmt.Errorf("dashboard %s: %w", cfg.Name, err)
	}

	for _, fc := range cfg.Fields {
		f, err := buildField(instanceABI, fc)
		if err != nil {
			return nil, fmt.Errorf("dashboard %s: field %s: %w", cfg.Name, fc.Name, err)
		}
		d.fields = append(d.fields, f)
	}

	d.state = presenter.NewState(presenter.Config{
		Name:      cfg.Name,
		KV:        opts.KV,
		Snapshots: opts.Snapshots,
	}, d.Load, opts.Metrics)
	d.trigger = trigger.New(d.state, opts.Refresh)

	return d, nil
}

func (d *Dashboard) buildResolver(rc config.ResolverConfig, chain Chain, registryABI *abi.ABI, timeout time.Duration) error {
	registryReader := reader.NewContractReader(chain, registryABI, timeout)

	switch rc.Kind {
	case config.ResolverList:
		method, ok := registryABI.Methods[rc.Method]
		if !ok {
			return fmt.Errorf("resolver: %w: %s", reader.ErrUnknownMethod, rc.Method)
		}
		outType, err := reader.OutputType(registryABI, rc.Method, "")
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		if outType.T != abi.SliceTy || outType.Elem == nil || outType.Elem.T != abi.AddressTy {
			return fmt.Errorf("resolver: %s returns %s, want address[]", rc.Method, outType.String())
		}
		args, err := compileArgs(method, rc.Args)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		d.resolver = resolver.NewListResolver(registryReader, rc.Method)
		d.resolverArgs = args

	case config.ResolverIndexed:
		ic := resolver.IndexedConfig{
			LengthMethod:   rc.LengthMethod,
			IndexMethod:    rc.IndexMethod,
			PageSize:       rc.PageSize,
			MaxConcurrency: rc.MaxConcurrency,
		}
		if rc.Batch {
			ic.Batcher = chain
		}
		r, err := resolver.NewIndexedResolver(registryReader, registryABI, ic)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		args, err := compileArgs(registryABI.Methods[rc.LengthMethod], rc.Args)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		d.resolver = r
		d.resolverArgs = args

	default:
		return fmt.Errorf("resolver: unknown kind %q", rc.Kind)
	}
	return nil
}

func buildField(instanceABI *abi.ABI, fc config.FieldConfig) (field, error) {
	method, ok := instanceABI.Methods[fc.Method]
	if !ok {
		return field{}, fmt.Errorf("%w: %s", reader.ErrUnknownMethod, fc.Method)
	}
	outType, err := reader.OutputType(instanceABI, fc.Method, fc.Output)
	if err != nil {
		return field{}, err
	}
	args, err := compileArgs(method, fc.Args)
	if err != nil {
		return field{}, err
	}

	var fallback any
	if !fc.Mandatory {
		if fc.Fallback != nil {
			fallback, err = reader.ConvertArg(outType, *fc.Fallback)
			if err != nil {
				return field{}, fmt.Errorf("fallback: %w", err)
			}
		} else {
			fallback = reader.ZeroValue(outType)
		}
	}

	return field{
		spec: reader.FieldSpec{
			Name:      fc.Name,
			Method:    fc.Method,
			Output:    fc.Output,
			Fallback:  fallback,
			Mandatory: fc.Mandatory,
		},
		args:        args,
		usesAccount: usesPlaceholder(args, PlaceholderAccount),
		column: Column{
			Name:         fc.Name,
			Mandatory:    fc.Mandatory,
			Decimals:     fc.Decimals,
			DecimalsFrom: fc.DecimalsFrom,
		},
	}, nil
}

// Name returns the dashboard name.
func (d *Dashboard) Name() string {
	return d.name
}

// Registry returns the configured default registry.
func (d *Dashboard) Registry() common.Address {
	return d.registry
}

// State returns the presenter state.
func (d *Dashboard) State() *presenter.State {
	return d.state
}

// Trigger returns the refresh trigger.
func (d *Dashboard) Trigger() *trigger.Trigger {
	return d.trigger
}

// Columns returns the field layout in configuration order.
func (d *Dashboard) Columns() []Column {
	cols := make([]Column, len(d.fields))
	for i, f := range d.fields {
		cols[i] = f.column
	}
	return cols
}

// Load resolves the registry's instances and aggregates every field.
// Resolution failures and cancellation are returned as errors; field
// failures are part of the snapshot.
func (d *Dashboard) Load(ctx context.Context, in presenter.Inputs) (*aggregator.Snapshot, error) {
	registry := in.Registry
	if registry == (common.Address{}) {
		registry = d.registry
	}

	instances, err := d.resolver.Resolve(ctx, registry, bindArgs(d.resolverArgs, in, registry)...)
	if err != nil {
		return nil, err
	}

	specs := make([]reader.FieldSpec, len(d.fields))
	needsAccount := make(map[string]bool)
	for i, f := range d.fields {
		spec := f.spec
		spec.Args = bindArgs(f.args, in, registry)
		specs[i] = spec
		if f.usesAccount {
			needsAccount[f.spec.Name] = true
		}
	}

	r := d.instances
	if in.Account == (common.Address{}) && len(needsAccount) > 0 {
		base := d.instances
		r = reader.ReaderFunc(func(ctx context.Context, instance common.Address, spec reader.FieldSpec) reader.FieldResult {
			if needsAccount[spec.Name] {
				return reader.Failed(ErrNoAccount)
			}
			return base.Read(ctx, instance, spec)
		})
	}

	log.Debug().
		Str("dashboard", d.name).
		Str("registry", registry.Hex()).
		Int("instances", len(instances)).
		Msg("Resolved instances")

	agg := aggregator.New(r, aggregator.Config{Name: d.name, MaxConcurrency: d.maxConcurrency}, d.metrics)
	snap := agg.Aggregate(ctx, instances, specs)

	// Reads cut short by cancellation say nothing about the instances.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load cancelled: %w", err)
	}
	return snap, nil
}
