package aggregator

import (
	"context"
	"sync"
	"time"

	"tokenhub/internal/metrics"
	"tokenhub/internal/reader"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrency = 16

// Config holds aggregator configuration.
type Config struct {
	// Name labels logs and metrics, usually the dashboard name.
	Name string
	// MaxConcurrency bounds the number of instances read at once.
	MaxConcurrency int
}

// Aggregator reads a fixed set of fields from many instances and assembles
// one record per instance.
type Aggregator struct {
	name           string
	reader         reader.Reader
	maxConcurrency int
	metrics        *metrics.Metrics

	now func() time.Time
}

// New creates an aggregator reading through r.
func New(r reader.Reader, cfg Config, m *metrics.Metrics) *Aggregator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return &Aggregator{
		name:           cfg.Name,
		reader:         r,
		maxConcurrency: cfg.MaxConcurrency,
		metrics:        m,
		now:            time.Now,
	}
}

// instanceOutcome is the per-instance result before assembly.
type instanceOutcome struct {
	skipped   bool
	record    InstanceRecord
	exclusion *Exclusion
}

// Aggregate reads every spec on every instance. Instances whose mandatory
// fields all succeed are returned in input order; the others are listed in
// Excluded. Zero addresses are skipped and not counted as attempted.
func (a *Aggregator) Aggregate(ctx context.Context, instances []common.Address, specs []reader.FieldSpec) *Snapshot {
	startTime := a.now()
	outcomes := make([]instanceOutcome, len(instances))

	var g errgroup.Group
	g.SetLimit(a.maxConcurrency)

	for i, instance := range instances {
		if instance == (common.Address{}) {
			outcomes[i].skipped = true
			continue
		}
		i, instance := i, instance
		g.Go(func() error {
			outcomes[i] = a.readInstance(ctx, instance, specs)
			return nil
		})
	}
	// Goroutines never return errors; failures live in the outcomes.
	_ = g.Wait()

	snap := &Snapshot{
		Records:  make([]InstanceRecord, 0, len(instances)),
		Excluded: []Exclusion{},
		TakenAt:  startTime,
	}
	for _, outcome := range outcomes {
		if outcome.skipped {
			continue
		}
		snap.Attempted++
		if outcome.exclusion != nil {
			snap.Excluded = append(snap.Excluded, *outcome.exclusion)
			continue
		}
		snap.Succeeded++
		snap.Records = append(snap.Records, outcome.record)
	}

	elapsed := time.Since(startTime)
	if a.metrics != nil {
		a.metrics.RecordAggregationLatency(a.name, elapsed)
	}

	log.Debug().
		Str("dashboard", a.name).
		Int("attempted", snap.Attempted).
		Int("succeeded", snap.Succeeded).
		Int("fields", len(specs)).
		Dur("elapsed", elapsed).
		Msg("Aggregation complete")

	return snap
}

// readInstance reads all fields of one instance concurrently.
func (a *Aggregator) readInstance(ctx context.Context, instance common.Address, specs []reader.FieldSpec) instanceOutcome {
	results := make([]reader.FieldResult, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		i, spec := i, spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = a.reader.Read(ctx, instance, spec)
		}()
	}
	wg.Wait()

	record := InstanceRecord{
		Address:  instance,
		Fields:   make(map[string]any, len(specs)),
		Failures: make(map[string]string),
	}

	var exclusion *Exclusion
	for i, spec := range specs {
		result := results[i]
		if a.metrics != nil {
			a.metrics.RecordFieldRead(a.name, result.OK())
		}

		if result.OK() {
			record.Fields[spec.Name] = result.Value
			continue
		}

		if spec.Mandatory {
			// First mandatory failure in spec order is the reported cause.
			if exclusion == nil {
				exclusion = &Exclusion{Address: instance, Field: spec.Name, Reason: result.Reason()}
			}
			continue
		}

		record.Fields[spec.Name] = spec.Fallback
		record.Failures[spec.Name] = result.Reason()
		log.Debug().
			Str("dashboard", a.name).
			Str("instance", instance.Hex()).
			Str("field", spec.Name).
			Str("reason", result.Reason()).
			Msg("Field read failed, using fallback")
	}

	if exclusion != nil {
		if a.metrics != nil {
			a.metrics.RecordInstanceExcluded(a.name)
		}
		log.Debug().
			Str("dashboard", a.name).
			Str("instance", instance.Hex()).
			Str("field", exclusion.Field).
			Str("reason", exclusion.Reason).
			Msg("Mandatory field failed, excluding instance")
		return instanceOutcome{exclusion: exclusion}
	}

	return instanceOutcome{record: record}
}
