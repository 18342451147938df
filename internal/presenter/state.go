package presenter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tokenhub/internal/aggregator"
	"tokenhub/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Inputs are the external dependencies a load is computed from.
type Inputs struct {
	// Registry overrides the dashboard's configured registry when non-zero.
	Registry common.Address
	// Account is the connected wallet, bound into per-user reads.
	Account common.Address
}

// Key identifies the inputs for request coalescing.
func (in Inputs) Key() string {
	return strings.ToLower(in.Registry.Hex() + ":" + in.Account.Hex())
}

// LoadFunc produces a fresh snapshot for the given inputs. A returned error
// means the instance list could not be resolved at all.
type LoadFunc func(ctx context.Context, in Inputs) (*aggregator.Snapshot, error)

// RefreshResult reports what happened to one refresh.
type RefreshResult struct {
	Generation uint64
	// Applied is false when a newer refresh superseded this one.
	Applied  bool
	Snapshot *aggregator.Snapshot
	Err      error
	Duration time.Duration
}

// View is a consistent read of the presenter members.
type View struct {
	Name      string
	Snapshot  *aggregator.Snapshot
	Visible   []aggregator.InstanceRecord
	Hidden    []common.Address
	IsLoading bool
	LastError string
	Inputs    Inputs
}

// Config holds presenter configuration.
type Config struct {
	Name string
	// KV persists the hidden-instance list. Optional.
	KV KVStore
	// Snapshots persists applied snapshots for warm starts. Optional.
	Snapshots SnapshotStore
}

// State holds the last successful snapshot of one dashboard and applies
// refresh results under a "latest request wins" rule.
type State struct {
	name    string
	load    LoadFunc
	metrics *metrics.Metrics

	kv        KVStore
	snapshots SnapshotStore

	mu         sync.Mutex
	current    *aggregator.Snapshot
	loading    bool
	lastError  string
	generation uint64
	inputs     Inputs
	hidden     map[common.Address]struct{}

	// persistMu orders snapshot saves; persistedGen is the generation of
	// the last saved snapshot.
	persistMu    sync.Mutex
	persistedGen uint64

	subMu       sync.Mutex
	subscribers map[int]chan struct{}
	nextSubID   int
}

// NewState creates a presenter state starting from an empty snapshot.
func NewState(cfg Config, load LoadFunc, m *metrics.Metrics) *State {
	return &State{
		name:        cfg.Name,
		load:        load,
		metrics:     m,
		kv:          cfg.KV,
		snapshots:   cfg.Snapshots,
		current:     aggregator.EmptySnapshot(),
		hidden:      make(map[common.Address]struct{}),
		subscribers: make(map[int]chan struct{}),
	}
}

// Name returns the dashboard name.
func (s *State) Name() string {
	return s.name
}

// Current returns the last successful snapshot.
func (s *State) Current() *aggregator.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// IsLoading reports whether the most recently started refresh is still pending.
func (s *State) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastError returns the summary of the last failed refresh, or "".
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Inputs returns the inputs the next refresh will use.
func (s *State) Inputs() Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs
}

// SetInputs replaces the inputs and reports whether they changed.
func (s *State) SetInputs(in Inputs) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputs == in {
		return false
	}
	s.inputs = in
	return true
}

// View returns all members read under one lock, with hidden instances
// filtered out of the visible records.
func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := make([]aggregator.InstanceRecord, 0, len(s.current.Records))
	for _, rec := range s.current.Records {
		if _, hidden := s.hidden[rec.Address]; hidden {
			continue
		}
		visible = append(visible, rec)
	}

	return View{
		Name:      s.name,
		Snapshot:  s.current,
		Visible:   visible,
		Hidden:    s.hiddenListLocked(),
		IsLoading: s.loading,
		LastError: s.lastError,
		Inputs:    s.inputs,
	}
}

// Refresh loads a new snapshot with the current inputs. It may be called
// while another refresh is in flight: only the most recently started
// refresh is applied, earlier ones are discarded when they complete.
func (s *State) Refresh(ctx context.Context) RefreshResult {
	startTime := time.Now()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	in := s.inputs
	s.loading = true
	s.mu.Unlock()
	s.notify()

	snap, err := s.load(ctx, in)
	if err == nil && snap == nil {
		err = fmt.Errorf("load returned no snapshot")
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.recordRefresh(metrics.RefreshStale, startTime)
		log.Debug().
			Str("dashboard", s.name).
			Uint64("generation", gen).
			Err(err).
			Msg("Discarding stale refresh result")
		return RefreshResult{Generation: gen, Snapshot: snap, Err: err, Duration: time.Since(startTime)}
	}

	s.loading = false
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.current = snap
		s.lastError = ""
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.recordRefresh(metrics.RefreshFailed, startTime)
		log.Warn().
			Str("dashboard", s.name).
			Uint64("generation", gen).
			Err(err).
			Msg("Refresh failed, keeping previous snapshot")
		return RefreshResult{Generation: gen, Applied: true, Err: err, Duration: time.Since(startTime)}
	}

	s.recordRefresh(metrics.RefreshApplied, startTime)
	if s.metrics != nil {
		s.metrics.SetSnapshotRecords(s.name, snap.Len())
	}
	s.persist(ctx, gen, snap)

	log.Info().
		Str("dashboard", s.name).
		Uint64("generation", gen).
		Int("attempted", snap.Attempted).
		Int("succeeded", snap.Succeeded).
		Dur("duration", time.Since(startTime)).
		Msg("Snapshot refreshed")

	return RefreshResult{Generation: gen, Applied: true, Snapshot: snap, Duration: time.Since(startTime)}
}

func (s *State) recordRefresh(result string, startTime time.Time) {
	if s.metrics != nil {
		s.metrics.RecordRefresh(s.name, result, time.Since(startTime))
	}
}

// Subscribe returns a channel signalled after every state change and a
// function releasing it. Signals are coalesced: a slow reader sees one
// pending signal, never a backlog.
func (s *State) Subscribe() (<-chan struct{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *State) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
