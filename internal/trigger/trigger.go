package trigger

import (
	"context"
	"sync"
	"time"

	"tokenhub/internal/presenter"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Refresher is the presenter surface the trigger drives.
type Refresher interface {
	Name() string
	Inputs() presenter.Inputs
	SetInputs(in presenter.Inputs) bool
	Refresh(ctx context.Context) presenter.RefreshResult
}

// Config holds trigger configuration.
type Config struct {
	// Interval between polling refreshes. Zero disables polling.
	Interval time.Duration
	// EveryNBlocks refreshes after this many new blocks. Zero disables
	// block-driven refreshes.
	EveryNBlocks uint64
}

// Trigger decides when a dashboard refreshes: on mount, on input change, on
// explicit request, on an interval and on new blocks.
//
// Loads run on the trigger's own context, not the caller's. A caller that
// gives up stops waiting but never cancels a load other callers share; only
// Stop cancels loads.
type Trigger struct {
	target Refresher
	cfg    Config

	group  singleflight.Group
	blocks chan uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lastBlock uint64
}

// New creates a trigger for one dashboard.
func New(target Refresher, cfg Config) *Trigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		target: target,
		cfg:    cfg,
		blocks: make(chan uint64, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop cancels in-flight loads. Loads started afterwards fail immediately
// and leave the current snapshot in place.
func (t *Trigger) Stop() {
	t.cancel()
}

// Mount performs the initial load.
func (t *Trigger) Mount(ctx context.Context) presenter.RefreshResult {
	return t.refresh(ctx, "mount")
}

// SetInputs applies new inputs and refreshes only if they changed.
func (t *Trigger) SetInputs(ctx context.Context, in presenter.Inputs) (presenter.RefreshResult, bool) {
	if !t.target.SetInputs(in) {
		return presenter.RefreshResult{}, false
	}
	return t.refresh(ctx, "inputs"), true
}

// Request refreshes on explicit user action.
func (t *Trigger) Request(ctx context.Context) presenter.RefreshResult {
	return t.refresh(ctx, "request")
}

// NotifyBlock hands a new block height to Run. Only the latest height is
// kept if Run falls behind.
func (t *Trigger) NotifyBlock(height uint64) {
	for {
		select {
		case t.blocks <- height:
			return
		default:
		}
		select {
		case <-t.blocks:
		default:
		}
	}
}

// OnBlock refreshes when at least EveryNBlocks blocks passed since the last
// block-driven refresh. It reports whether a refresh ran.
func (t *Trigger) OnBlock(ctx context.Context, height uint64) bool {
	if t.cfg.EveryNBlocks == 0 {
		return false
	}

	t.mu.Lock()
	due := t.lastBlock == 0 || height >= t.lastBlock+t.cfg.EveryNBlocks
	if due {
		t.lastBlock = height
	}
	t.mu.Unlock()

	if !due {
		return false
	}
	t.refresh(ctx, "block")
	return true
}

// Run drives polling and block-driven refreshes until ctx is cancelled,
// then stops the trigger.
func (t *Trigger) Run(ctx context.Context) error {
	defer t.Stop()

	var tick <-chan time.Time
	if t.cfg.Interval > 0 {
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Info().
		Str("dashboard", t.target.Name()).
		Dur("interval", t.cfg.Interval).
		Uint64("every_n_blocks", t.cfg.EveryNBlocks).
		Msg("Refresh trigger started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("dashboard", t.target.Name()).Msg("Refresh trigger stopped")
			return nil
		case <-tick:
			t.refresh(ctx, "interval")
		case height := <-t.blocks:
			t.OnBlock(ctx, height)
		}
	}
}

// refresh coalesces concurrent refreshes for identical inputs into one load
// and waits for it until ctx is done.
func (t *Trigger) refresh(ctx context.Context, reason string) presenter.RefreshResult {
	if err := ctx.Err(); err != nil {
		return presenter.RefreshResult{Err: err}
	}

	key := t.target.Inputs().Key()
	ch := t.group.DoChan(key, func() (any, error) {
		return t.target.Refresh(t.ctx), nil
	})

	select {
	case <-ctx.Done():
		log.Debug().
			Str("dashboard", t.target.Name()).
			Str("reason", reason).
			Msg("Caller stopped waiting, refresh continues")
		return presenter.RefreshResult{Err: ctx.Err()}
	case res := <-ch:
		log.Debug().
			Str("dashboard", t.target.Name()).
			Str("reason", reason).
			Bool("shared", res.Shared).
			Msg("Refresh triggered")
		return res.Val.(presenter.RefreshResult)
	}
}
