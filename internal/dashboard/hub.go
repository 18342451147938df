package dashboard

import (
	"context"
	"fmt"

	"tokenhub/internal/config"
	"tokenhub/internal/heads"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Hub owns every configured dashboard.
type Hub struct {
	dashboards []*Dashboard
	byName     map[string]*Dashboard
}

// NewHub builds one dashboard per configuration entry.
func NewHub(cfgs []config.DashboardConfig, chain Chain, opts Options) (*Hub, error) {
	h := &Hub{byName: make(map[string]*Dashboard, len(cfgs))}
	for _, cfg := range cfgs {
		if _, dup := h.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate dashboard %q", cfg.Name)
		}
		d, err := New(cfg, chain, opts)
		if err != nil {
			return nil, err
		}
		h.dashboards = append(h.dashboards, d)
		h.byName[cfg.Name] = d
	}
	return h, nil
}

// Get returns the named dashboard.
func (h *Hub) Get(name string) (*Dashboard, bool) {
	d, ok := h.byName[name]
	return d, ok
}

// List returns the dashboards in configuration order.
func (h *Hub) List() []*Dashboard {
	return h.dashboards
}

// Mount restores persisted state and runs the initial load of every
// dashboard concurrently. Load failures are kept in each presenter state
// and do not fail Mount.
func (h *Hub) Mount(ctx context.Context) error {
	var g errgroup.Group
	for _, d := range h.dashboards {
		d := d
		g.Go(func() error {
			if err := d.state.Restore(ctx); err != nil {
				log.Warn().Err(err).Str("dashboard", d.name).Msg("Failed to restore dashboard state")
			}
			res := d.trigger.Mount(ctx)
			if res.Err != nil {
				log.Warn().Err(res.Err).Str("dashboard", d.name).Msg("Initial load failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// Run drives every dashboard's trigger and fans new heads out to them until
// ctx is cancelled. newHeads may be nil when no head subscription exists.
func (h *Hub) Run(ctx context.Context, newHeads <-chan heads.Head) error {
	g, gCtx := errgroup.WithContext(ctx)

	for _, d := range h.dashboards {
		d := d
		g.Go(func() error {
			return d.trigger.Run(gCtx)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case head, ok := <-newHeads:
				if !ok {
					return nil
				}
				for _, d := range h.dashboards {
					d.trigger.NotifyBlock(head.Number)
				}
			}
		}
	})

	return g.Wait()
}
