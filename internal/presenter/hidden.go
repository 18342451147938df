package presenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tokenhub/internal/aggregator"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// KVStore persists small string values. A missing key reads as "".
type KVStore interface {
	GetSystemState(ctx context.Context, key string) (string, error)
	SetSystemState(ctx context.Context, key, value string) error
}

// SnapshotStore persists the last applied snapshot per dashboard. A missing
// snapshot loads as nil data with no error.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, dashboard string, data []byte, takenAt time.Time) error
	LoadSnapshot(ctx context.Context, dashboard string) ([]byte, error)
}

func hiddenKey(dashboard string) string {
	return "hidden:" + dashboard
}

// Hide removes an instance from the visible records. Hiding is a local
// presentation preference and never affects aggregation.
func (s *State) Hide(ctx context.Context, instance common.Address) error {
	s.mu.Lock()
	if _, ok := s.hidden[instance]; ok {
		s.mu.Unlock()
		return nil
	}
	s.hidden[instance] = struct{}{}
	list := s.hiddenListLocked()
	s.mu.Unlock()

	s.notify()
	return s.saveHidden(ctx, list)
}

// Unhide restores a previously hidden instance.
func (s *State) Unhide(ctx context.Context, instance common.Address) error {
	s.mu.Lock()
	if _, ok := s.hidden[instance]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.hidden, instance)
	list := s.hiddenListLocked()
	s.mu.Unlock()

	s.notify()
	return s.saveHidden(ctx, list)
}

// Hidden returns the hidden instances in address order.
func (s *State) Hidden() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hiddenListLocked()
}

func (s *State) hiddenListLocked() []common.Address {
	list := make([]common.Address, 0, len(s.hidden))
	for addr := range s.hidden {
		list = append(list, addr)
	}
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].Bytes(), list[j].Bytes()) < 0
	})
	return list
}

func (s *State) saveHidden(ctx context.Context, list []common.Address) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshaling hidden list: %w", err)
	}
	if err := s.kv.SetSystemState(ctx, hiddenKey(s.name), string(data)); err != nil {
		return fmt.Errorf("saving hidden list: %w", err)
	}
	return nil
}

// Restore loads the persisted hidden list and the last saved snapshot. It is
// meant to run once before the first refresh; a snapshot already applied by a
// refresh is never replaced.
func (s *State) Restore(ctx context.Context) error {
	if s.kv != nil {
		raw, err := s.kv.GetSystemState(ctx, hiddenKey(s.name))
		if err != nil {
			return fmt.Errorf("loading hidden list: %w", err)
		}
		if raw != "" {
			var list []common.Address
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return fmt.Errorf("decoding hidden list: %w", err)
			}
			s.mu.Lock()
			for _, addr := range list {
				s.hidden[addr] = struct{}{}
			}
			s.mu.Unlock()
		}
	}

	if s.snapshots == nil {
		return nil
	}

	data, err := s.snapshots.LoadSnapshot(ctx, s.name)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if data == nil {
		return nil
	}

	snap, err := aggregator.DecodeSnapshot(data)
	if err != nil {
		// A corrupt snapshot only costs the warm start.
		log.Warn().Err(err).Str("dashboard", s.name).Msg("Ignoring unreadable saved snapshot")
		return nil
	}

	s.mu.Lock()
	applied := s.generation == 0
	if applied {
		s.current = snap
	}
	s.mu.Unlock()

	if applied {
		s.notify()
		log.Info().
			Str("dashboard", s.name).
			Int("records", snap.Len()).
			Time("taken_at", snap.TakenAt).
			Msg("Restored saved snapshot")
	}
	return nil
}

// persist saves an applied snapshot unless a newer generation was already
// saved. The save outlives the refresh's context so an applied snapshot is
// not lost to a caller leaving.
func (s *State) persist(ctx context.Context, gen uint64, snap *aggregator.Snapshot) {
	if s.snapshots == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if gen <= s.persistedGen {
		log.Debug().
			Str("dashboard", s.name).
			Uint64("generation", gen).
			Uint64("persisted", s.persistedGen).
			Msg("Skipping save of superseded snapshot")
		return
	}

	data, err := aggregator.EncodeSnapshot(snap)
	if err != nil {
		log.Warn().Err(err).Str("dashboard", s.name).Msg("Failed to encode snapshot")
		return
	}
	if err := s.snapshots.SaveSnapshot(context.WithoutCancel(ctx), s.name, data, snap.TakenAt); err != nil {
		log.Warn().Err(err).Str("dashboard", s.name).Msg("Failed to save snapshot")
		return
	}
	s.persistedGen = gen
}
