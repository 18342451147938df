package heads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tokenhub/internal/metrics"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxReconnectAttempts = 10
	initialBackoff              = 1 * time.Second
	maxBackoff                  = 30 * time.Second
)

// ErrMaxReconnects is returned by Run when the node stays unreachable.
var ErrMaxReconnects = errors.New("max reconnection attempts reached")

// Head is one new block header notification.
type Head struct {
	Number    uint64
	Hash      string
	Timestamp time.Time
}

// Service subscribes to new block headers and publishes them on Heads.
type Service struct {
	wsURL       string
	metrics     *metrics.Metrics
	maxAttempts int
	backoff     func(attempt int) time.Duration

	heads     chan Head
	lastBlock atomic.Uint64
}

// NewService creates a new head subscription service.
func NewService(wsURL string, m *metrics.Metrics) *Service {
	return &Service{
		wsURL:       wsURL,
		metrics:     m,
		maxAttempts: defaultMaxReconnectAttempts,
		backoff:     calculateBackoff,
		heads:       make(chan Head, 16),
	}
}

// Heads returns the channel of new heads. Heads are dropped when the
// consumer falls behind.
func (s *Service) Heads() <-chan Head {
	return s.heads
}

// LastBlockNumber returns the highest block number seen.
func (s *Service) LastBlockNumber() uint64 {
	return s.lastBlock.Load()
}

// Run subscribes with automatic reconnection until ctx is cancelled. The
// attempt counter resets after a connection that delivered heads.
func (s *Service) Run(ctx context.Context) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt)
			log.Info().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Reconnecting to WebSocket")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}

		received, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			attempt = 0
		}

		log.Error().Err(err).Msg("Head subscription interrupted")
		if s.metrics != nil {
			s.metrics.SetHeadSubscriptionConnected(false)
		}
	}

	return ErrMaxReconnects
}

// runOnce runs one connection until it fails. It reports whether any head
// arrived on it.
func (s *Service) runOnce(ctx context.Context) (bool, error) {
	stream, err := dialHeads(ctx, s.wsURL)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if s.metrics != nil {
		s.metrics.SetHeadSubscriptionConnected(true)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go stream.keepAlive(connCtx)
	stop := context.AfterFunc(connCtx, func() { stream.Close() })
	defer stop()

	received := false
	for {
		raw, err := stream.next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return received, ctxErr
			}
			return received, err
		}

		head, err := decodeHead(raw)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decode head")
			continue
		}
		received = true
		s.publish(head)
	}
}

func (s *Service) publish(head Head) {
	if head.Number > s.lastBlock.Load() {
		s.lastBlock.Store(head.Number)
		if s.metrics != nil {
			s.metrics.SetLastBlockSeen(head.Number)
		}
	}

	select {
	case s.heads <- head:
	default:
		log.Warn().Uint64("block", head.Number).Msg("Head channel full, dropping head")
	}

	log.Trace().Uint64("block", head.Number).Str("hash", head.Hash).Msg("New head")
}

// decodeHead parses the params of an eth_subscription newHeads notification.
func decodeHead(raw json.RawMessage) (Head, error) {
	var notification struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Number    string `json:"number"`
			Hash      string `json:"hash"`
			Timestamp string `json:"timestamp"`
		} `json:"result"`
	}

	if err := json.Unmarshal(raw, &notification); err != nil {
		return Head{}, fmt.Errorf("parsing notification: %w", err)
	}

	number, err := hexutil.DecodeUint64(notification.Result.Number)
	if err != nil {
		return Head{}, fmt.Errorf("decoding block number %q: %w", notification.Result.Number, err)
	}

	head := Head{Number: number, Hash: notification.Result.Hash}
	if notification.Result.Timestamp != "" {
		ts, err := hexutil.DecodeUint64(notification.Result.Timestamp)
		if err != nil {
			return Head{}, fmt.Errorf("decoding timestamp: %w", err)
		}
		head.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	return head, nil
}

func calculateBackoff(attempt int) time.Duration {
	backoff := initialBackoff * (1 << uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
