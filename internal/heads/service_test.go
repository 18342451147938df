package heads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tokenhub/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fakeNode accepts newHeads subscriptions and pushes the given block numbers.
func fakeNode(t *testing.T, blocks []uint64, connections *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)

		var req struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || len(req.Params) != 1 || req.Params[0] != "newHeads" {
			conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "unsupported"},
			})
			return
		}
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})

		for _, n := range blocks {
			conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xsub",
					"result": map[string]interface{}{
						"number":    fmt.Sprintf("0x%x", n),
						"hash":      fmt.Sprintf("0x%064x", n),
						"timestamp": "0x6553f100",
					},
				},
			})
		}

		// Hold the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServicePublishesHeads(t *testing.T) {
	var connections atomic.Int32
	srv := fakeNode(t, []uint64{16, 17, 18}, &connections)

	m := metrics.New()
	svc := NewService(wsURL(srv), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	var got []uint64
	for len(got) < 3 {
		select {
		case h := <-svc.Heads():
			got = append(got, h.Number)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for heads, got %v", got)
		}
	}

	require.Equal(t, []uint64{16, 17, 18}, got)
	require.Equal(t, uint64(18), svc.LastBlockNumber())
	require.Equal(t, 18.0, testutil.ToFloat64(m.LastBlockSeen))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HeadSubscriptionStatus))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestServiceGivesUpAfterMaxAttempts(t *testing.T) {
	svc := NewService("ws://127.0.0.1:1", nil)
	svc.maxAttempts = 3
	svc.backoff = func(int) time.Duration { return time.Millisecond }

	err := svc.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxReconnects)
}

func TestServiceReconnects(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		var req struct {
			ID int64 `json:"id"`
		}
		conn.ReadJSON(&req)
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
		conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]interface{}{
				"subscription": "0xsub",
				"result":       map[string]interface{}{"number": fmt.Sprintf("0x%x", n)},
			},
		})
		// Drop the connection right away.
		conn.Close()
	}))
	defer srv.Close()

	svc := NewService(wsURL(srv), nil)
	svc.backoff = func(int) time.Duration { return 5 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	require.Eventually(t, func() bool { return connections.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDecodeHead(t *testing.T) {
	raw := json.RawMessage(`{"subscription":"0x1","result":{"number":"0x1b4","hash":"0xabc","timestamp":"0x6553f100"}}`)

	head, err := decodeHead(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(436), head.Number)
	require.Equal(t, "0xabc", head.Hash)
	require.Equal(t, int64(0x6553f100), head.Timestamp.Unix())

	_, err = decodeHead(json.RawMessage(`{"result":{"number":"436"}}`))
	require.Error(t, err)

	_, err = decodeHead(json.RawMessage(`[`))
	require.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	require.Equal(t, 2*time.Second, calculateBackoff(1))
	require.Equal(t, 4*time.Second, calculateBackoff(2))
	require.Equal(t, maxBackoff, calculateBackoff(10))
}

// scriptedNode answers the subscribe request with reply and then writes
// the given frames.
func scriptedNode(t *testing.T, reply map[string]interface{}, frames ...map[string]interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]interface{}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		reply["id"] = req["id"]
		conn.WriteJSON(reply)
		for _, f := range frames {
			conn.WriteJSON(f)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func push(sub string, block uint64) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": sub,
			"result":       map[string]interface{}{"number": fmt.Sprintf("0x%x", block)},
		},
	}
}

func TestDialHeadsRejectedSubscription(t *testing.T) {
	srv := scriptedNode(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": -32601, "message": "subscriptions disabled"},
	})

	_, err := dialHeads(context.Background(), wsURL(srv))
	require.ErrorContains(t, err, "subscriptions disabled")
}

// TestHeadStreamFiltersSubscription verifies pushes for other subscriptions
// on the same socket are skipped.
func TestHeadStreamFiltersSubscription(t *testing.T) {
	srv := scriptedNode(t,
		map[string]interface{}{"jsonrpc": "2.0", "result": "0xours"},
		push("0xtheirs", 5),
		map[string]interface{}{"jsonrpc": "2.0", "method": "eth_chainChanged"},
		push("0xours", 6),
	)

	stream, err := dialHeads(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, "0xours", stream.id)

	raw, err := stream.next()
	require.NoError(t, err)
	head, err := decodeHead(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(6), head.Number)
}

func TestDialHeadsHonoursContext(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never confirm the subscription.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := dialHeads(ctx, wsURL(srv))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
