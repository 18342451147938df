package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordFieldRead(t *testing.T) {
	m := New()
	m.RecordFieldRead("tokens", true)
	m.RecordFieldRead("tokens", true)
	m.RecordFieldRead("tokens", false)

	require.Equal(t, 2.0, testutil.ToFloat64(m.FieldReads.WithLabelValues("tokens", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FieldReads.WithLabelValues("tokens", "failed")))
}

func TestRefreshAndHeadGauges(t *testing.T) {
	m := New()
	m.RecordRefresh("pools", RefreshApplied, 20*time.Millisecond)
	m.RecordRefresh("pools", RefreshStale, time.Millisecond)
	m.SetHeadSubscriptionConnected(true)
	m.SetLastBlockSeen(1234)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("pools", RefreshApplied)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("pools", RefreshStale)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HeadSubscriptionStatus))
	require.Equal(t, 1234.0, testutil.ToFloat64(m.LastBlockSeen))

	m.SetHeadSubscriptionConnected(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.HeadSubscriptionStatus))
}

// Two instances must not collide on registration.
func TestNewUsesDedicatedRegistry(t *testing.T) {
	a := New()
	b := New()
	a.SetSnapshotRecords("tokens", 3)

	require.Equal(t, 3.0, testutil.ToFloat64(a.SnapshotRecords.WithLabelValues("tokens")))
	require.Equal(t, 0.0, testutil.ToFloat64(b.SnapshotRecords.WithLabelValues("tokens")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordInstanceExcluded("pools")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `tokenhub_instances_excluded_total{dashboard="pools"} 1`)
}
