package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	require.Error(t, err, "second registration on the same registry must fail")
}

func TestRecordCheckpoint(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordCheckpoint(120, 3, 2, 1, 0.01)
	m.RecordCheckpoint(140, 1, 0, 0, 0.01)

	require.InDelta(t, 140, testutil.ToFloat64(m.watermark), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.checkpoints), 0)
	require.InDelta(t, 4, testutil.ToFloat64(m.transfersWritten.WithLabelValues("native")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.transfersWritten.WithLabelValues("token")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.headersWritten), 0)
}

func TestSetTipLag(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.SetTip(1005, 1000)
	require.InDelta(t, 5, testutil.ToFloat64(m.lag), 0)
	m.SetTip(1000, 1001)
	require.InDelta(t, 0, testutil.ToFloat64(m.lag), 0)
}

func TestRecordRPCCall(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordRPCCall("eth_blockNumber", nil, 0.01)
	m.RecordRPCCall("eth_blockNumber", errors.New("boom"), 0.02)

	require.InDelta(t, 1, testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_blockNumber", StatusSuccess)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_blockNumber", StatusError)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.errors.WithLabelValues(ErrTypeRPC)), 0)
}

func TestServerHandlers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.RecordRegistration(StatusStale)

	srv := NewServer(":0", reg)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `txindex_registrations_total{status="stale"} 1`)
}
