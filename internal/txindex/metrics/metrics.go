package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "txindex"

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusStale   = "stale"
	StatusNoop    = "noop"
)

// Error type constants.
const (
	ErrTypeRPC    = "rpc"
	ErrTypeStore  = "store"
	ErrTypeTail   = "tail"
	ErrTypeExport = "export"
)

type Metrics struct {
	// Scan position
	watermark prometheus.Gauge
	tip       prometheus.Gauge
	lag       prometheus.Gauge

	// Write path
	checkpoints        prometheus.Counter
	checkpointDuration prometheus.Histogram
	transfersWritten   *prometheus.CounterVec
	headersWritten     prometheus.Counter
	errors             *prometheus.CounterVec

	// Registration
	registrations *prometheus.CounterVec
	catchupWaits  prometheus.Counter

	// Fan-out
	streamsOpen       prometheus.Gauge
	recordsPublished  prometheus.Counter
	exportedTransfers *prometheus.CounterVec

	// RPC
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge
}

// New creates a Metrics instance and registers every collector with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "watermark",
			Help:      "Next block height to be processed",
		}),
		tip: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "chain_tip",
			Help:      "Latest chain tip height observed",
		}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "lag_blocks",
			Help:      "Chain tip minus watermark",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints flushed and advanced",
		}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time to flush a batch and advance the watermark",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		transfersWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transfers_written_total",
			Help:      "Transfer records flushed, by type",
		}, []string{"type"}),
		headersWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "headers_written_total",
			Help:      "Block headers flushed",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "registrations_total",
			Help:      "Address registrations by outcome",
		}, []string{"status"}),
		catchupWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "catchup_polls_total",
			Help:      "Polls spent waiting for the watermark to catch up before a registration",
		}),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "live_streams",
			Help:      "Live streams registered for fan-out",
		}),
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_published_total",
			Help:      "Transfer deliveries to live streams",
		}),
		exportedTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "export",
			Name:      "transfers_total",
			Help:      "Transfers handed to the Kafka exporter, by status",
		}, []string{"status"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
	}

	err := errors.Join(
		reg.Register(m.watermark),
		reg.Register(m.tip),
		reg.Register(m.lag),
		reg.Register(m.checkpoints),
		reg.Register(m.checkpointDuration),
		reg.Register(m.transfersWritten),
		reg.Register(m.headersWritten),
		reg.Register(m.errors),
		reg.Register(m.registrations),
		reg.Register(m.catchupWaits),
		reg.Register(m.streamsOpen),
		reg.Register(m.recordsPublished),
		reg.Register(m.exportedTransfers),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) IncError(errType string) {
	m.errors.WithLabelValues(errType).Inc()
}

// SetTip updates the tip gauge and the lag behind it.
func (m *Metrics) SetTip(tip, watermark uint64) {
	m.tip.Set(float64(tip))
	if tip > watermark {
		m.lag.Set(float64(tip - watermark))
	} else {
		m.lag.Set(0)
	}
}

// RecordCheckpoint records a flushed batch and the watermark it advanced to.
func (m *Metrics) RecordCheckpoint(watermark uint64, native, token, headers int, seconds float64) {
	m.checkpoints.Inc()
	m.checkpointDuration.Observe(seconds)
	m.watermark.Set(float64(watermark))
	m.transfersWritten.WithLabelValues("native").Add(float64(native))
	m.transfersWritten.WithLabelValues("token").Add(float64(token))
	m.headersWritten.Add(float64(headers))
}

func (m *Metrics) SetWatermark(watermark uint64) {
	m.watermark.Set(float64(watermark))
}

func (m *Metrics) RecordRegistration(status string) {
	m.registrations.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCatchupPoll() { m.catchupWaits.Inc() }

// RecordFanOut records deliveries to live streams and the current stream count.
func (m *Metrics) RecordFanOut(delivered, open int) {
	m.recordsPublished.Add(float64(delivered))
	m.streamsOpen.Set(float64(open))
}

func (m *Metrics) RecordExport(n int, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errors.WithLabelValues(ErrTypeExport).Inc()
	}
	m.exportedTransfers.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) IncRPCInFlight() { m.rpcInFlight.Inc() }

func (m *Metrics) DecRPCInFlight() { m.rpcInFlight.Dec() }

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errors.WithLabelValues(ErrTypeRPC).Inc()
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}
