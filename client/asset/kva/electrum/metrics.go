// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kvaelectrum"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "electrum",
		Name:      "requests_total",
		Help:      "Count of single ElectrumX requests.",
	}, []string{"method", "status"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "electrum",
		Name:      "request_duration_seconds",
		Help:      "Duration of single ElectrumX requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "electrum",
		Name:      "batch_size",
		Help:      "Number of entries in batch requests.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "electrum",
		Name:      "batch_duration_seconds",
		Help:      "Duration of batch requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	rpcErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "electrum",
		Name:      "rpc_errors_total",
		Help:      "Count of JSON-RPC error responses by method and code.",
	}, []string{"method", "code"})
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "connect_attempts_total",
		Help:      "Count of connection attempts by result.",
	}, []string{"status"})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Count of reconnections after a failed ping.",
	})
	tipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "tip_height",
		Help:      "Best block height reported by the connected server.",
	})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func observeRequest(method string, started time.Time, errp *error) {
	err := *errp
	requestsTotal.WithLabelValues(method, status(err)).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		rpcErrors.WithLabelValues(method, strconv.Itoa(rpcErr.Code)).Inc()
	}
}

func observeBatch(n int, started time.Time, errp *error) {
	batchSize.Observe(float64(n))
	batchDuration.WithLabelValues(status(*errp)).Observe(time.Since(started).Seconds())
}

func observeConnect(err error) {
	connectAttempts.WithLabelValues(status(err)).Inc()
}
