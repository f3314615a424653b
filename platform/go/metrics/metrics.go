// Package metrics holds the process-wide Prometheus collectors for the tenancy core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "palmyra"

var (
	poolsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_pools_open",
		Help:      "Number of tenant connection pools currently held by the registry",
	})

	poolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tenant_pool_evictions_total",
		Help:      "Tenant pools dropped after exhausting connection retries",
	})

	executorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executor_retries_total",
		Help:      "Transient connection errors retried by the query executor",
	}, []string{"target"})

	executorExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executor_retries_exhausted_total",
		Help:      "Operations that failed after all connection retries",
	}, []string{"target"})

	provisioningStage = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provisioning_stage_duration_seconds",
		Help:      "Duration of each provisioning stage",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage", "result"})

	provisioningJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_jobs_total",
		Help:      "Provisioning jobs that reached a terminal state",
	}, []string{"status"})

	loginResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_results_total",
		Help:      "Login outcomes by identity scope and result",
	}, []string{"scope", "result"})

	queueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisioning_queue_messages_total",
		Help:      "Provisioning queue operations by outcome",
	}, []string{"operation"})
)

// Target labels keep per-tenant database names out of metric cardinality.
const (
	TargetControlPlane = "control_plane"
	TargetTenant       = "tenant"
)

// PoolOpened increments the open tenant pool gauge.
func PoolOpened() {
	poolsOpen.Inc()
}

// PoolClosed decrements the open tenant pool gauge.
func PoolClosed() {
	poolsOpen.Dec()
}

// PoolEvicted records an eviction.
func PoolEvicted() {
	poolEvictions.Inc()
}

// ObserveRetry records one executor retry against target.
func ObserveRetry(target string) {
	executorRetries.WithLabelValues(target).Inc()
}

// ObserveRetriesExhausted records an operation that ran out of retries.
func ObserveRetriesExhausted(target string) {
	executorExhausted.WithLabelValues(target).Inc()
}

// ObserveProvisioningStage records the duration of a provisioning stage with a result label.
func ObserveProvisioningStage(stage, result string, duration time.Duration) {
	provisioningStage.WithLabelValues(stage, result).Observe(duration.Seconds())
}

// ObserveProvisioningJob counts a job reaching a terminal status.
func ObserveProvisioningJob(status string) {
	provisioningJobs.WithLabelValues(status).Inc()
}

// ObserveLogin counts a login outcome.
func ObserveLogin(scope, result string) {
	loginResults.WithLabelValues(scope, result).Inc()
}

// ObserveQueue counts a queue operation such as enqueue, ack, nack or invalid.
func ObserveQueue(operation string) {
	queueMessages.WithLabelValues(operation).Inc()
}
