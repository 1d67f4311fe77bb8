// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeMetrics holds the instrument set shared across the runtime.
type NodeMetrics struct {
	deploys    *prometheus.CounterVec
	running    prometheus.Gauge
	executions *prometheus.CounterVec
	durations  prometheus.Observer
	rollbacks  *prometheus.CounterVec
	hostCalls  *prometheus.CounterVec
}

var (
	nodeMetricsOnce sync.Once
	nodeMetricsInst *NodeMetrics
)

// Node returns the process-wide metrics instance.
func Node() *NodeMetrics {
	nodeMetricsOnce.Do(func() {
		nodeMetricsInst = newNodeMetrics()
	})
	return nodeMetricsInst
}

func newNodeMetrics() *NodeMetrics {
	return &NodeMetrics{
		deploys: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "skill_deploys_total",
			Help:      "Deploy attempts, labeled by resulting status",
		}, []string{"status"}),
		running: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "skills_running",
			Help:      "Skills currently running in a sandbox",
		}),
		executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "skill_executions_total",
			Help:      "Sandbox invocations, labeled by skill and outcome",
		}, []string{"skill", "outcome"}),
		durations: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "skill_execution_duration_seconds",
			Help:      "Duration of sandbox invocations",
			Buckets:   prometheus.DefBuckets,
		}),
		rollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "skill_rollbacks_total",
			Help:      "Automatic rollbacks triggered by the health monitor",
		}, []string{"skill"}),
		hostCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buhdi",
			Subsystem: "node",
			Name:      "host_calls_total",
			Help:      "Capability bridge calls, labeled by capability and outcome",
		}, []string{"capability", "outcome"}),
	}
}

// RecordDeploy counts one deploy attempt by its resulting status.
func (m *NodeMetrics) RecordDeploy(status string) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(status).Inc()
}

// SetRunning records the current number of live sandboxes.
func (m *NodeMetrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

// StartExecution begins timing a sandbox invocation. The returned func
// observes the duration and counts the outcome.
func (m *NodeMetrics) StartExecution() func(skill, outcome string) {
	if m == nil {
		return func(string, string) {}
	}
	timer := prometheus.NewTimer(m.durations)
	return func(skill, outcome string) {
		timer.ObserveDuration()
		m.executions.WithLabelValues(skill, outcome).Inc()
	}
}

// RecordRollback counts one automatic rollback for skill.
func (m *NodeMetrics) RecordRollback(skill string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(skill).Inc()
}

// RecordHostCall counts one capability bridge call.
func (m *NodeMetrics) RecordHostCall(capability, outcome string) {
	if m == nil {
		return
	}
	m.hostCalls.WithLabelValues(capability, outcome).Inc()
}
