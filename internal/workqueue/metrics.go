package workqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "octobot_workqueue"

const (
	queueDepthMetricName    = "queue_depth"
	processedJobsMetricName = "processed_jobs_total"
)

const (
	repositoryLabel = "repository"
	resultLabel     = "result"
)

type resultLabelVal string

const (
	resultLabelSuccessVal resultLabelVal = "success"
	resultLabelFailureVal resultLabelVal = "failure"
)

type metricCollector struct {
	queueDepth    *prometheus.GaugeVec
	processedJobs *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queueDepthMetricName,
				Help:      "Number of queued jobs per repository",
			},
			[]string{repositoryLabel},
		),
		processedJobs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processedJobsMetricName,
				Help:      "Number of processed jobs per repository and result",
			},
			[]string{repositoryLabel, resultLabel},
		),
	}
}

func (m *metricCollector) QueueDepthInc(repo string) {
	m.queueDepth.WithLabelValues(repo).Inc()
}

func (m *metricCollector) QueueDepthDec(repo string) {
	m.queueDepth.WithLabelValues(repo).Dec()
}

func (m *metricCollector) JobProcessed(repo string, success bool) {
	result := resultLabelFailureVal
	if success {
		result = resultLabelSuccessVal
	}

	m.processedJobs.WithLabelValues(repo, string(result)).Inc()
}
