package mergequeue

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

const metricNamespace = "merganser_mergequeue"

const (
	processedEventsMetricName = "processed_events_total"
	ignoredEventsMetricName   = "ignored_events_total"
	rebuildsMetricName        = "queue_rebuilds_total"
	actionsMetricName         = "reconcile_actions_total"
	queueLengthMetricName     = "queue_length"
)

const (
	baseBranchLabel = "base_branch"
	repositoryLabel = "repository"
	actionLabel     = "action"
)

type metricCollector struct {
	logger          *zap.Logger
	processedEvents prometheus.Counter
	ignoredEvents   prometheus.Counter
	rebuilds        *prometheus.CounterVec
	actions         *prometheus.CounterVec
	queueLength     *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named("mergequeue").Named("metrics"),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processedEventsMetricName,
				Help:      "count of processed webhook events",
			},
		),
		ignoredEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      ignoredEventsMetricName,
				Help:      "count of webhook events dropped by short-circuit rules or ignore filters",
			},
		),
		rebuilds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      rebuildsMetricName,
				Help:      "count of queue rebuilds",
			},
			[]string{repositoryLabel, baseBranchLabel},
		),
		actions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      actionsMetricName,
				Help:      "count of executed reconcile actions",
			},
			[]string{repositoryLabel, baseBranchLabel, actionLabel},
		),
		queueLength: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queueLengthMetricName,
				Help:      "number of open pull requests in the queue of a branch",
			},
			[]string{repositoryLabel, baseBranchLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func branchLabels(branch BranchID) prometheus.Labels {
	return prometheus.Labels{
		repositoryLabel: fmt.Sprintf("%s/%s", branch.Owner, branch.Repository),
		baseBranchLabel: branch.Branch,
	}
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) IgnoredEventsInc() {
	m.ignoredEvents.Inc()
}

func (m *metricCollector) RebuildsInc(branch BranchID) {
	cnt, err := m.rebuilds.GetMetricWith(branchLabels(branch))
	if err != nil {
		m.logGetMetricFailed(rebuildsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) ActionsInc(branch BranchID, action Action) {
	labels := branchLabels(branch)
	labels[actionLabel] = action.String()

	cnt, err := m.actions.GetMetricWith(labels)
	if err != nil {
		m.logGetMetricFailed(actionsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) QueueLengthSet(branch BranchID, length int) {
	gauge, err := m.queueLength.GetMetricWith(branchLabels(branch))
	if err != nil {
		m.logGetMetricFailed(queueLengthMetricName, err)
		return
	}

	gauge.Set(float64(length))
}
