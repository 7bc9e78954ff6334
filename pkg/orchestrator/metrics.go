package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "runs_started_total",
		Help:      "Number of test runs whose execution was started.",
	})
	metricRunsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "runs_completed_total",
		Help:      "Number of test runs that finished with every flow passing.",
	})
	metricRunsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "runs_failed_total",
		Help:      "Number of test runs that finished with at least one failed flow.",
	})
	metricFlowsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "flows_executed_total",
		Help:      "Number of flows dispatched to the browser cloud.",
	})
	metricFlowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "flows_failed_total",
		Help:      "Number of flows that ended in failure.",
	})
	metricCloudTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "cloud_tasks_created_total",
		Help:      "Number of browser cloud tasks created.",
	})
)

func recordRunStarted()   { metricRunsStarted.Inc() }
func recordRunCompleted() { metricRunsCompleted.Inc() }
func recordRunFailed()    { metricRunsFailed.Inc() }
func recordFlowExecuted() { metricFlowsExecuted.Inc() }
func recordFlowFailed()   { metricFlowsFailed.Inc() }
func recordCloudTask()    { metricCloudTasks.Inc() }
