//go:build prometheus
// +build prometheus

package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multidevice_tasks_run_total",
			Help: "Number of tasks run, by task kind",
		},
		[]string{"task"},
	)
	tasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multidevice_tasks_failed_total",
			Help: "Number of tasks that returned an error, by task kind",
		},
		[]string{"task"},
	)
	assertionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "multidevice_task_assertion_failures_total",
			Help: "Number of protocol invariant violations caught by the task manager",
		},
	)
	reflected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multidevice_reflected_envelopes_total",
			Help: "Number of envelopes reflected to other devices, by content kind",
		},
		[]string{"kind"},
	)
	incomingDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multidevice_incoming_messages_dropped_total",
			Help: "Number of discarded incoming messages, by reason",
		},
		[]string{"reason"},
	)
	transactionsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multidevice_transactions_aborted_total",
			Help: "Number of aborted transactions, by scope",
		},
		[]string{"scope"},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "multidevice_reconnects_total",
			Help: "Number of reconnect attempts to the mediator",
		},
	)
	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "multidevice_pending_tasks",
			Help: "Number of scheduled active tasks",
		},
	)
)

// Init registers the metrics and serves them on addr.
func Init(addr string) {
	prometheus.MustRegister(tasksRun)
	prometheus.MustRegister(tasksFailed)
	prometheus.MustRegister(assertionFailures)
	prometheus.MustRegister(reflected)
	prometheus.MustRegister(incomingDropped)
	prometheus.MustRegister(transactionsAborted)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(pendingTasks)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux)
}

func TaskRun(kind string) {
	tasksRun.With(prometheus.Labels{"task": kind}).Inc()
}

func TaskFailed(kind string) {
	tasksFailed.With(prometheus.Labels{"task": kind}).Inc()
}

func AssertionFailure() {
	assertionFailures.Inc()
}

func Reflected(kind string) {
	reflected.With(prometheus.Labels{"kind": kind}).Inc()
}

func IncomingDropped(reason string) {
	incomingDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

func TransactionAborted(scope string) {
	transactionsAborted.With(prometheus.Labels{"scope": scope}).Inc()
}

func Reconnect() {
	reconnects.Inc()
}

func PendingTasks(n int) {
	pendingTasks.Set(float64(n))
}
