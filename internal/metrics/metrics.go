// Package metrics exposes Prometheus counters for the message pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every leadbot collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	InboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadbot",
		Name:      "inbound_messages_total",
		Help:      "Inbound messages accepted from channels.",
	}, []string{"channel", "type"})

	BlocksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadbot",
		Name:      "blocks_sent_total",
		Help:      "Outbound blocks delivered successfully.",
	}, []string{"channel"})

	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadbot",
		Name:      "delivery_failures_total",
		Help:      "Deliveries aborted by a send error or cancellation.",
	}, []string{"channel"})

	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "leadbot",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of a paced delivery, including waits.",
		Buckets:   []float64{1, 5, 10, 15, 20, 30, 45, 60, 120},
	}, []string{"channel"})

	ThreadsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "leadbot",
		Name:      "threads_created_total",
		Help:      "Assistant threads created for conversations.",
	})

	ProcessingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadbot",
		Name:      "processing_errors_total",
		Help:      "Inbound messages whose processing failed, by failing stage.",
	}, []string{"stage"})

	AssistantRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "leadbot",
		Name:      "assistant_run_duration_seconds",
		Help:      "Time from run creation to a terminal run status.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		InboundMessages, BlocksSent, DeliveryFailures, DeliveryDuration,
		ThreadsCreated, ProcessingErrors, AssistantRunDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
