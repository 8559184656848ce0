// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinesReadTotal counts lines read from the gateway by the listener
	LinesReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taggw_lines_read_total",
			Help: "Total number of lines read from the gateway",
		},
	)

	// RawSamplesTotal counts lines accepted into the raw queue
	RawSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taggw_raw_samples_total",
			Help: "Total number of raw samples queued by the listener",
		},
	)

	// ProcessedPacketsTotal counts processed packets by validity
	ProcessedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taggw_processed_packets_total",
			Help: "Total number of packets decoded by the processor",
		},
		[]string{"valid"},
	)

	// WatchdogResetsTotal counts input buffer resets after link silence
	WatchdogResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taggw_watchdog_resets_total",
			Help: "Total number of input buffer resets triggered by link silence",
		},
	)

	// WorkerErrorsTotal counts loop errors per worker
	WorkerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taggw_worker_errors_total",
			Help: "Total number of errors raised inside worker loops",
		},
		[]string{"worker"},
	)

	// WorkerFaultsTotal counts workers terminated by consecutive errors
	WorkerFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taggw_worker_faults_total",
			Help: "Total number of workers stopped by too many consecutive errors",
		},
		[]string{"worker"},
	)

	// CommandsWrittenTotal counts commands written to the gateway
	CommandsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taggw_commands_written_total",
			Help: "Total number of commands written to the gateway",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of items waiting in each queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taggw_queue_depth",
			Help: "Number of items waiting in a queue",
		},
		[]string{"queue"},
	)

	// TagHistorySize tracks the processor's tag history length for the current run
	TagHistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taggw_tag_history_size",
			Help: "Number of sightings held in the current processor run's tag history",
		},
	)

	// WSClients tracks connected websocket clients of the monitor server
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taggw_ws_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// RecordedRowsTotal counts packets written to CSV recordings
	RecordedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taggw_recorded_rows_total",
			Help: "Total number of packets written to CSV recordings",
		},
	)
)
