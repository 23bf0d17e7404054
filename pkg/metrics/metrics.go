package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll cycle metrics
var (
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_poll_cycles_total",
			Help: "Total number of poll cycles run",
		},
		[]string{"result"},
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrove_poll_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle across all lists",
			Buckets: prometheus.DefBuckets,
		},
	)

	ListsPolledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_lists_polled_total",
			Help: "Total number of per-list poll attempts",
		},
		[]string{"result"},
	)
)

// Message processing metrics
var (
	MessagesClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_messages_classified_total",
			Help: "Total number of incoming messages by classification status",
		},
		[]string{"status"},
	)

	RecipientsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgrove_recipients_resolved_total",
			Help: "Total number of recipients produced by subscriber resolution",
		},
	)
)

// Delivery metrics
var (
	SMTPSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_smtp_sends_total",
			Help: "Total number of per-recipient SMTP send attempts",
		},
		[]string{"result"},
	)

	SMTPSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrove_smtp_send_duration_seconds",
			Help:    "Duration of individual SMTP sends",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// IMAP metrics
var (
	IMAPConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_imap_connects_total",
			Help: "Total number of IMAP connection attempts",
		},
		[]string{"result"},
	)

	IMAPMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_imap_moves_total",
			Help: "Total number of messages moved into routing folders",
		},
		[]string{"folder"},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrove_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "result"},
	)
)
