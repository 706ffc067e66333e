// Package metrics holds the prometheus collectors shared by every worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netkan"

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_received_total",
			Help:      "Messages received from a queue.",
		},
		[]string{"queue", "game"},
	)
	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_skipped_total",
			Help:      "Messages left on the queue because they could not be routed.",
		},
		[]string{"queue", "reason"},
	)
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_deleted_total",
			Help:      "Messages deleted after successful processing.",
		},
		[]string{"queue", "game"},
	)
	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batch_failures_total",
			Help:      "Per-game batches aborted by a handler error.",
		},
		[]string{"queue", "game"},
	)
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one per-game batch.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"queue", "game"},
	)
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repo",
			Name:      "commits_total",
			Help:      "Commits written to a repository.",
		},
		[]string{"game", "kind"},
	)
	PullRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "github",
			Name:      "pull_requests_total",
			Help:      "Pull requests opened, or commented on when one already existed.",
		},
		[]string{"repo", "result"},
	)
	ScheduledMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "messages_sent_total",
			Help:      "Scheduling messages sent to an inflation queue.",
		},
		[]string{"game", "group"},
	)
	SchedulerSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_skipped_total",
			Help:      "Scheduler runs skipped by a backpressure gate.",
		},
		[]string{"game", "gate"},
	)
	MirrorResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "results_total",
			Help:      "Mirror outcomes per descriptor.",
		},
		[]string{"game", "result"},
	)
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "requests_total",
			Help:      "Webhook requests by route and status code.",
		},
		[]string{"route", "code"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
