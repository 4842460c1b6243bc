// Package metrics exposes remindq's Prometheus collectors.
//
// Every Registry owns its own prometheus.Registry so tests and multiple
// servers in one process never collide on registration. All methods are
// nil-safe: a nil *Registry records nothing, which lets the broker and the
// HTTP layer run without metrics wired.
//
//	remindq_reminders_registered_total                       registrar calls that passed validation
//	remindq_reminder_entries_inserted_total                  reminder entries written
//	remindq_reminder_entries_removed_total                   stale reminder entries removed
//	remindq_events_published_total{queue}                    entries written, by queue
//	remindq_store_errors_total{queue,op}                     failed store calls
//	remindq_malformed_entries_total{queue}                   undecodable entries skipped by scans
//	remindq_http_requests_total{method,route,status}         HTTP requests
//	remindq_http_request_duration_seconds{method,route}      HTTP latency histogram
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remindq"

// Store operation labels for StoreError.
const (
	OpInsert  = "insert"
	OpRange   = "range"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all remindq application metrics.
type Registry struct {
	reg *prometheus.Registry

	registered      prometheus.Counter
	entriesInserted prometheus.Counter
	entriesRemoved  prometheus.Counter
	published       *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	malformed       *prometheus.CounterVec

	httpReqs *prometheus.CounterVec
	httpDur  *prometheus.HistogramVec
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_registered_total",
			Help:      "Reminder registrations that passed validation.",
		}),
		entriesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_entries_inserted_total",
			Help:      "Reminder entries written to the reminders queue.",
		}),
		entriesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_entries_removed_total",
			Help:      "Stale reminder entries removed during rescheduling.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Entries written to a delayed queue.",
		}, []string{"queue"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store calls that failed.",
		}, []string{"queue", "op"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_entries_total",
			Help:      "Stored entries that could not be decoded and were skipped.",
		}, []string{"queue"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.registered,
		r.entriesInserted,
		r.entriesRemoved,
		r.published,
		r.storeErrors,
		r.malformed,
		r.httpReqs,
		r.httpDur,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ─── Domain counters ──────────────────────────────────────────────────────────

// ReminderRegistered counts one validated registrar call.
func (r *Registry) ReminderRegistered() {
	if r == nil {
		return
	}
	r.registered.Inc()
}

// ReminderEntriesInserted adds n to the inserted-entries counter and to the
// published counter for queue.
func (r *Registry) ReminderEntriesInserted(queue string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.entriesInserted.Add(float64(n))
	r.published.WithLabelValues(queue).Add(float64(n))
}

// ReminderEntriesRemoved adds n to the removed-entries counter.
func (r *Registry) ReminderEntriesRemoved(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.entriesRemoved.Add(float64(n))
}

// Published counts one entry written to queue outside the registrar.
func (r *Registry) Published(queue string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(queue).Inc()
}

// StoreError counts one failed store call.
func (r *Registry) StoreError(queue, op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(queue, op).Inc()
}

// Malformed adds n to the malformed-entries counter for queue.
func (r *Registry) Malformed(queue string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.malformed.WithLabelValues(queue).Add(float64(n))
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

// ObserveHTTP records one served request. route is the mux pattern, never the
// raw path, so label cardinality stays bounded.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDur.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns an http.Handler that serves the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
