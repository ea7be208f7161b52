package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_events_triggered_total",
			Help: "Total number of events handed to the dispatcher.",
		},
	)

	DeliveriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_created_total",
			Help: "Total number of delivery records created by fan-out.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"}, // delivered, failed
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_latency_seconds",
			Help:    "Latency of outbound webhook attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of failed attempts scheduled for retry, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_exhausted_total",
			Help: "Total number of deliveries that used up their attempt budget.",
		},
		[]string{"reason"},
	)

	BreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_breaker_trips_total",
			Help: "Total number of subscriptions deactivated by the circuit breaker.",
		},
	)

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_sweeps_total",
			Help: "Total number of retry sweeps by result.",
		},
		[]string{"result"}, // ok, error, skipped
	)

	SweepDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_sweep_deliveries_total",
			Help: "Deliveries handled by retry sweeps, by outcome.",
		},
		[]string{"outcome"}, // claimed, executed, skipped, error
	)

	SweepDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_sweep_duration_seconds",
			Help:    "Duration of retry sweeps.",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_consumed_total",
			Help: "Events read from the intake queue, by source and result.",
		},
		[]string{"source", "result"}, // nsq|kafka, ok|poison|error
	)

	DLQPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_dlq_published_total",
			Help: "Dead-letter notifications published.",
		},
	)

	EventBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_event_backlog",
			Help: "Event envelopes waiting on the NSQ intake channel.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_http_requests_total",
			Help: "Management API requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_http_request_seconds",
			Help:    "Management API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		EventsTriggeredTotal,
		DeliveriesCreatedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		RetriesTotal,
		ExhaustedTotal,
		BreakerTripsTotal,
		SweepsTotal,
		SweepDeliveries,
		SweepDurationSeconds,
		EventsConsumedTotal,
		DLQPublishedTotal,
		EventBacklog,
		NSQChannelDepth,
		NSQChannelInFlight,
		HTTPRequestsTotal,
		HTTPRequestSeconds,
	}
}

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}

// RecordEventTriggered counts one TriggerEvent call and the records it created.
func RecordEventTriggered(created int) {
	EventsTriggeredTotal.Inc()
	if created > 0 {
		DeliveriesCreatedTotal.Add(float64(created))
	}
}

// RecordAttempt counts one outbound attempt.
func RecordAttempt(delivered bool, latency time.Duration) {
	status := "failed"
	if delivered {
		status = "delivered"
	}
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordRetry counts a failed attempt that will be retried.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordExhausted counts a delivery that reached terminal failure.
func RecordExhausted(reason string) {
	ExhaustedTotal.WithLabelValues(reason).Inc()
}

func RecordBreakerTrip() {
	BreakerTripsTotal.Inc()
}

// RecordSweep records one sweep. A non-nil err marks the sweep as failed.
func RecordSweep(claimed, executed, skipped, errs int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SweepsTotal.WithLabelValues(result).Inc()
	SweepDurationSeconds.Observe(d.Seconds())
	SweepDeliveries.WithLabelValues("claimed").Add(float64(claimed))
	SweepDeliveries.WithLabelValues("executed").Add(float64(executed))
	SweepDeliveries.WithLabelValues("skipped").Add(float64(skipped))
	SweepDeliveries.WithLabelValues("error").Add(float64(errs))
}

// RecordSweepSkipped counts a scheduled tick that did not run because another
// worker held the lock.
func RecordSweepSkipped() {
	SweepsTotal.WithLabelValues("skipped").Inc()
}

func RecordEventConsumed(source, result string) {
	EventsConsumedTotal.WithLabelValues(source, result).Inc()
}

func RecordDLQPublished() {
	DLQPublishedTotal.Inc()
}

// RecordNSQChannel stores the last observed depth and in-flight count of
// one NSQ channel.
func RecordNSQChannel(topic, channel string, depth, inFlight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}

func SetEventBacklog(depth int64) {
	EventBacklog.Set(float64(depth))
}

// RecordHTTPRequest counts one API request. route is the registered path
// pattern, not the raw URL.
func RecordHTTPRequest(method, route string, code int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
