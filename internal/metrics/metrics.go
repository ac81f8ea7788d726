package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions prometheus.Gauge

	SessionsStarted  prometheus.Counter
	SessionsFinished prometheus.Counter

	PlansRequested prometheus.Counter
	PlansServed    *prometheus.CounterVec // outcome label: ok|no_route|unavailable
	PlanDuration   prometheus.Histogram

	ExtractionsRun      prometheus.Counter
	ExtractionsDegraded prometheus.Counter

	RoutingCalls    *prometheus.CounterVec // profile label: foot|car|rail
	RoutingFallback prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	EventsPublished *prometheus.CounterVec // event_type label
	UpdateDuration  prometheus.Histogram

	ArrivalThreshold   prometheus.Gauge // meters
	DeviationThreshold prometheus.Gauge // meters
	GuidanceInterval   prometheus.Gauge // seconds
}

func NewCollector(arrivalM, deviationM float64, guidanceInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_active_sessions",
			Help: "Number of currently running navigation sessions.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_sessions_started_total",
			Help: "Total navigation sessions started.",
		}),
		SessionsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_sessions_finished_total",
			Help: "Total navigation sessions finished.",
		}),
		PlansRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_plans_requested_total",
			Help: "Total itinerary plan requests.",
		}),
		PlansServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navigator_plans_served_total",
			Help: "Plan requests by outcome.",
		}, []string{"outcome"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "navigator_plan_duration_seconds",
			Help:    "End-to-end duration of itinerary construction.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ExtractionsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_extractions_total",
			Help: "Total browser extraction sessions.",
		}),
		ExtractionsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_extractions_degraded_total",
			Help: "Extractions that produced only partial candidates.",
		}),
		RoutingCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navigator_routing_calls_total",
			Help: "Routing service calls by profile.",
		}, []string{"profile"}),
		RoutingFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_routing_fallback_total",
			Help: "Segment pairs drawn as straight lines after routing failure.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_geometry_cache_hits_total",
			Help: "Segment geometry cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_geometry_cache_misses_total",
			Help: "Segment geometry cache misses.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navigator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navigator_events_published_total",
			Help: "Navigation events delivered to the sink, by type.",
		}, []string{"event_type"}),
		UpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "navigator_update_duration_seconds",
			Help:    "Duration of one position update through the state machine.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		ArrivalThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_arrival_threshold_meters",
			Help: "Configured arrival threshold in meters.",
		}),
		DeviationThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_deviation_threshold_meters",
			Help: "Configured deviation threshold in meters.",
		}),
		GuidanceInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navigator_guidance_interval_seconds",
			Help: "Configured minimum interval between guidance messages.",
		}),
	}

	// Register
	reg.MustRegister(
		c.ActiveSessions, c.SessionsStarted, c.SessionsFinished,
		c.PlansRequested, c.PlansServed, c.PlanDuration,
		c.ExtractionsRun, c.ExtractionsDegraded,
		c.RoutingCalls, c.RoutingFallback, c.CacheHits, c.CacheMisses,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.EventsPublished, c.UpdateDuration,
		c.ArrivalThreshold, c.DeviationThreshold, c.GuidanceInterval,
	)

	c.ArrivalThreshold.Set(arrivalM)
	c.DeviationThreshold.Set(deviationM)
	c.GuidanceInterval.Set(guidanceInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
