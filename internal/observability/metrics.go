package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "offers_total", Help: "Trip offers by resolution"},
		[]string{"outcome"},
	)
	OffersDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "offers_dropped_total", Help: "Trip notifications dropped because the driver was busy or unavailable"})
	ClaimsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "claims_total", Help: "Trip claim attempts by result"},
		[]string{"result"},
	)
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "moto_dispatch", Name: "claim_latency_seconds", Help: "Claim round-trip latency"})
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "trips_created_total", Help: "Trips requested by riders"})
	TripsSettled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "trips_settled_total", Help: "Trips completed and settled"})
	SOSRaised    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "sos_raised_total", Help: "SOS flags raised"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "moto_dispatch", Name: "driver_sessions_online", Help: "Driver sessions currently online"})
	ZoneDrivers   = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "moto_dispatch", Name: "zone_drivers", Help: "Drivers inside each zone"},
		[]string{"zone_id"},
	)
	ZoneRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "moto_dispatch", Name: "zone_open_requests", Help: "Open ride requests inside each zone"},
		[]string{"zone_id"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "moto_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moto_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
