// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for logd: cache occupancy
// and churn (§4.D), storage append/read throughput (§4.C), and
// subscription fan-out (§4.G).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdp-project/gdp/internal/build"
)

const (
	BuildInfoGauge = "gdp_logd_build_info"

	CacheSizeGauge      = "gdp_logd_cache_objects"
	CacheHitTotal       = "gdp_logd_cache_hits_total"
	CacheMissTotal      = "gdp_logd_cache_misses_total"
	CacheEvictionsTotal = "gdp_logd_cache_evictions_total"

	AppendsTotal      = "gdp_logd_appends_total"
	DuplicateAppends  = "gdp_logd_duplicate_appends_total"
	ReadsTotal        = "gdp_logd_reads_total"
	StorageErrorTotal = "gdp_logd_storage_errors_total"

	SubscriptionsActiveGauge = "gdp_logd_subscriptions_active"
	SubscriptionEventsTotal  = "gdp_logd_subscription_events_total"
	SubscriptionExpiredTotal = "gdp_logd_subscription_expirations_total"

	RequestsInFlightGauge = "gdp_logd_requests_in_flight"
	RequestLatencySeconds = "gdp_logd_request_latency_seconds"
)

// Metrics is the set of Prometheus collectors registered by logd.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	CacheSize      prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	Appends           *prometheus.CounterVec
	DuplicateAppends  *prometheus.CounterVec
	Reads             *prometheus.CounterVec
	StorageErrors     *prometheus.CounterVec
	SubscriptionsLive prometheus.Gauge
	SubscriptionEvents prometheus.Counter
	SubscriptionExpiry prometheus.Counter

	RequestsInFlight prometheus.Gauge
	RequestLatency   prometheus.Histogram
}

// NewMetrics creates the metric set and registers it with registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for logd. Labels include branch, revision, and version.",
			},
			[]string{"branch", "revision", "version"},
		),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CacheSizeGauge,
			Help: "Number of log objects currently held in the object cache.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: CacheHitTotal,
			Help: "Total object cache lookups that found a live object.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: CacheMissTotal,
			Help: "Total object cache lookups that required opening the log from storage.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: CacheEvictionsTotal,
			Help: "Total log objects dropped by the LRU reclaimer.",
		}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: AppendsTotal,
			Help: "Total datums appended, by log name.",
		}, []string{"log"}),
		DuplicateAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DuplicateAppends,
			Help: "Total append requests that matched an existing hash and were accepted idempotently.",
		}, []string{"log"}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ReadsTotal,
			Help: "Total read operations served, by log name and index (recno, ts, hash).",
		}, []string{"log", "index"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StorageErrorTotal,
			Help: "Total storage engine errors, by kind.",
		}, []string{"kind"}),
		SubscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SubscriptionsActiveGauge,
			Help: "Number of server-side subscriptions with an unexpired lease.",
		}),
		SubscriptionEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: SubscriptionEventsTotal,
			Help: "Total AckContent events fanned out to subscribers.",
		}),
		SubscriptionExpiry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: SubscriptionExpiredTotal,
			Help: "Total subscriptions reclaimed after their lease lapsed without refresh.",
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: RequestsInFlightGauge,
			Help: "Number of requests currently ACTIVE or WAITING.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    RequestLatencySeconds,
			Help:    "Latency of synchronous invoke() round trips.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return &m
}

func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.CacheSize,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.Appends,
		m.DuplicateAppends,
		m.Reads,
		m.StorageErrors,
		m.SubscriptionsLive,
		m.SubscriptionEvents,
		m.SubscriptionExpiry,
		m.RequestsInFlight,
		m.RequestLatency,
	)
}

// Handler returns an http.Handler serving registry in the Prometheus
// exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
