// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package instrument holds the server's Prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	messagesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efdm_messages_accepted_total",
			Help: "Number of messages committed by the ingest path",
		},
	)
	messagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efdm_messages_rejected_total",
			Help: "Number of messages rejected by the ingest path",
		},
		[]string{"code"},
	)
	compensations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efdm_compensations_total",
			Help: "Number of compensating deletes issued for unauthorized writes",
		},
	)
	compensationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efdm_compensation_failures_total",
			Help: "Number of compensating deletes that failed and left an orphaned row",
		},
	)
	recencyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efdm_recency_update_failures_total",
			Help: "Number of failed chat recency updates",
		},
	)
	realtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efdm_realtime_dropped_frames_total",
			Help: "Number of realtime frames dropped because a subscriber buffer was full",
		},
	)
	realtimeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "efdm_realtime_subscribers",
			Help: "Number of connected realtime subscribers",
		},
	)
	keyCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efdm_key_cache_lookups_total",
			Help: "Public key cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		messagesAccepted,
		messagesRejected,
		compensations,
		compensationFailures,
		recencyFailures,
		realtimeDropped,
		realtimeSubscribers,
		keyCacheLookups,
	)
}

// Handler exposes the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func MessageAccepted() { messagesAccepted.Inc() }

func MessageRejected(code string) { messagesRejected.WithLabelValues(code).Inc() }

func Compensation() { compensations.Inc() }

func CompensationFailure() { compensationFailures.Inc() }

func RecencyFailure() { recencyFailures.Inc() }

func RealtimeDropped() { realtimeDropped.Inc() }

func SubscriberConnected() { realtimeSubscribers.Inc() }

func SubscriberDisconnected() { realtimeSubscribers.Dec() }

func KeyCacheHit() { keyCacheLookups.WithLabelValues("hit").Inc() }

func KeyCacheMiss() { keyCacheLookups.WithLabelValues("miss").Inc() }

// CompensationFailures returns the current failure count. Tests use it to
// observe background failures.
func CompensationFailures() float64 {
	return counterValue(compensationFailures)
}

// Dropped returns the number of frames dropped so far.
func Dropped() float64 {
	return counterValue(realtimeDropped)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
