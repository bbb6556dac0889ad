/*
Copyright 2024 The go-amqp-cbs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cbsmetrics exposes Prometheus metrics for the CBS core. Passing a
// *Metrics into pkg/cbsauth's constructors is always optional — a nil
// *Metrics is valid and every observer method is a no-op on it, the same
// "metrics are optional, passed in" convention the teacher's
// pkg/metricscollector uses relative to pkg/scaling.
package cbsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the CBS core's Prometheus collectors.
type Metrics struct {
	renewals  *prometheus.CounterVec
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
}

// NewMetrics constructs and registers CBS metrics against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests free of global registration order issues.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbs_renewals_total",
			Help: "Total CBS token renewal attempts, partitioned by audience and result.",
		}, []string{"audience", "result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbs_inflight_requests",
			Help: "Number of put-token requests currently awaiting a response.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbs_requests_total",
			Help: "Total CBS put-token requests sent, partitioned by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.renewals, m.inflight, m.requests)
	return m
}

// ObserveRenewal records one renewal attempt's outcome for audience.
func (m *Metrics) ObserveRenewal(audience string, success bool) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(audience, resultLabel(success)).Inc()
}

// SetInFlight reports the current correlation-map size (spec.md §8's
// property 1, surfaced for observability).
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

// ObserveRequest records one put-token request's outcome.
func (m *Metrics) ObserveRequest(success bool) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
