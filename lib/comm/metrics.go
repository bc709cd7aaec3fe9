// Copyright 2026 Antfly, Inc.
//
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

package comm

import "github.com/prometheus/client_golang/prometheus"

var (
	gatherOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "allgather_ops_total",
			Help:      "The total number of all-gather operations.",
		},
		[]string{"backend"},
	)
	gatherBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "allgather_bytes_total",
			Help:      "The total number of tensor bytes exchanged by all-gathers.",
		},
		[]string{"backend"},
	)
	gatherFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "allgather_failures_total",
			Help:      "The total number of failed all-gather operations.",
		},
		[]string{"backend", "reason"},
	)
	gatherDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "allgather_duration_seconds",
			Help:      "Wall time of all-gather operations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(gatherOps)
	prometheus.MustRegister(gatherBytes)
	prometheus.MustRegister(gatherFailures)
	prometheus.MustRegister(gatherDuration)
}

// RecordGather records a completed all-gather of the given payload size.
func RecordGather(backend string, bytes int, seconds float64) {
	gatherOps.WithLabelValues(backend).Inc()
	gatherBytes.WithLabelValues(backend).Add(float64(bytes))
	gatherDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordGatherFailure records a failed all-gather.
func RecordGatherFailure(backend, reason string) {
	gatherFailures.WithLabelValues(backend, reason).Inc()
}
