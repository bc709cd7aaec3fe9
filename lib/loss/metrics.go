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

package loss

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "loss_forward_ops_total",
			Help:      "The total number of loss forward passes.",
		},
		[]string{"variant"},
	)
	labelCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "label_cache_hits_total",
			Help:      "The total number of ground-truth label cache hits.",
		},
	)
	labelCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "contrastive",
			Name:      "label_cache_misses_total",
			Help:      "The total number of ground-truth label cache misses.",
		},
	)
)

func init() {
	prometheus.MustRegister(forwardOps)
	prometheus.MustRegister(labelCacheHits)
	prometheus.MustRegister(labelCacheMisses)
}

// RecordForward records one forward pass of the named loss variant.
func RecordForward(variant string) {
	forwardOps.WithLabelValues(variant).Inc()
}

// RecordLabelCacheHit records a label cache hit.
func RecordLabelCacheHit() { labelCacheHits.Inc() }

// RecordLabelCacheMiss records a label cache miss.
func RecordLabelCacheMiss() { labelCacheMisses.Inc() }
