// Copyright 2024 The cachefs Authors.
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

// Package cachemetrics exports the Coherence Engine's decision counters and
// the Block Store's occupancy gauge as Prometheus metrics.
package cachemetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Kind labels a cache decision by which part of the metadata it concerns.
type Kind string

const (
	KindAttr Kind = "attr"
	KindDir  Kind = "dir"
	KindData Kind = "data"
)

// Registry holds every metric cachefsd publishes. The Registry returned by
// NewNoop records into a private registry that is never exported, so
// callers always hold a usable non-nil *Registry. Methods on a nil
// *Registry are not supported.
type Registry struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	blockBytes    prometheus.Gauge
	blockCount    prometheus.Gauge
}

// New registers the cachefs metric family on reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		hits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefs",
			Name:      "cache_hits_total",
			Help:      "Cache hits, by cache kind (attr, dir, data).",
		}, []string{"kind"}),
		misses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefs",
			Name:      "cache_misses_total",
			Help:      "Cache misses, by cache kind (attr, dir, data).",
		}, []string{"kind"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefs",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted due to the byte/TTL budget, by cache kind.",
		}, []string{"kind"}),
		invalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefs",
			Name:      "cache_invalidations_total",
			Help:      "Entries invalidated by a write-through mutation, by cache kind.",
		}, []string{"kind"}),
		blockBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachefs",
			Name:      "block_store_bytes",
			Help:      "Total bytes currently held by the block store.",
		}),
		blockCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachefs",
			Name:      "block_store_blocks",
			Help:      "Total blocks currently held by the block store.",
		}),
	}
}

// NewNoop returns a Registry whose metrics are registered on a fresh,
// unexported prometheus registry, for use when cfg.MetricsConfig.Addr is
// empty.
func NewNoop() *Registry {
	return New(prometheus.NewRegistry())
}

func (r *Registry) Hit(k Kind)            { r.hits.WithLabelValues(string(k)).Inc() }
func (r *Registry) Miss(k Kind)           { r.misses.WithLabelValues(string(k)).Inc() }
func (r *Registry) Evict(k Kind)          { r.evictions.WithLabelValues(string(k)).Inc() }
func (r *Registry) Invalidate(k Kind)     { r.invalidations.WithLabelValues(string(k)).Inc() }
func (r *Registry) SetBlockBytes(n int64) { r.blockBytes.Set(float64(n)) }
func (r *Registry) SetBlockCount(n int64) { r.blockCount.Set(float64(n)) }

// ServeAddr starts a blocking HTTP server exposing /metrics on addr. Callers
// run it in its own goroutine.
func ServeAddr(addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
