// Copyright 2024 The CoreDB Authors.
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

package join

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the process-wide Prometheus collectors for every Operator
// instance, grounded on the reference engine's habit of registering a
// handful of package-level vectors and letting each executor instance
// pick its own label values.
type Metrics struct {
	PartitionsCreated     prometheus.Counter
	PartitionsSpilled     prometheus.Counter
	BytesSpilled          prometheus.Counter
	RowsEmitted           prometheus.Counter
	RecursionDepth        prometheus.Histogram
	Repartitions          prometheus.Counter
	HashBuckets           prometheus.Counter
	PartitionBuildSeconds prometheus.Histogram
}

// NewMetrics builds a Metrics bound to reg. Passing nil registers against
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		PartitionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "partitions_created_total",
			Help:      "Number of partitions created across all recursion levels.",
		}),
		PartitionsSpilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "partitions_spilled_total",
			Help:      "Number of partitions unpinned to scratch disk.",
		}),
		BytesSpilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "bytes_spilled_total",
			Help:      "Bytes written to scratch disk by unpinning partitions.",
		}),
		RowsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "rows_emitted_total",
			Help:      "Rows produced by the join operator.",
		}),
		RecursionDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hashjoin",
			Name:      "recursion_depth",
			Help:      "Partition recursion depth reached while processing a spilled partition.",
			Buckets:   prometheus.LinearBuckets(0, 1, 6),
		}),
		Repartitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "repartitions_total",
			Help:      "Number of times a spilled partition's build side was redistributed one level deeper.",
		}),
		HashBuckets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "hashjoin",
			Name:      "hash_buckets_total",
			Help:      "Hash buckets occupied across every hash table this operator has built, cumulative across recursion levels.",
		}),
		PartitionBuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hashjoin",
			Name:      "partition_build_seconds",
			Help:      "Wall time spent partitioning one build-side input (initial build or one repartition round).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Profile is the plain-struct, per-operator run summary from spec §7:
// small enough to attach to an EXPLAIN ANALYZE node without touching
// Prometheus. It is updated alongside Metrics, not instead of it.
type Profile struct {
	NumPartitions           int
	NumSpilledPartitions    int
	MaxPartitionLevel       int
	LargestPartitionPercent float64
	RowsBuildSide           int64
	RowsProbeSide           int64
	RowsEmitted             int64
	// NumRepartitions counts REPARTITIONING rounds entered, the plain-
	// struct analogue of the reference join node's num_repartitions_.
	NumRepartitions int
	// NumHashBuckets accumulates occupied hash buckets across every hash
	// table built by this operator, the analogue of num_hash_buckets_.
	NumHashBuckets int
	// PartitionBuildTime is the summed wall time spent in partitionBuild
	// across the initial build and every repartition round, the
	// plain-struct analogue of partition_build_timer_.
	PartitionBuildTime time.Duration
}
