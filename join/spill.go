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

import "github.com/coredb/hashjoin/tuplestream"

// spillCandidate names one stream a spill decision may pick as its
// victim: a partition's build_rows during PARTITIONING_BUILD, or its
// probe_rows during PROCESSING_PROBE.
type spillCandidate struct {
	partitionIdx int
	stream       *tuplestream.Stream
	closed       bool
}

// chooseSpillVictim implements the spill policy (spec §2 #3, §4.4):
// prefer the largest still-pinned, non-empty, non-closed candidate,
// ties broken by lowest partition index. Size is measured in bytes
// (tuplestream.Stream.Bytes), the same in-memory-footprint quantity the
// reference join node's Partition::EstimatedInMemSize weighs a spill
// decision by, rather than row count, since two partitions with equal
// row counts can hold very different numbers of bytes once rows carry
// variable-width payloads. Bytes, like NumRows, reports only what is
// currently pinned, so a partition that has already been spilled once
// but has since re-accumulated fresh pinned rows still offers relief and
// is a valid victim; a candidate with nothing pinned right now offers
// none and is excluded, so "no candidate" naturally covers both
// "everything already spilled" and "everything empty" per spec §4.2's
// explicit failure case.
func chooseSpillVictim(candidates []spillCandidate) (int, bool) {
	best := -1
	var bestSize int64 = -1
	for _, c := range candidates {
		if c.closed || c.stream == nil {
			continue
		}
		n := c.stream.Bytes()
		if n == 0 {
			continue
		}
		if n > bestSize {
			bestSize = n
			best = c.partitionIdx
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}
