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
	"encoding/binary"
	"hash/fnv"

	"github.com/coredb/hashjoin/rowtypes"
)

// hashContext is the hash-context component (spec §2 #1): it evaluates
// keys through the caller-supplied rowtypes.KeyExtractor and derives a
// partition index that is independent, level to level, so a row that
// collides at level d has a fresh chance of separating at level d+1.
//
// The reference engine gets this independence by keeping one seed per
// hash table and re-seeding on every recursive build (executor/join.go's
// hashJoinRuntimeState carries a fresh xxhash seed per partition round).
// This is the same idea implemented with the standard library's FNV-1a:
// the level is folded into the hash as a seed rather than sliced out of
// a single wide hash, which is the equivalent construction spec §4.2
// allows explicitly.
type hashContext struct {
	extractor rowtypes.KeyExtractor
	cfg       Config
}

func newHashContext(extractor rowtypes.KeyExtractor, cfg Config) *hashContext {
	return &hashContext{extractor: extractor, cfg: cfg}
}

// hash computes the level-seeded hash of an already-extracted key.
func (hc *hashContext) hash(key rowtypes.Row, level int) uint32 {
	h := fnv.New32a()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(level)*0x9E3779B97F4A7C15+1)
	h.Write(seed[:])
	for _, d := range key {
		h.Write([]byte{byte(d.Kind)})
		switch d.Kind {
		case rowtypes.KindInt64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(d.I))
			h.Write(b[:])
		case rowtypes.KindString:
			h.Write([]byte(d.S))
		}
	}
	return h.Sum32()
}

// partitionIndex returns the fanout-bounded partition index for a key at
// the given recursion level (spec §4.2's partitioning formula).
func (hc *hashContext) partitionIndex(key rowtypes.Row, level int) int {
	return int(hc.hash(key, level) & hc.cfg.fanoutMask())
}
