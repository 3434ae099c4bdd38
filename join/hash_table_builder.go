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
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/coredb/hashjoin/rowtypes"
)

// buildHashTables is the hash-table builder (spec §2 #5, §4.3): it
// attempts to materialize an in-memory hash table for as many
// partitions as Config.MaxInMemBuildTables and the byte budget allow,
// preferring partitions that are still pinned (avoiding a needless
// unpin-then-repin round trip through scratch disk) before those
// already spilled.
func (o *Operator) buildHashTables(parts []*partition) error {
	order := make([]int, len(parts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := parts[order[a]], parts[order[b]]
		if pa.buildRows.IsSpilled() != pb.buildRows.IsSpilled() {
			return !pa.buildRows.IsSpilled()
		}
		// Among partitions in the same pinned/spilled bucket, try the
		// smaller one first: with MaxInMemBuildTables capping how many
		// hash tables can be resident at once, building small partitions
		// first packs more of them into the budget than a first-come
		// order would, the same way the reference join node estimates a
		// partition's size before deciding whether to build it now.
		return pa.EstimatedInMemSizeBytes() < pb.EstimatedInMemSizeBytes()
	})

	built := 0
	for _, i := range order {
		p := parts[i]
		if built >= o.cfg.MaxInMemBuildTables {
			if err := o.forceSpillForBuilder(p, i); err != nil {
				return err
			}
			continue
		}
		ok, err := o.tryBuildHashTable(p)
		if err != nil {
			return err
		}
		if ok {
			built++
		} else if err := o.forceSpillForBuilder(p, i); err != nil {
			return err
		}
	}
	return nil
}

// forceSpillForBuilder makes sure a partition the builder decided not to
// (or could not) materialize ends up in a clean spilled state.
func (o *Operator) forceSpillForBuilder(p *partition, idx int) error {
	if p.buildRows.IsSpilled() {
		return nil
	}
	return o.spillBuild(p, idx)
}

// tryBuildHashTable attempts to pin p's build rows and index them
// (spec §4.3). Rows are copied into the hash table by value, so once
// this succeeds the build stream's pages are no longer needed and are
// released immediately: the reference engine's hashRowContainer keeps
// its RowContainer alive so GetRow can re-fetch by pointer, but this
// core stores the row itself in each hashEntry. The hash table is not
// charged against the block manager's budget: once the stream is
// closed, a hash-resident partition holds no budget, and hashTblBytes
// only records the stream's pinned size for reporting.
//
// On ErrNeedsSpill from a mid-build pin, the caller must not treat this
// as fatal (spec §4.3: "if pinning ... fails, leave the partition in
// spilled state and continue"): ok is false and err is nil in that case.
func (o *Operator) tryBuildHashTable(p *partition) (bool, error) {
	ht := newHashTable(p.buildRows.NumRows())
	err := p.buildRows.ForEach(func(row rowtypes.Row) error {
		key, err := o.extractor.EvalBuildKey(row)
		if err != nil {
			return errors.Trace(err)
		}
		h := o.hc.hash(key, p.level)
		ht.Put(h, row, key)
		return nil
	})
	if err != nil {
		if isNeedsSpill(err) {
			_ = p.buildRows.Unpin()
			return false, nil
		}
		return false, errors.Trace(err)
	}
	p.hashTbl = ht
	p.hashTblBytes = p.buildRows.Bytes()
	if o.metrics != nil {
		o.metrics.HashBuckets.Add(float64(ht.NumBuckets()))
	}
	o.profile.NumHashBuckets += ht.NumBuckets()
	log.Debug("hashjoin: built hash table", zap.Int("level", p.level), zap.Int("buckets", ht.NumBuckets()), zap.Int64("bytes", p.InMemSizeBytes()))
	if err := p.buildRows.Close(); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}
