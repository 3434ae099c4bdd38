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
	"github.com/pingcap/errors"
)

// probeAgainstPartitions is the probe-phase driver (spec §2 #6, §4.5):
// it routes every row of src to the partition its key hashes to at the
// given level, probing immediately against hash-resident partitions and
// buffering into probe_rows (with the same spill-retry as the build
// phase) for partitions that spilled. When src is exhausted, every
// hash-resident partition whose operation needs it emits its unmatched
// build rows and is closed; every still-spilled partition is queued for
// the spilled-partition loop (spec §2 #7).
func (o *Operator) probeAgainstPartitions(parts []*partition, src RowSource, level int) error {
	for {
		row, ok, err := src.Next()
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			break
		}
		o.profile.RowsProbeSide++
		key, err := o.extractor.EvalProbeKey(row)
		if err != nil {
			return errors.Trace(err)
		}
		idx := o.hc.partitionIndex(key, level)
		p := parts[idx]
		if p.IsHashResident() {
			h := o.hc.hash(key, level)
			if err := o.joinOp.probe(row, p.hashTbl.Get(h), o.hc, o.emit); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if err := o.appendProbeWithSpillRetry(parts, idx, row); err != nil {
			return err
		}
	}

	for _, p := range parts {
		if p.IsHashResident() {
			if o.op.needsUnmatchedBuild() {
				if err := o.emitUnmatchedBuild(p); err != nil {
					return err
				}
			}
			if err := p.Close(); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		o.spillQueue = append(o.spillQueue, p)
	}
	return nil
}

// probeSelf probes a spilled partition's own buffered probe rows
// against the hash table just built for it (spec's
// PROBING_SPILLED_PARTITION state), then handles unmatched-build
// emission and closes it, mirroring the tail of probeAgainstPartitions
// for the single-partition case.
func (o *Operator) probeSelf(p *partition) error {
	if p.probeRows != nil {
		src, err := newStreamRowSource(p.probeRows)
		if err != nil {
			return err
		}
		for {
			row, ok, err := src.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			key, err := o.extractor.EvalProbeKey(row)
			if err != nil {
				return errors.Trace(err)
			}
			h := o.hc.hash(key, p.level)
			if err := o.joinOp.probe(row, p.hashTbl.Get(h), o.hc, o.emit); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if o.op.needsUnmatchedBuild() {
		if err := o.emitUnmatchedBuild(p); err != nil {
			return err
		}
	}
	return p.Close()
}
