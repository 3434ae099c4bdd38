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
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// processSpilledPartition is the spilled-partition loop (spec §2 #7):
// pop a partition off the queue, try to fit its build side in memory
// now that other partitions have freed budget by closing, and either
// probe it directly (PROBING_SPILLED_PARTITION) or, if it still does
// not fit, repartition it one level deeper (REPARTITIONING).
func (o *Operator) processSpilledPartition(p *partition) error {
	built, err := o.tryBuildHashTable(p)
	if err != nil {
		return err
	}
	if built {
		o.setState(stateProbingSpilledPartition)
		return o.probeSelf(p)
	}
	o.setState(stateRepartitioning)
	return o.repartition(p)
}

// repartition implements the REPARTITIONING state: p's build_rows are
// read back and redistributed across a fresh set of partitions one
// level deeper, hash tables are built for as many as fit, and p's own
// buffered probe_rows are then replayed against that new partition set.
// Fresh spills from this round are appended to the same global spill
// queue the caller drains, so recursion depth is bounded only by
// Config.MaxPartitionDepth and not by call-stack depth.
func (o *Operator) repartition(p *partition) error {
	nextLevel := p.level + 1
	if nextLevel > o.cfg.MaxPartitionDepth {
		return ErrRepartitionLimitExceeded
	}
	if o.metrics != nil {
		o.metrics.RecursionDepth.Observe(float64(nextLevel))
		o.metrics.Repartitions.Inc()
	}
	o.profile.NumRepartitions++
	if nextLevel > o.profile.MaxPartitionLevel {
		o.profile.MaxPartitionLevel = nextLevel
	}
	log.Info("hashjoin: repartitioning", zap.Int("from_level", p.level), zap.Int("to_level", nextLevel))

	buildSrc, err := newStreamRowSource(p.buildRows)
	if err != nil {
		return err
	}
	newParts, err := o.partitionBuild(buildSrc, nextLevel)
	if err != nil {
		return err
	}
	if err := o.buildHashTables(newParts); err != nil {
		return err
	}

	if p.probeRows != nil {
		probeSrc, err := newStreamRowSource(p.probeRows)
		if err != nil {
			return err
		}
		if err := o.probeAgainstPartitions(newParts, probeSrc, nextLevel); err != nil {
			return err
		}
	} else {
		// No probe rows ever reached this partition (spec §5's empty
		// probe-side boundary case): every sub-partition is trivially
		// probe-exhausted, so run the same drain path with an empty
		// source instead of special-casing "no probe rows" here.
		if err := o.probeAgainstPartitions(newParts, NewSliceSource(nil), nextLevel); err != nil {
			return err
		}
	}

	return errors.Trace(p.Close())
}
