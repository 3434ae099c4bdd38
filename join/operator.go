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

// Package join implements the partitioned, spill-to-disk hash join
// operator: given a build-side RowSource and a probe-side RowSource, it
// partitions the build side by key hash, materializes an in-memory hash
// table per partition that fits the shared byte budget, spills the rest
// to scratch disk, and recursively repartitions any partition whose
// build side still does not fit once popped back off the spill queue.
//
// The state machine (PARTITIONING_BUILD -> PROCESSING_PROBE ->
// PROBING_SPILLED_PARTITION / REPARTITIONING) and the eight join
// operations' semantics are grounded on the reference query engine's
// executor/join.go HashJoinExec, generalized from that engine's
// concurrent multi-worker pipeline to the single cooperative thread of
// execution this package's collaborator interfaces assume.
package join

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/coredb/hashjoin/blockmgr"
	"github.com/coredb/hashjoin/rowtypes"
)

// state names the four phases of spec §4.1's state machine, plus a
// terminal Done used once the operator has no more output to produce.
// Grounded on the reference join node's own four-value State enum
// (PARTITIONING_BUILD, PROCESSING_PROBE, PROBING_SPILLED_PARTITION,
// REPARTITIONING).
type state int

const (
	statePartitioningBuild state = iota
	stateProcessingProbe
	stateProbingSpilledPartition
	stateRepartitioning
	stateDone
)

func (s state) String() string {
	switch s {
	case statePartitioningBuild:
		return "PARTITIONING_BUILD"
	case stateProcessingProbe:
		return "PROCESSING_PROBE"
	case stateProbingSpilledPartition:
		return "PROBING_SPILLED_PARTITION"
	case stateRepartitioning:
		return "REPARTITIONING"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Operator is the join executor (spec §6): Prepare/Open/GetNext/Close.
type Operator struct {
	cfg        Config
	bm         blockmgr.BlockManager
	extractor  rowtypes.KeyExtractor
	op         Operation
	buildWidth int
	probeWidth int
	joinOp     joiner
	hc         *hashContext
	metrics    *Metrics
	profile    Profile

	buildChild RowSource
	probeChild RowSource

	partitions []*partition
	spillQueue []*partition

	state    state
	closed   bool
	outbuf   []rowtypes.Row
	outpos   int
	produced bool

	fatal error
}

// NewOperator constructs an Operator. buildWidth and probeWidth are the
// column counts of a build/probe row, needed to synthesize NULL-extended
// rows for outer joins in either direction.
func NewOperator(cfg Config, bm blockmgr.BlockManager, extractor rowtypes.KeyExtractor, op Operation, buildWidth, probeWidth int, buildChild, probeChild RowSource, metrics *Metrics) *Operator {
	return &Operator{
		cfg:        cfg,
		bm:         bm,
		extractor:  extractor,
		op:         op,
		buildWidth: buildWidth,
		probeWidth: probeWidth,
		joinOp:     newJoiner(op, extractor, buildWidth),
		hc:         newHashContext(extractor, cfg),
		metrics:    metrics,
		buildChild: buildChild,
		probeChild: probeChild,
		state:      statePartitioningBuild,
	}
}

// Prepare validates configuration before Open (spec §6). It is split
// from Open the way the reference engine splits plan-time Prepare from
// runtime Open, even though this operator has nothing expensive to do
// at Prepare time beyond the sanity checks below.
func (o *Operator) Prepare() error {
	if o.cfg.PartitionFanout < 2 || o.cfg.PartitionFanout&(o.cfg.PartitionFanout-1) != 0 {
		return errors.Errorf("hashjoin: PartitionFanout must be a power of two >= 2, got %d", o.cfg.PartitionFanout)
	}
	if o.cfg.MaxPartitionDepth < 1 {
		return errors.Errorf("hashjoin: MaxPartitionDepth must be >= 1, got %d", o.cfg.MaxPartitionDepth)
	}
	if o.cfg.MaxInMemBuildTables < 1 {
		return errors.Errorf("hashjoin: MaxInMemBuildTables must be >= 1, got %d", o.cfg.MaxInMemBuildTables)
	}
	return nil
}

// Open drives PARTITIONING_BUILD to completion and builds as many
// in-memory hash tables as the budget (and Config.MaxInMemBuildTables)
// allow (spec §4.2, §4.3).
func (o *Operator) Open() error {
	o.setState(statePartitioningBuild)
	parts, err := o.partitionBuild(o.buildChild, 0)
	if err != nil {
		return err
	}
	o.partitions = parts
	if err := o.buildHashTables(parts); err != nil {
		return err
	}
	o.setState(stateProcessingProbe)
	return nil
}

// GetNext returns up to maxRows rows of output, or a zero-length slice
// once the join is exhausted (spec §6). The reference engine streams
// output incrementally through a channel of chunks produced by worker
// goroutines; this operator's single cooperative thread of execution
// instead runs the whole PROCESSING_PROBE / spilled-partition loop to
// completion the first time GetNext is called and serves subsequent
// calls out of the resulting buffer. The state machine, spill retries
// and recursion depth bookkeeping are unaffected by this: only the
// output-side "resumable position" is a plain slice cursor rather than
// a suspended goroutine.
func (o *Operator) GetNext(maxRows int) ([]rowtypes.Row, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if o.fatal != nil {
		return nil, o.fatal
	}
	if !o.produced {
		if err := o.runToCompletion(); err != nil {
			o.fatal = err
			return nil, err
		}
		o.produced = true
	}
	if o.outpos >= len(o.outbuf) {
		return nil, nil
	}
	end := o.outpos + maxRows
	if end > len(o.outbuf) {
		end = len(o.outbuf)
	}
	batch := o.outbuf[o.outpos:end]
	o.outpos = end
	return batch, nil
}

// Profile returns a snapshot of the operator's run summary (spec §7,
// §8 scenarios 4 and 5): safe to call at any point after Open, including
// mid-run, though NumSpilledPartitions/MaxPartitionLevel/etc. only reach
// their final values once GetNext has drained the operator to exhaustion.
func (o *Operator) Profile() Profile {
	return o.profile
}

// Close releases every partition and the shared block manager.
func (o *Operator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	for _, p := range o.partitions {
		_ = p.Close()
	}
	for _, p := range o.spillQueue {
		_ = p.Close()
	}
	return o.bm.Close()
}

// setState transitions the operator to s, logging the change the way the
// reference join node's UpdateState documents itself as doing ("Updates
// state_ to 's', logging the transition"), so every state the operator
// has ever been in is recorded for debugging (spec §4.1).
func (o *Operator) setState(s state) {
	log.Info("hashjoin: state transition", zap.Stringer("from", o.state), zap.Stringer("to", s))
	o.state = s
}

func (o *Operator) emit(r rowtypes.Row) {
	o.outbuf = append(o.outbuf, r)
	o.profile.RowsEmitted++
	if o.metrics != nil {
		o.metrics.RowsEmitted.Inc()
	}
}

func (o *Operator) runToCompletion() error {
	if err := o.probeAgainstPartitions(o.partitions, o.probeChild, 0); err != nil {
		return err
	}
	for len(o.spillQueue) > 0 {
		p := o.spillQueue[0]
		o.spillQueue = o.spillQueue[1:]
		if err := o.processSpilledPartition(p); err != nil {
			return err
		}
	}
	o.setState(stateDone)
	return nil
}

// partitionBuild is the build-phase driver (spec §2 #4, §4.2): it reads
// src to exhaustion, routing each row to one of Config.PartitionFanout
// fresh partitions at the given recursion level, retrying an append that
// needs memory by invoking the spill policy.
func (o *Operator) partitionBuild(src RowSource, level int) ([]*partition, error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		o.profile.PartitionBuildTime += elapsed
		if o.metrics != nil {
			o.metrics.PartitionBuildSeconds.Observe(elapsed.Seconds())
		}
	}()
	parts := make([]*partition, o.cfg.PartitionFanout)
	for i := range parts {
		parts[i] = newPartition(level, o.bm)
		if o.metrics != nil {
			o.metrics.PartitionsCreated.Inc()
		}
	}
	o.profile.NumPartitions += len(parts)
	for {
		row, ok, err := src.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			break
		}
		o.profile.RowsBuildSide++
		key, err := o.extractor.EvalBuildKey(row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		idx := o.hc.partitionIndex(key, level)
		if err := o.appendBuildWithSpillRetry(parts, idx, row); err != nil {
			return nil, err
		}
	}
	o.updateLargestPartitionPercent(parts)
	return parts, nil
}

// updateLargestPartitionPercent tracks a high-water mark for the
// percentage of the total build side held by its largest partition, the
// analogue of the reference join node's largest_partition_percent_
// counter: a value that stays high across every partitioning round
// signals skew that repartitioning cannot fix.
func (o *Operator) updateLargestPartitionPercent(parts []*partition) {
	var total, largest int64
	for _, p := range parts {
		sz := p.EstimatedInMemSizeBytes()
		total += sz
		if sz > largest {
			largest = sz
		}
	}
	if total == 0 {
		return
	}
	pct := float64(largest) / float64(total) * 100
	if pct > o.profile.LargestPartitionPercent {
		o.profile.LargestPartitionPercent = pct
	}
}

func (o *Operator) appendBuildWithSpillRetry(parts []*partition, idx int, row rowtypes.Row) error {
	for {
		err := parts[idx].AppendBuild(row)
		if err == nil {
			return nil
		}
		if !isNeedsSpill(err) {
			return errors.Trace(err)
		}
		log.Debug("hashjoin: needs-spill on build append, retrying", zap.Int("partition", idx))
		cands := make([]spillCandidate, len(parts))
		for i, p := range parts {
			cands[i] = spillCandidate{partitionIdx: i, stream: p.buildRows, closed: p.closed}
		}
		victim, ok := chooseSpillVictim(cands)
		if !ok {
			return ErrOutOfMemory
		}
		if err := o.spillBuild(parts[victim], victim); err != nil {
			return err
		}
	}
}

func (o *Operator) appendProbeWithSpillRetry(parts []*partition, idx int, row rowtypes.Row) error {
	p := parts[idx]
	for {
		err := p.AppendProbe(row)
		if err == nil {
			return nil
		}
		if !isNeedsSpill(err) {
			return errors.Trace(err)
		}
		log.Debug("hashjoin: needs-spill on probe append, retrying", zap.Int("partition", idx))
		cands := make([]spillCandidate, 0, len(parts))
		for i, p2 := range parts {
			if p2.probeRows == nil {
				continue
			}
			cands = append(cands, spillCandidate{partitionIdx: i, stream: p2.probeRows, closed: p2.closed})
		}
		victim, ok := chooseSpillVictim(cands)
		if !ok {
			return ErrOutOfMemory
		}
		bytes := parts[victim].probeRows.Bytes()
		if err := parts[victim].probeRows.Unpin(); err != nil {
			return errors.Trace(err)
		}
		o.noteSpill(victim, parts[victim].level, bytes)
	}
}

func (o *Operator) spillBuild(p *partition, idx int) error {
	bytes := p.buildRows.Bytes()
	if err := p.buildRows.Unpin(); err != nil {
		return errors.Trace(err)
	}
	o.noteSpill(idx, p.level, bytes)
	return nil
}

func (o *Operator) noteSpill(idx, level int, bytes int64) {
	o.profile.NumSpilledPartitions++
	if o.metrics != nil {
		o.metrics.PartitionsSpilled.Inc()
		o.metrics.BytesSpilled.Add(float64(bytes))
	}
	log.Info("hashjoin: spilled partition", zap.Int("partition", idx), zap.Int("level", level), zap.Int64("bytes", bytes))
}
