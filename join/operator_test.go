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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredb/hashjoin/blockmgr"
	"github.com/coredb/hashjoin/rowtypes"
)

const testBuildWidth = 2
const testProbeWidth = 2

func rowOf(id int64, payload string) rowtypes.Row {
	return rowtypes.Row{rowtypes.NewInt64(id), rowtypes.NewString(payload)}
}

func newTestOperator(t *testing.T, cfg Config, budget int64, op Operation, build, probe []rowtypes.Row) *Operator {
	t.Helper()
	bm, err := blockmgr.New(budget, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Close() })
	extractor := &rowtypes.KeyColumnsExtractor{BuildKeyCols: []int{0}, ProbeKeyCols: []int{0}}
	return NewOperator(cfg, bm, extractor, op, testBuildWidth, testProbeWidth, NewSliceSource(build), NewSliceSource(probe), nil)
}

func drain(t *testing.T, o *Operator) []rowtypes.Row {
	t.Helper()
	var out []rowtypes.Row
	for {
		batch, err := o.GetNext(3)
		require.NoError(t, err)
		if len(batch) == 0 {
			return out
		}
		out = append(out, batch...)
	}
}

func expectedInner(build, probe []rowtypes.Row) []rowtypes.Row {
	var out []rowtypes.Row
	for _, p := range probe {
		for _, b := range build {
			if p[0].Equal(b[0]) {
				out = append(out, p.Concat(b))
			}
		}
	}
	return out
}

func expectedOuter(build, probe []rowtypes.Row, includeUnmatchedProbe, includeUnmatchedBuild bool) []rowtypes.Row {
	var out []rowtypes.Row
	buildMatched := make([]bool, len(build))
	for _, p := range probe {
		matched := false
		for bi, b := range build {
			if p[0].Equal(b[0]) {
				out = append(out, p.Concat(b))
				buildMatched[bi] = true
				matched = true
			}
		}
		if !matched && includeUnmatchedProbe {
			out = append(out, p.Concat(rowtypes.NullRow(testBuildWidth)))
		}
	}
	if includeUnmatchedBuild {
		for bi, b := range build {
			if !buildMatched[bi] {
				out = append(out, rowtypes.NullRow(testProbeWidth).Concat(b))
			}
		}
	}
	return out
}

func TestOperatorInnerJoinNoSpill(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1"), rowOf(2, "b2"), rowOf(3, "b3")}
	probe := []rowtypes.Row{rowOf(2, "p2"), rowOf(3, "p3"), rowOf(4, "p4")}

	o := newTestOperator(t, DefaultConfig(), 1<<20, Inner, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedInner(build, probe), out)
}

func TestOperatorLeftOuterJoinNoSpill(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1"), rowOf(2, "b2")}
	probe := []rowtypes.Row{rowOf(1, "p1"), rowOf(3, "p3")}

	o := newTestOperator(t, DefaultConfig(), 1<<20, LeftOuter, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedOuter(build, probe, true, false), out)
}

func TestOperatorRightOuterJoinNoSpill(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1"), rowOf(2, "b2")}
	probe := []rowtypes.Row{rowOf(1, "p1")}

	o := newTestOperator(t, DefaultConfig(), 1<<20, RightOuter, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedOuter(build, probe, false, true), out)
}

func TestOperatorInnerJoinForcedSpill(t *testing.T) {
	const n = 200
	var build, probe []rowtypes.Row
	for i := 0; i < n; i++ {
		build = append(build, rowOf(int64(i), fmt.Sprintf("b%d", i)))
	}
	for i := 0; i < n; i += 2 {
		probe = append(probe, rowOf(int64(i), fmt.Sprintf("p%d", i)))
	}

	cfg := Config{PartitionFanout: 4, MaxPartitionDepth: 4, MaxInMemBuildTables: 1}
	o := newTestOperator(t, cfg, 4096, Inner, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedInner(build, probe), out)
}

func TestOperatorFullOuterJoinForcedRepartition(t *testing.T) {
	const n = 200
	var build, probe []rowtypes.Row
	for i := 0; i < n; i++ {
		build = append(build, rowOf(int64(i), fmt.Sprintf("b%d", i)))
	}
	for i := n / 2; i < n+n/2; i++ {
		probe = append(probe, rowOf(int64(i), fmt.Sprintf("p%d", i)))
	}

	cfg := Config{PartitionFanout: 4, MaxPartitionDepth: 4, MaxInMemBuildTables: 1}
	o := newTestOperator(t, cfg, 2048, FullOuter, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedOuter(build, probe, true, true), out)
}

// TestOperatorProfileReportsSpillAndRepartitionThresholds exercises the
// same forced-spill, forced-repartition shape as
// TestOperatorFullOuterJoinForcedRepartition and asserts the literal
// scenario-4/5 thresholds through the Profile accessor: at least 3
// spilled partitions (PartitionFanout=4, MaxInMemBuildTables=1 spills
// every partition the builder doesn't have room to keep resident) and a
// recursion depth of at least 1 (the 2048-byte budget is too small for
// at least one popped partition's build side, which must then be
// repartitioned one level deeper).
func TestOperatorProfileReportsSpillAndRepartitionThresholds(t *testing.T) {
	const n = 200
	var build, probe []rowtypes.Row
	for i := 0; i < n; i++ {
		build = append(build, rowOf(int64(i), fmt.Sprintf("b%d", i)))
	}
	for i := n / 2; i < n+n/2; i++ {
		probe = append(probe, rowOf(int64(i), fmt.Sprintf("p%d", i)))
	}

	cfg := Config{PartitionFanout: 4, MaxPartitionDepth: 4, MaxInMemBuildTables: 1}
	o := newTestOperator(t, cfg, 2048, FullOuter, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	_ = drain(t, o)
	require.NoError(t, o.Close())

	profile := o.Profile()
	require.GreaterOrEqual(t, profile.NumSpilledPartitions, 3)
	require.GreaterOrEqual(t, profile.MaxPartitionLevel, 1)
	require.Greater(t, profile.NumRepartitions, 0)
	require.Greater(t, profile.NumHashBuckets, 0)
}

// TestOperatorSkewExceedsRepartitionLimit is the "skew is unresolvable by
// repartitioning" case: every build row shares the same key, so it always
// collides into a single sub-partition no matter how many levels deep the
// hash context reseeds, and the partition can never shrink enough to fit
// under a tiny budget.
func TestOperatorSkewExceedsRepartitionLimit(t *testing.T) {
	const n = 300
	var build []rowtypes.Row
	for i := 0; i < n; i++ {
		build = append(build, rowOf(1, fmt.Sprintf("b%d", i)))
	}
	probe := []rowtypes.Row{rowOf(1, "p1")}

	cfg := Config{PartitionFanout: 4, MaxPartitionDepth: 2, MaxInMemBuildTables: 1}
	o := newTestOperator(t, cfg, 64, Inner, build, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())

	_, err := o.GetNext(10)
	require.Equal(t, ErrRepartitionLimitExceeded, err)
}

func TestOperatorEmptyBuildSideLeftOuterEmitsAllNullExtended(t *testing.T) {
	probe := []rowtypes.Row{rowOf(1, "p1"), rowOf(2, "p2")}

	o := newTestOperator(t, DefaultConfig(), 1<<20, LeftOuter, nil, probe)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedOuter(nil, probe, true, false), out)
}

func TestOperatorEmptyProbeSideRightOuterEmitsAllUnmatchedBuild(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1"), rowOf(2, "b2")}

	o := newTestOperator(t, DefaultConfig(), 1<<20, RightOuter, build, nil)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	out := drain(t, o)
	require.NoError(t, o.Close())

	require.ElementsMatch(t, expectedOuter(build, nil, false, true), out)
}

func TestOperatorCloseIsIdempotent(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1")}
	o := newTestOperator(t, DefaultConfig(), 1<<20, Inner, build, nil)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
}

func TestOperatorGetNextAfterCloseReturnsErrClosed(t *testing.T) {
	build := []rowtypes.Row{rowOf(1, "b1")}
	o := newTestOperator(t, DefaultConfig(), 1<<20, Inner, build, nil)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Open())
	require.NoError(t, o.Close())

	_, err := o.GetNext(10)
	require.Equal(t, ErrClosed, err)
}

func TestOperatorPrepareRejectsInvalidConfig(t *testing.T) {
	bm, err := blockmgr.New(1<<20, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Close() })
	extractor := &rowtypes.KeyColumnsExtractor{BuildKeyCols: []int{0}, ProbeKeyCols: []int{0}}

	cases := []Config{
		{PartitionFanout: 3, MaxPartitionDepth: 1, MaxInMemBuildTables: 1},
		{PartitionFanout: 4, MaxPartitionDepth: 0, MaxInMemBuildTables: 1},
		{PartitionFanout: 4, MaxPartitionDepth: 1, MaxInMemBuildTables: 0},
	}
	for _, cfg := range cases {
		o := NewOperator(cfg, bm, extractor, Inner, testBuildWidth, testProbeWidth, NewSliceSource(nil), NewSliceSource(nil), nil)
		require.Error(t, o.Prepare())
	}
}
